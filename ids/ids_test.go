package ids

import (
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewIsUnique(t *testing.T) {
	a, b := NewSessionID(), NewSessionID()
	assert.NotEqual(t, a, b)
	assert.False(t, a.IsZero())
	assert.Len(t, a.Bytes(), 16)
}

func TestParseRoundTrip(t *testing.T) {
	id := NewSessionID()
	got, err := ParseSessionID(id.String())
	require.NoError(t, err)
	assert.Equal(t, id, got)

	fromRaw, err := SessionIDFromBytes(id.Bytes())
	require.NoError(t, err)
	assert.Equal(t, id, fromRaw)
}

func TestParseRejects(t *testing.T) {
	for _, in := range []string{
		"",
		"not-a-uuid",
		"urn:uuid:6ba7b810-9dad-11d1-80b4-00c04fd430c8",
		"{6ba7b810-9dad-11d1-80b4-00c04fd430c8}",
		"6ba7b8109dad11d180b400c04fd430c8",
	} {
		_, err := ParseSessionID(in)
		assert.Error(t, err, "input %q", in)
	}
}

func TestBytesIsCopy(t *testing.T) {
	id := NewSessionID()
	b := id.Bytes()
	b[0] ^= 0xff
	assert.NotEqual(t, b, id.Bytes())
}

func TestJSON(t *testing.T) {
	type doc struct {
		User UserID `json:"user_id"`
	}
	in := doc{User: NewUserID()}
	data, err := json.Marshal(in)
	require.NoError(t, err)
	var out doc
	require.NoError(t, json.Unmarshal(data, &out))
	assert.Equal(t, in, out)
}
