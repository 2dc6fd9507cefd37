package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"

	"github.com/jmcleod/murmur/account"
	"github.com/jmcleod/murmur/internal/util"
	"github.com/jmcleod/murmur/session"
	"github.com/jmcleod/murmur/sign"
	bboltstorage "github.com/jmcleod/murmur/storage/bbolt"
	"github.com/jmcleod/murmur/storage/memory"
	"github.com/jmcleod/murmur/storage/postgres"
)

// PrivateKeyEnv holds the encoded server signing key.
const PrivateKeyEnv = "MURMUR_PRIVATE_KEY"

var errNoPrivateKey = errors.New(PrivateKeyEnv + " is not set; generate one with `murmur genkey --out <file>`")

var (
	logLevel    string
	dataDir     string
	storageKind string
	postgresDSN string
)

func newLogger() (*slog.Logger, error) {
	var level slog.Level
	if err := level.UnmarshalText([]byte(logLevel)); err != nil {
		return nil, fmt.Errorf("invalid --log-level %q: %w", logLevel, err)
	}
	return slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level})), nil
}

// loadKeys reads the signing key from keyFile when given, otherwise from
// the environment.
func loadKeys(keyFile string) (*sign.Keys, error) {
	var encoded string
	if keyFile != "" {
		b, err := os.ReadFile(keyFile)
		if err != nil {
			return nil, fmt.Errorf("reading private key file: %w", err)
		}
		encoded = string(b)
		util.WipeBytes(b)
	} else {
		encoded = os.Getenv(PrivateKeyEnv)
	}
	encoded = strings.TrimSpace(encoded)
	if encoded == "" {
		return nil, errNoPrivateKey
	}
	keys, err := sign.KeysFromEncoded(encoded)
	if err != nil {
		return nil, fmt.Errorf("loading private key: %w", err)
	}
	return keys, nil
}

// backend is a store holding both users and sessions.
type backend interface {
	session.Store
	account.Store
}

// openBackend opens the store selected by --storage. The returned close
// function is never nil.
func openBackend(ctx context.Context) (backend, func(), error) {
	switch storageKind {
	case "memory":
		return memory.NewRepository(), func() {}, nil
	case "bbolt", "":
		if err := os.MkdirAll(dataDir, 0o700); err != nil {
			return nil, nil, fmt.Errorf("creating data directory: %w", err)
		}
		store, err := bboltstorage.NewRepositoryFromFile(filepath.Join(dataDir, "murmur.db"), nil)
		if err != nil {
			return nil, nil, fmt.Errorf("opening bbolt storage: %w", err)
		}
		return store, func() { store.Close() }, nil
	case "postgres":
		if postgresDSN == "" {
			return nil, nil, errors.New("--postgres-dsn is required with --storage postgres")
		}
		store, err := postgres.NewRepositoryFromDSN(ctx, postgresDSN)
		if err != nil {
			return nil, nil, err
		}
		return store, store.Close, nil
	default:
		return nil, nil, fmt.Errorf("unknown storage %q (want memory, bbolt or postgres)", storageKind)
	}
}

func addStorageFlags(cmd *cobra.Command) {
	fs := cmd.Flags()
	fs.StringVar(&dataDir, "data-dir", envOr("MURMUR_DATA_DIR", "./data"), "Directory for the bbolt database")
	fs.StringVar(&storageKind, "storage", envOr("MURMUR_STORAGE", "bbolt"), "Storage backend: memory, bbolt or postgres")
	fs.StringVar(&postgresDSN, "postgres-dsn", os.Getenv("MURMUR_POSTGRES_DSN"), "PostgreSQL connection string")
}
