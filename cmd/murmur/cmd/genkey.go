package cmd

import (
	"crypto/rand"
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/jmcleod/murmur/sign"
)

var (
	genkeyOut   string
	genkeyForce bool
)

var genkeyCmd = &cobra.Command{
	Use:   "genkey",
	Short: "Generate a session signing key",
	Long: `Generate a 2048-bit RSA signing key encoded for ` + PrivateKeyEnv + `.
Without --out the key is printed to stdout.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		priv, err := sign.GenerateKey(rand.Reader)
		if err != nil {
			return err
		}
		encoded := sign.EncodePrivateKey(priv)
		keys, err := sign.NewKeys(priv)
		if err != nil {
			return err
		}

		if genkeyOut == "" {
			fmt.Fprintln(cmd.OutOrStdout(), encoded)
			return nil
		}
		if err := writeKeyFile(genkeyOut, encoded, genkeyForce); err != nil {
			return err
		}
		fmt.Fprintf(cmd.ErrOrStderr(), "wrote key %s to %s\n", keys.ID(), genkeyOut)
		return nil
	},
}

// writeKeyFile creates path with mode 0600. An existing file is only
// replaced when force is set.
func writeKeyFile(path, encoded string, force bool) error {
	flags := os.O_WRONLY | os.O_CREATE | os.O_EXCL
	if force {
		flags = os.O_WRONLY | os.O_CREATE | os.O_TRUNC
	}
	f, err := os.OpenFile(path, flags, 0o600)
	if errors.Is(err, os.ErrExist) {
		return fmt.Errorf("%s already exists; use --force to overwrite", path)
	}
	if err != nil {
		return fmt.Errorf("creating key file: %w", err)
	}
	if err := f.Chmod(0o600); err != nil {
		f.Close()
		return fmt.Errorf("setting key file mode: %w", err)
	}
	if _, err := io.WriteString(f, encoded+"\n"); err != nil {
		f.Close()
		return fmt.Errorf("writing key file: %w", err)
	}
	return f.Close()
}

func init() {
	rootCmd.AddCommand(genkeyCmd)
	genkeyCmd.Flags().StringVarP(&genkeyOut, "out", "o", "", "Write the key to this file (mode 0600)")
	genkeyCmd.Flags().BoolVar(&genkeyForce, "force", false, "Overwrite an existing key file")
}
