package cmd

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"github.com/jmcleod/murmur/account"
)

var (
	userName        string
	userDisplayName string
	userEmail       string
)

var userCmd = &cobra.Command{
	Use:   "user",
	Short: "Manage accounts directly in the store",
}

var userAddCmd = &cobra.Command{
	Use:   "add",
	Short: "Create an account",
	Long: `Create an account. The password is prompted for without echo when
stdin is a terminal and read from the first line of stdin otherwise.`,
	RunE: func(cmd *cobra.Command, args []string) error {
		logger, err := newLogger()
		if err != nil {
			return err
		}
		pw, err := readPassword(cmd.InOrStdin(), cmd.ErrOrStderr())
		if err != nil {
			return err
		}

		store, closeStore, err := openBackend(cmd.Context())
		if err != nil {
			return err
		}
		defer closeStore()

		svc, err := account.NewService(store, account.WithLogger(logger))
		if err != nil {
			return err
		}
		u, err := svc.Register(cmd.Context(), account.RegisterParams{
			Username:    userName,
			Password:    pw,
			DisplayName: userDisplayName,
			Email:       userEmail,
		})
		if err != nil {
			return err
		}
		fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", u.Handle, u.ID)
		return nil
	},
}

// readPassword prompts twice on a terminal and reads one line otherwise.
func readPassword(in io.Reader, prompt io.Writer) (string, error) {
	if f, ok := in.(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		fmt.Fprint(prompt, "Password: ")
		first, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		fmt.Fprint(prompt, "Repeat password: ")
		second, err := term.ReadPassword(int(f.Fd()))
		fmt.Fprintln(prompt)
		if err != nil {
			return "", fmt.Errorf("reading password: %w", err)
		}
		if string(first) != string(second) {
			return "", errors.New("passwords do not match")
		}
		return string(first), nil
	}

	line, err := bufio.NewReader(in).ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", fmt.Errorf("reading password: %w", err)
	}
	line = strings.TrimRight(line, "\r\n")
	if line == "" {
		return "", errors.New("no password given on stdin")
	}
	return line, nil
}

func init() {
	rootCmd.AddCommand(userCmd)
	userCmd.AddCommand(userAddCmd)
	userAddCmd.Flags().StringVarP(&userName, "username", "u", "", "Username (required)")
	userAddCmd.Flags().StringVar(&userDisplayName, "display-name", "", "Display name")
	userAddCmd.Flags().StringVar(&userEmail, "email", "", "Email address")
	userAddCmd.MarkFlagRequired("username")
	addStorageFlags(userAddCmd)
}
