package main

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	"github.com/spf13/cobra"
	"golang.org/x/term"

	"vehicle-monitor/internal/api"
	"vehicle-monitor/internal/domain/auth"
)

func newLoginCmd(opts *rootOptions) *cobra.Command {
	var email, password string

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in with email and password",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}

			in := bufio.NewReader(cmd.InOrStdin())
			if email == "" {
				if email, err = prompt(cmd, in, "Email: "); err != nil {
					return err
				}
			}
			if password == "" {
				if password, err = readPassword(cmd, in); err != nil {
					return err
				}
			}

			identity, err := a.auth.Login(cmd.Context(), email, password)
			if err != nil {
				return userError(err)
			}

			cmd.Printf("Logged in as %s\n", describe(identity))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&password, "password", "", "Password (will prompt if not provided)")
	return cmd
}

func newRegisterCmd(opts *rootOptions) *cobra.Command {
	var (
		email, username, password string
		imagePath                 string
	)

	cmd := &cobra.Command{
		Use:   "register",
		Short: "Create an account",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}

			in := bufio.NewReader(cmd.InOrStdin())
			if email == "" {
				if email, err = prompt(cmd, in, "Email: "); err != nil {
					return err
				}
			}
			if password == "" {
				if password, err = readPassword(cmd, in); err != nil {
					return err
				}
			}

			req := api.RegisterRequest{Email: email, Username: username, Password: password}
			if imagePath != "" {
				f, err := os.Open(imagePath)
				if err != nil {
					return fmt.Errorf("failed to open profile image: %w", err)
				}
				defer f.Close()
				req.ProfileImage = f
				req.ProfileImageName = filepath.Base(imagePath)
			}

			result, err := a.auth.Register(cmd.Context(), req)
			if err != nil {
				return userError(err)
			}
			if result.Redirect != nil {
				cmd.Println(result.Redirect.Reason)
				return nil
			}

			cmd.Printf("Registered and logged in as %s\n", describe(result.Identity))
			return nil
		},
	}
	cmd.Flags().StringVar(&email, "email", "", "Email address")
	cmd.Flags().StringVar(&username, "username", "", "Display name")
	cmd.Flags().StringVar(&password, "password", "", "Password (will prompt if not provided)")
	cmd.Flags().StringVar(&imagePath, "profile-image", "", "Path to a profile picture")
	return cmd
}

func newLogoutCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and remove the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			if err := a.auth.Logout(cmd.Context()); err != nil {
				return fmt.Errorf("logout failed: %w", err)
			}
			cmd.Println("Logged out. Session removed.")
			return nil
		},
	}
}

func newWhoamiCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		Long:  "Show the signed-in user.\n\n" + sessionHint,
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}

			res := a.auth.Gate(cmd.Context(), "whoami")
			if !res.Allowed() {
				return a.gateError(res.Redirect, res.Cause)
			}

			cmd.Printf("%s\n", describe(res.Identity))
			if provider, ok := a.store.Provider(); ok {
				cmd.Printf("provider: %s\n", provider)
			}
			return nil
		},
	}
}

func newRefreshCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "refresh",
		Short: "Exchange the refresh token for a new access token",
		RunE: func(cmd *cobra.Command, args []string) error {
			a, err := newApp(opts)
			if err != nil {
				return err
			}
			if err := a.auth.Refresh(cmd.Context()); err != nil {
				if errors.Is(err, auth.ErrNoRefreshToken) {
					return errors.New("no refresh token stored: please run 'monitor login' first")
				}
				return err
			}
			cmd.Println("Access token refreshed.")
			return nil
		},
	}
}

func prompt(cmd *cobra.Command, in *bufio.Reader, label string) (string, error) {
	cmd.Print(label)
	line, err := in.ReadString('\n')
	if err != nil && !(errors.Is(err, io.EOF) && line != "") {
		return "", fmt.Errorf("failed to read input: %w", err)
	}
	return strings.TrimSpace(line), nil
}

// readPassword hides input on a terminal and reads a plain line otherwise.
func readPassword(cmd *cobra.Command, in *bufio.Reader) (string, error) {
	if f, ok := cmd.InOrStdin().(*os.File); ok && term.IsTerminal(int(f.Fd())) {
		cmd.Print("Password: ")
		data, err := term.ReadPassword(int(f.Fd()))
		cmd.Println()
		if err != nil {
			return "", fmt.Errorf("failed to read password: %w", err)
		}
		return string(data), nil
	}
	return prompt(cmd, in, "Password: ")
}

func describe(identity *auth.Identity) string {
	if identity == nil {
		return "unknown user"
	}
	if identity.DisplayName != "" && identity.DisplayName != identity.Email {
		return fmt.Sprintf("%s <%s>", identity.DisplayName, identity.Email)
	}
	return identity.Email
}

func userError(err error) error {
	var credErr *auth.CredentialError
	if errors.As(err, &credErr) {
		return errors.New(credErr.Message)
	}
	return err
}

// sessionHint is shown wherever a command needs a session from an earlier
// invocation.
const sessionHint = "The default memory session backend forgets the login when the process exits.\n" +
	"Set MONITOR_SESSION_BACKEND=keyring (or session.backend: keyring) to keep the session between commands."

// gateError explains a denied gate. With the memory backend nothing
// survives between invocations, so it says how to keep a session.
func (a *app) gateError(r *auth.Redirect, cause error) error {
	err := redirectError(r, cause)
	if !a.cfg.UseKeyring() && errors.Is(cause, auth.ErrNoToken) {
		return fmt.Errorf("%w; set MONITOR_SESSION_BACKEND=keyring to keep the session between commands", err)
	}
	return err
}

func redirectError(r *auth.Redirect, cause error) error {
	msg := "not logged in: please run 'monitor login' first"
	if r != nil && r.Reason != "" {
		msg = r.Reason
	}
	if cause != nil {
		return fmt.Errorf("%s (%w)", msg, cause)
	}
	return errors.New(msg)
}
