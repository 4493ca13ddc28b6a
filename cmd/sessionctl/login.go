package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"git.sr.ht/~jakintosh/sessionkit/pkg/session"
	"github.com/spf13/cobra"
)

var errNotSignedIn = errors.New("not signed in")

func loginCmd(a *app) *cobra.Command {
	var (
		email    string
		password string
		opts     session.LoginOptions
	)

	cmd := &cobra.Command{
		Use:   "login",
		Short: "Sign in and store the session",
		Long: `Sign in with email and password. Without --password the password is
read from the first line of stdin.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			if email == "" {
				return errors.New("--email is required")
			}
			if password == "" {
				line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
				if err != nil && line == "" {
					return fmt.Errorf("couldn't read password: %w", err)
				}
				password = strings.TrimRight(line, "\r\n")
			}

			c, closeFn, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			sess, err := c.Login(cmd.Context(), email, password, opts)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "signed in as %s (%s)\n", sess.User.Email, sess.User.ID)
			return nil
		},
	}

	cmd.Flags().StringVarP(&email, "email", "e", "", "Account email")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Account password")
	cmd.Flags().BoolVar(&opts.Remember, "remember", false, "Remember the account for resume")
	cmd.Flags().BoolVar(&opts.Biometric, "biometric", false, "Enable resume without a password")

	return cmd
}

func logoutCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "logout",
		Short: "Sign out and clear the stored session",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			c.Logout(cmd.Context())
			fmt.Fprintln(cmd.OutOrStdout(), "signed out")
			return nil
		},
	}
}

func resumeCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "resume",
		Short: "Sign in again from remembered credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := a.open(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			sess, err := c.Resume(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "resumed as %s (%s)\n", sess.User.Email, sess.User.ID)
			return nil
		},
	}
}
