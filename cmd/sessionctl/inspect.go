package main

import (
	"fmt"
	"strings"

	"git.sr.ht/~jakintosh/sessionkit/pkg/permission"
	"github.com/spf13/cobra"
)

func whoamiCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "whoami",
		Short: "Show the signed-in user",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := a.restore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			sess := c.Session().Session()
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "id:      %s\n", sess.User.ID)
			fmt.Fprintf(out, "email:   %s\n", sess.User.Email)
			fmt.Fprintf(out, "roles:   %s\n", strings.Join(sess.User.Roles, ", "))
			fmt.Fprintf(out, "expires: %s\n", sess.ExpiresAt.Format("2006-01-02 15:04:05"))
			return nil
		},
	}
}

func csrfCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "csrf",
		Short: "Print a valid CSRF header",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := a.restore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			name, token, err := c.CSRFHeader(cmd.Context())
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", name, token)
			return nil
		},
	}
}

func canCmd(a *app) *cobra.Command {
	var scope permission.Scope

	cmd := &cobra.Command{
		Use:   "can <resource> <action>",
		Short: "Check whether the signed-in user may perform an action",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := a.restore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			allowed, err := c.Can(cmd.Context(), args[0], args[1], scope)
			if err != nil {
				return err
			}
			verdict := "denied"
			if allowed {
				verdict = "allowed"
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s:%s %s\n", args[0], args[1], verdict)
			return nil
		},
	}

	cmd.Flags().StringVar(&scope.OrganizationID, "org", "", "Organization scope")
	cmd.Flags().StringVar(&scope.GroupID, "group", "", "Group scope within the organization")

	return cmd
}

func rolesCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "roles",
		Short: "List the signed-in user's roles and permissions",
		RunE: func(cmd *cobra.Command, args []string) error {
			c, closeFn, err := a.restore(cmd.Context())
			if err != nil {
				return err
			}
			defer closeFn()

			snap, ok := c.Permissions().Snapshot()
			if !ok {
				if err := c.RefreshPermissions(cmd.Context()); err != nil {
					return err
				}
				snap, _ = c.Permissions().Snapshot()
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "roles: %s\n", strings.Join(snap.Roles, ", "))
			for _, p := range snap.Permissions {
				fmt.Fprintf(out, "  %s:%s\n", p.Resource, p.Action)
			}
			return nil
		},
	}
}
