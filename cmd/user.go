package cmd

import (
	"context"
	"fmt"
	"os"
	"strings"

	"github.com/spf13/cobra"

	"attackmatrix/bootstrap"
	"attackmatrix/core"
	"attackmatrix/storage"
)

// newUserCmd creates the 'user' command group
func newUserCmd() *cobra.Command {
	userCmd := &cobra.Command{
		Use:     "user",
		Aliases: []string{"users"},
		Short:   "Manage user accounts",
	}

	userCmd.AddCommand(newUserCreateCmd())
	userCmd.AddCommand(newUserListCmd())
	userCmd.AddCommand(newUserResetPasswordCmd())

	return userCmd
}

// newUserCreateCmd creates the 'user create' subcommand
func newUserCreateCmd() *cobra.Command {
	var (
		username string
		role     string
		password string
		fullName string
		email    string
	)

	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a user account",
		Long:  "Create a user account. Without --password a random password is generated and printed once.",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if strings.TrimSpace(username) == "" {
				return fmt.Errorf("--username is required")
			}
			role = strings.ToLower(role)
			if !core.IsValidRole(role) {
				return fmt.Errorf("invalid role %q (valid: %s)", role, strings.Join(core.Roles, ", "))
			}

			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			env, cleanup, err := openEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			generated := false
			if password == "" {
				if password, err = bootstrap.GenerateSecurePassword(20); err != nil {
					return err
				}
				generated = true
			}
			if err := core.ValidatePassword(password, env.cfg.Auth.PasswordMinLength); err != nil {
				return err
			}

			user := &core.User{
				Username: strings.TrimSpace(username),
				FullName: fullName,
				Email:    email,
				Role:     role,
				IsActive: true,
			}
			if err := env.storage.Users.CreateUser(ctx, user, password); err != nil {
				return fmt.Errorf("failed to create user: %w", err)
			}

			_ = env.storage.Audit.CreateAuditEntry(ctx, &core.AuditEntry{
				EventType:   core.EventUserCreated,
				Level:       core.AuditSecurity,
				Description: fmt.Sprintf("User %s created with role %s", user.Username, user.Role),
				EntityType:  "user",
				EntityID:    fmt.Sprint(user.ID),
				Username:    "cli",
			})

			if outputJSON {
				out := map[string]interface{}{"user": user}
				if generated {
					out["password"] = password
				}
				return outputAsJSON(out)
			}
			if !quiet {
				successColor.Fprintf(stdout, "✓ User created: %s (ID: %d, role: %s)\n", user.Username, user.ID, user.Role)
			}
			if generated {
				warningColor.Fprintf(os.Stderr, "Generated password (shown once): %s\n", password)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&username, "username", "u", "", "Username")
	cmd.Flags().StringVarP(&role, "role", "r", core.RoleViewer, "Role (viewer, analyst, admin)")
	cmd.Flags().StringVarP(&password, "password", "p", "", "Password (generated when empty)")
	cmd.Flags().StringVar(&fullName, "full-name", "", "Full name")
	cmd.Flags().StringVar(&email, "email", "", "Email address")

	return cmd
}

// newUserListCmd creates the 'user list' subcommand
func newUserListCmd() *cobra.Command {
	var role string

	cmd := &cobra.Command{
		Use:     "list",
		Aliases: []string{"ls"},
		Short:   "List user accounts",
		Args:    cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			env, cleanup, err := openEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			users, _, err := env.storage.Users.ListUsers(ctx, storage.UserFilter{Role: role})
			if err != nil {
				return fmt.Errorf("failed to list users: %w", err)
			}
			if outputJSON {
				return outputAsJSON(users)
			}
			renderUsersTable(users)
			return nil
		},
	}

	cmd.Flags().StringVar(&role, "role", "", "Only users with this role")

	return cmd
}

// newUserResetPasswordCmd creates the 'user reset-password' subcommand
func newUserResetPasswordCmd() *cobra.Command {
	var password string

	cmd := &cobra.Command{
		Use:   "reset-password <username>",
		Short: "Set a new password and revoke the user's sessions",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := context.WithTimeout(cmd.Context(), defaultTimeout)
			defer cancel()

			env, cleanup, err := openEnv()
			if err != nil {
				return err
			}
			defer cleanup()

			user, err := env.storage.Users.GetUserByUsername(ctx, args[0])
			if err != nil {
				return fmt.Errorf("unknown user %q: %w", args[0], err)
			}

			generated := false
			if password == "" {
				if password, err = bootstrap.GenerateSecurePassword(20); err != nil {
					return err
				}
				generated = true
			}
			if err := core.ValidatePassword(password, env.cfg.Auth.PasswordMinLength); err != nil {
				return err
			}
			if err := env.storage.Users.SetPassword(ctx, user.ID, password); err != nil {
				return fmt.Errorf("failed to set password: %w", err)
			}
			revoked, err := env.storage.Sessions.RevokeUserSessions(ctx, user.ID, "")
			if err != nil {
				return fmt.Errorf("failed to revoke sessions: %w", err)
			}

			_ = env.storage.Audit.CreateAuditEntry(ctx, &core.AuditEntry{
				EventType:   core.EventPasswordChanged,
				Level:       core.AuditSecurity,
				Description: fmt.Sprintf("Password of %s reset from the command line", user.Username),
				EntityType:  "user",
				EntityID:    fmt.Sprint(user.ID),
				Username:    "cli",
			})

			if !quiet {
				successColor.Fprintf(stdout, "✓ Password reset for %s, %d sessions revoked\n", user.Username, len(revoked))
			}
			if generated {
				warningColor.Fprintf(os.Stderr, "Generated password (shown once): %s\n", password)
			}
			return nil
		},
	}

	cmd.Flags().StringVarP(&password, "password", "p", "", "New password (generated when empty)")

	return cmd
}
