package main

import (
	"bufio"
	"errors"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"baseline/api/internal/authpw"
	"baseline/api/internal/rbac"
	"baseline/api/internal/store"
)

func usersCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage user accounts",
	}
	cmd.AddCommand(usersCreateCommand(), usersGrantCommand(), usersPasswdCommand())
	return cmd
}

// withUsers opens the Postgres user store for the duration of fn.
func withUsers(cmd *cobra.Command, fn func(users *store.PostgresStore, passwords *authpw.Service) error) error {
	cfg := configFromCommand(cmd)
	if err := requireDatabase(cfg); err != nil {
		return err
	}
	db, err := store.Open(cmd.Context(), cfg.DatabaseURL)
	if err != nil {
		return err
	}
	defer db.Close()
	users := store.NewPostgresStore(db)
	return fn(users, authpw.NewService(users, cfg.BcryptCost))
}

// readPassword returns the --password flag or, when it is empty, the first
// line of stdin.
func readPassword(cmd *cobra.Command) (string, error) {
	password, _ := cmd.Flags().GetString("password")
	if password != "" {
		return password, nil
	}
	line, err := bufio.NewReader(cmd.InOrStdin()).ReadString('\n')
	if err != nil && line == "" {
		return "", errors.New("password required (--password or stdin)")
	}
	return strings.TrimRight(line, "\r\n"), nil
}

func usersCreateCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Create an account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			role, _ := cmd.Flags().GetString("role")
			role = strings.ToLower(strings.TrimSpace(role))
			if !rbac.Valid(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			password, err := readPassword(cmd)
			if err != nil {
				return err
			}
			return withUsers(cmd, func(_ *store.PostgresStore, passwords *authpw.Service) error {
				user, err := passwords.Register(cmd.Context(), authpw.RegisterRequest{Name: args[0], Password: password, Role: role})
				if err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s\n", user.DisplayName, user.ID, user.Role)
				return nil
			})
		},
	}
	cmd.Flags().String("role", string(rbac.RoleMember), "role of the new account")
	cmd.Flags().String("password", "", "password (read from stdin when omitted)")
	return cmd
}

func usersGrantCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "grant <name> <role>",
		Short: "Set the role of an existing account",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			name := strings.TrimSpace(args[0])
			role := strings.ToLower(strings.TrimSpace(args[1]))
			if !rbac.Valid(role) {
				return fmt.Errorf("unknown role %q", role)
			}
			return withUsers(cmd, func(users *store.PostgresStore, _ *authpw.Service) error {
				user, err := users.GetUserByName(cmd.Context(), name)
				if err != nil {
					return fmt.Errorf("lookup %s: %w", name, err)
				}
				if err := users.SetUserRole(cmd.Context(), user.ID, role); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "%s (%s): %s -> %s\n", user.DisplayName, user.ID, user.Role, role)
				return nil
			})
		},
	}
}

func usersPasswdCommand() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "passwd <name>",
		Short: "Set the password of an existing account",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			password, err := readPassword(cmd)
			if err != nil {
				return err
			}
			return withUsers(cmd, func(users *store.PostgresStore, passwords *authpw.Service) error {
				user, err := users.GetUserByName(cmd.Context(), strings.TrimSpace(args[0]))
				if err != nil {
					return fmt.Errorf("lookup %s: %w", args[0], err)
				}
				if err := passwords.SetPassword(cmd.Context(), user.ID, password); err != nil {
					return err
				}
				fmt.Fprintf(cmd.OutOrStdout(), "password updated for %s\n", user.DisplayName)
				return nil
			})
		},
	}
	cmd.Flags().String("password", "", "password (read from stdin when omitted)")
	return cmd
}
