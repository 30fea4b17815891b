package main

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"

	"github.com/lancon/relay/internal/user"
)

func usersCmd(a *app) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "users",
		Short: "Manage accounts directly in the store",
	}
	cmd.AddCommand(usersAddCmd(a), usersListCmd(a), usersLangCmd(a))
	return cmd
}

func (a *app) withUsers(cmd *cobra.Command, fn func(ctx context.Context, users *user.Service) error) error {
	ctx, cancel := withTimeout(cmd, 30*time.Second)
	defer cancel()

	store, err := a.openStore(ctx)
	if err != nil {
		return err
	}
	defer store.Close(context.Background())

	return fn(ctx, user.NewService(store.Users()))
}

func usersAddCmd(a *app) *cobra.Command {
	var in user.RegisterInput
	cmd := &cobra.Command{
		Use:   "add",
		Short: "Create an account",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withUsers(cmd, func(ctx context.Context, users *user.Service) error {
				u, err := users.Register(ctx, in)
				if err != nil {
					if errors.Is(err, user.ErrAlreadyExists) {
						return fmt.Errorf("user %q already exists", in.Username)
					}
					return err
				}
				fmt.Fprintf(a.stdout, "created user %s\n", u.Username)
				return nil
			})
		},
	}
	cmd.Flags().StringVar(&in.Username, "username", "", "account name")
	cmd.Flags().StringVar(&in.Password, "password", "", "account password (8-72 characters)")
	cmd.Flags().StringVar(&in.Email, "email", "", "contact email")
	cmd.Flags().StringVar(&in.FullName, "full-name", "", "display name")
	cmd.Flags().StringVar(&in.Language, "language", "", "preferred translation language, e.g. ja")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func usersListCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "list",
		Short: "List accounts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withUsers(cmd, func(ctx context.Context, users *user.Service) error {
				names, err := users.Usernames(ctx)
				if err != nil {
					return err
				}

				table := tablewriter.NewWriter(a.stdout)
				table.SetHeader([]string{"Username", "Full name", "Email", "Language", "Status", "Created"})
				table.SetAutoWrapText(false)
				table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
				table.SetAlignment(tablewriter.ALIGN_LEFT)
				table.SetCenterSeparator("")
				table.SetColumnSeparator("")
				table.SetRowSeparator("")
				table.SetHeaderLine(false)
				table.SetBorder(false)
				table.SetTablePadding("\t")

				for _, name := range names {
					u, err := users.Get(ctx, name)
					if err != nil {
						return fmt.Errorf("load %s: %w", name, err)
					}
					status := "active"
					if u.Disabled {
						status = "disabled"
					}
					table.Append([]string{
						u.Username.String(),
						u.FullName,
						u.Email,
						u.Language,
						status,
						u.CreatedAt.Format(time.DateOnly),
					})
				}
				table.Render()
				return nil
			})
		},
	}
}

func usersLangCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "lang <username> <language>",
		Short: "Set the language deliveries to a user are translated into",
		Long:  "Set the language deliveries to a user are translated into. An empty language clears it.",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			return a.withUsers(cmd, func(ctx context.Context, users *user.Service) error {
				if err := users.SetLanguage(ctx, user.Identity(args[0]), args[1]); err != nil {
					return err
				}
				fmt.Fprintf(a.stdout, "%s now reads %s\n", args[0], languageLabel(args[1]))
				return nil
			})
		},
	}
}

func languageLabel(lang string) string {
	if lang == "" {
		return "the default language"
	}
	return lang
}
