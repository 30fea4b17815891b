package main

import (
	"fmt"
	"sort"
	"time"

	"github.com/gookit/color"
	"github.com/olekukonko/tablewriter"
	"github.com/spf13/cobra"
)

func tokenCmd(a *app) *cobra.Command {
	var username, password string
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Log in and print an access token",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx, cancel := withTimeout(cmd, 15*time.Second)
			defer cancel()

			resp, err := a.api.Token(ctx, username, password)
			if err != nil {
				return err
			}
			fmt.Fprintln(a.stdout, resp.AccessToken)
			return nil
		},
	}
	cmd.Flags().StringVar(&username, "username", "", "account name")
	cmd.Flags().StringVar(&password, "password", "", "account password")
	_ = cmd.MarkFlagRequired("username")
	_ = cmd.MarkFlagRequired("password")
	return cmd
}

func searchCmd(a *app) *cobra.Command {
	var limit int
	cmd := &cobra.Command{
		Use:   "search [query]",
		Short: "Find usernames in the directory",
		Args:  cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireToken(); err != nil {
				return err
			}
			query := ""
			if len(args) == 1 {
				query = args[0]
			}

			ctx, cancel := withTimeout(cmd, 15*time.Second)
			defer cancel()
			names, err := a.api.Search(ctx, a.settings.Token, query, limit)
			if err != nil {
				return err
			}
			for _, name := range names {
				fmt.Fprintln(a.stdout, name)
			}
			return nil
		},
	}
	cmd.Flags().IntVar(&limit, "limit", 0, "maximum results (server default when 0)")
	return cmd
}

func presenceCmd(a *app) *cobra.Command {
	return &cobra.Command{
		Use:   "presence <username>...",
		Short: "Show which users are connected",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.requireToken(); err != nil {
				return err
			}
			ctx, cancel := withTimeout(cmd, 15*time.Second)
			defer cancel()

			statuses, err := a.api.FetchPresence(ctx, a.settings.Token, args)
			if err != nil {
				return err
			}
			names := make([]string, 0, len(statuses))
			for name := range statuses {
				names = append(names, name)
			}
			sort.Strings(names)

			online := color.New(color.FgGreen)
			offline := color.New(color.FgGray)
			table := tablewriter.NewWriter(a.stdout)
			table.SetHeader([]string{"Username", "Status"})
			table.SetHeaderAlignment(tablewriter.ALIGN_LEFT)
			table.SetAlignment(tablewriter.ALIGN_LEFT)
			table.SetCenterSeparator("")
			table.SetColumnSeparator("")
			table.SetRowSeparator("")
			table.SetHeaderLine(false)
			table.SetBorder(false)
			table.SetTablePadding("\t")
			for _, name := range names {
				status := "offline"
				style := offline
				if statuses[name] {
					status = "online"
					style = online
				}
				if a.settings.Colours {
					status = style.Render(status)
				}
				table.Append([]string{name, status})
			}
			table.Render()
			return nil
		},
	}
}
