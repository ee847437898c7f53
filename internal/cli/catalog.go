package cli

import (
	"encoding/json"
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/me/taskorch/pkg/model"
)

func newTeamsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "teams",
		Short: "List and create teams",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var teams []model.Team
			if _, err := client.decode(cmd.Context(), "/api/v1/teams", &teams); err != nil {
				return fmt.Errorf("list teams: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(teams) == 0 {
				fmt.Fprintln(out, "No teams.")
				return nil
			}
			fmt.Fprintf(out, "%-6s  %s\n", "ID", "NAME")
			for _, t := range teams {
				fmt.Fprintf(out, "%-6d  %s\n", t.ID, t.Name)
			}
			return nil
		},
	}
	cmd.AddCommand(&cobra.Command{
		Use:   "create <name>",
		Short: "Create a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Post(cmd.Context(), "/api/v1/teams", map[string]string{"name": args[0]})
			if err != nil {
				return fmt.Errorf("create team: %w", err)
			}
			var t model.Team
			if err := json.Unmarshal(resp.Data, &t); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created team %d: %s\n", t.ID, t.Name)
			return nil
		},
	})
	return cmd
}

func newScriptsCmd() *cobra.Command {
	var teamID int64
	cmd := &cobra.Command{
		Use:   "scripts",
		Short: "List, register and archive scripts",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			path := "/api/v1/scripts"
			if teamID > 0 {
				path += fmt.Sprintf("?team_id=%d", teamID)
			}
			var scripts []model.Script
			if _, err := client.decode(cmd.Context(), path, &scripts); err != nil {
				return fmt.Errorf("list scripts: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(scripts) == 0 {
				fmt.Fprintln(out, "No scripts.")
				return nil
			}
			fmt.Fprintf(out, "%-6s  %-24s  %-8s  %-8s  %-6s  %s\n", "ID", "NAME", "TYPE", "STATUS", "TEAM", "CMD")
			for _, s := range scripts {
				fmt.Fprintf(out, "%-6d  %-24s  %-8s  %-8s  %-6d  %s\n", s.ID, s.Name, s.Type, s.Status, s.TeamID, s.Cmd)
			}
			return nil
		},
	}
	cmd.Flags().Int64Var(&teamID, "team-id", 0, "Only scripts of this team")
	cmd.AddCommand(newScriptsCreateCmd(), newScriptsArchiveCmd())
	return cmd
}

func newScriptsCreateCmd() *cobra.Command {
	var (
		team     string
		cmdLine  string
		typ      string
		defaults []string
	)
	cmd := &cobra.Command{
		Use:   "create <name>",
		Short: "Register a script under a team",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			opts := make(map[string]string, len(defaults))
			for _, pair := range defaults {
				key, value, ok := strings.Cut(pair, "=")
				if !ok || key == "" {
					return fmt.Errorf("invalid --default %q: want KEY=VALUE", pair)
				}
				opts[key] = value
			}
			body := map[string]any{
				"name":            args[0],
				"cmd":             cmdLine,
				"team":            team,
				"type":            strings.ToUpper(typ),
				"default_options": opts,
			}
			resp, err := client.Post(cmd.Context(), "/api/v1/scripts", body)
			if err != nil {
				return fmt.Errorf("create script: %w", err)
			}
			var s model.Script
			if err := json.Unmarshal(resp.Data, &s); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created script %d: %s (%s)\n", s.ID, s.Name, s.Type)
			return nil
		},
	}
	cmd.Flags().StringVar(&team, "team", "", "Owning team name")
	cmd.Flags().StringVar(&cmdLine, "cmd", "", "Shell command, or dotted function reference for FUNCTION scripts")
	cmd.Flags().StringVar(&typ, "type", string(model.ScriptTypeScript), "SCRIPT or FUNCTION")
	cmd.Flags().StringArrayVar(&defaults, "default", nil, "Default option as KEY=VALUE (repeatable)")
	_ = cmd.MarkFlagRequired("team")
	_ = cmd.MarkFlagRequired("cmd")
	return cmd
}

func newScriptsArchiveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "archive <script_id>",
		Short: "Archive a script so its tasks are no longer dispatched",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Put(cmd.Context(), "/api/v1/scripts/"+args[0]+"/archive", nil)
			if err != nil {
				return fmt.Errorf("archive script: %w", err)
			}
			var s model.Script
			if err := json.Unmarshal(resp.Data, &s); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Script %d: %s\n", s.ID, s.Status)
			return nil
		},
	}
}
