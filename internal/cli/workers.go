package cli

import (
	"fmt"
	"runtime"
	"strconv"

	"github.com/dustin/go-humanize"
	"github.com/spf13/cobra"

	"github.com/me/taskorch/pkg/model"
)

func newWorkersCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "workers",
		Short: "List workers and when they were last seen",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var workers []model.Worker
			if _, err := client.decode(cmd.Context(), "/api/v1/workers", &workers); err != nil {
				return fmt.Errorf("list workers: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(workers) == 0 {
				fmt.Fprintln(out, "No workers registered.")
				return nil
			}
			fmt.Fprintf(out, "%-6s  %-30s  %-8s  %-6s  %s\n", "ID", "NAME", "STATE", "QUEUE", "LAST SEEN")
			for _, w := range workers {
				queue, seen := "-", "never"
				if w.QueueID != nil {
					queue = strconv.FormatInt(*w.QueueID, 10)
				}
				if w.LastSeen != nil {
					seen = humanize.Time(*w.LastSeen)
				}
				fmt.Fprintf(out, "%-6d  %-30s  %-8s  %-6s  %s\n", w.ID, w.Name, w.State, queue, seen)
			}
			return nil
		},
	}
}

func newQueuesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "queues",
		Short: "List worker queues",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			var queues []model.WorkerQueue
			if _, err := client.decode(cmd.Context(), "/api/v1/queues", &queues); err != nil {
				return fmt.Errorf("list queues: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(queues) == 0 {
				fmt.Fprintln(out, "No worker queues.")
				return nil
			}
			fmt.Fprintf(out, "%-6s  %-30s  %s\n", "ID", "NAME", "STATE")
			for _, q := range queues {
				fmt.Fprintf(out, "%-6d  %-30s  %s\n", q.ID, q.Name, q.State)
			}
			return nil
		},
	}
}

func newVersionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the taskorch version",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Fprintf(cmd.OutOrStdout(), "taskorch %s (%s)\n", Version, runtime.Version())
		},
	}
}
