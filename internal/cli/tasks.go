package cli

import (
	"encoding/json"
	"fmt"
	"io"
	"math"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/me/taskorch/pkg/model"
)

func newTasksCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "tasks",
		Short: "Inspect and manage tasks through the API",
	}
	cmd.AddCommand(
		newTasksListCmd(),
		newTasksCreateCmd(),
		newTasksGetCmd(),
		newTasksLogsCmd(),
		newTasksResultCmd(),
		newTasksAckCmd(),
		newTasksDeleteCmd(),
	)
	return cmd
}

func newTasksListCmd() *cobra.Command {
	var (
		state   string
		queueID int64
		limit   int
		offset  int
	)
	cmd := &cobra.Command{
		Use:   "list",
		Short: "List tasks",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			q := url.Values{}
			if state != "" {
				q.Set("state", state)
			}
			if queueID > 0 {
				q.Set("queue_id", strconv.FormatInt(queueID, 10))
			}
			if limit > 0 {
				q.Set("limit", strconv.Itoa(limit))
			}
			if offset > 0 {
				q.Set("offset", strconv.Itoa(offset))
			}
			path := "/api/v1/tasks"
			if len(q) > 0 {
				path += "?" + q.Encode()
			}

			var tasks []model.Task
			resp, err := client.decode(cmd.Context(), path, &tasks)
			if err != nil {
				return fmt.Errorf("list tasks: %w", err)
			}

			out := cmd.OutOrStdout()
			if len(tasks) == 0 {
				fmt.Fprintln(out, "No tasks found.")
				return nil
			}
			fmt.Fprintf(out, "%-8s  %-13s  %-8s  %-30s  %s\n", "ID", "STATE", "QUEUE", "TITLE", "RUN AT")
			for _, t := range tasks {
				fmt.Fprintf(out, "%-8d  %-13s  %-8d  %-30s  %s\n",
					t.ID, t.State, t.WorkerQueueID, t.Title, formatTimePtr(t.RunAt))
			}
			if resp.Pagination != nil && resp.Pagination.HasMore {
				fmt.Fprintf(out, "\n(%d of %d shown)\n", len(tasks), resp.Pagination.Total)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&state, "state", "", "Filter by task state")
	cmd.Flags().Int64Var(&queueID, "queue-id", 0, "Filter by worker queue id")
	cmd.Flags().IntVar(&limit, "limit", 0, "Page size")
	cmd.Flags().IntVar(&offset, "offset", 0, "Page offset")
	return cmd
}

type createTaskBody struct {
	Title       string         `json:"title,omitempty"`
	Script      string         `json:"script"`
	Queue       string         `json:"queue"`
	Options     map[string]any `json:"options,omitempty"`
	ParentID    *int64         `json:"parent_id,omitempty"`
	Depends     []int64        `json:"depends,omitempty"`
	ScheduledBy string         `json:"scheduled_by,omitempty"`
}

func newTasksCreateCmd() *cobra.Command {
	var (
		body    createTaskBody
		options []string
		parent  int64
	)
	cmd := &cobra.Command{
		Use:   "create",
		Short: "Create a PRERUN task from a script on a worker queue",
		Example: `  taskorch tasks create --script backup --queue default
  taskorch tasks create --script report --queue default --option DAYS=7 --depends 12,13`,
		Args: cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			opts, err := parseOptionFlags(options)
			if err != nil {
				return err
			}
			body.Options = opts
			if parent > 0 {
				body.ParentID = &parent
			}

			resp, err := client.Post(cmd.Context(), "/api/v1/tasks", body)
			if err != nil {
				return fmt.Errorf("create task: %w", err)
			}
			var t model.Task
			if err := json.Unmarshal(resp.Data, &t); err != nil {
				return fmt.Errorf("parse response: %w", err)
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Created task %d (%s) on queue %s\n", t.ID, t.State, body.Queue)
			return nil
		},
	}
	cmd.Flags().StringVar(&body.Title, "title", "", "Task title (defaults to the script name)")
	cmd.Flags().StringVar(&body.Script, "script", "", "Script name")
	cmd.Flags().StringVar(&body.Queue, "queue", "", "Worker queue name")
	cmd.Flags().StringArrayVar(&options, "option", nil, "Task option as KEY=VALUE (repeatable)")
	cmd.Flags().Int64Var(&parent, "parent", 0, "Parent task id")
	cmd.Flags().Int64SliceVar(&body.Depends, "depends", nil, "Ids of tasks that must SUCCEED first")
	cmd.Flags().StringVar(&body.ScheduledBy, "scheduled-by", "cli", "Who scheduled the task")
	_ = cmd.MarkFlagRequired("script")
	_ = cmd.MarkFlagRequired("queue")
	return cmd
}

// parseOptionFlags turns KEY=VALUE pairs into task options. Values that
// parse as an integer, a float or exactly true/false keep that type.
func parseOptionFlags(pairs []string) (map[string]any, error) {
	if len(pairs) == 0 {
		return nil, nil
	}
	opts := make(map[string]any, len(pairs))
	for _, pair := range pairs {
		key, value, ok := strings.Cut(pair, "=")
		if !ok || key == "" {
			return nil, fmt.Errorf("invalid --option %q: want KEY=VALUE", pair)
		}
		switch {
		case value == "true" || value == "false":
			opts[key] = value == "true"
		default:
			if n, err := strconv.ParseInt(value, 10, 64); err == nil {
				opts[key] = n
			} else if f, err := strconv.ParseFloat(value, 64); err == nil && !math.IsInf(f, 0) && !math.IsNaN(f) {
				opts[key] = f
			} else {
				opts[key] = value
			}
		}
	}
	return opts, nil
}

func newTasksGetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "get <task_id>",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var t model.Task
			if _, err := client.decode(cmd.Context(), "/api/v1/tasks/"+args[0], &t); err != nil {
				return fmt.Errorf("get task: %w", err)
			}
			printTask(cmd.OutOrStdout(), &t)
			return nil
		},
	}
}

func printTask(out io.Writer, t *model.Task) {
	fmt.Fprintf(out, "Task %d: %s\n", t.ID, t.Title)
	fmt.Fprintf(out, "  State:     %s\n", t.State)
	fmt.Fprintf(out, "  Script:    %d\n", t.ScriptID)
	fmt.Fprintf(out, "  Queue:     %d\n", t.WorkerQueueID)
	if t.ParentID != nil {
		fmt.Fprintf(out, "  Parent:    %d\n", *t.ParentID)
	}
	fmt.Fprintf(out, "  Scheduled: %s\n", t.ScheduledAt.Format(time.RFC3339))
	fmt.Fprintf(out, "  Run at:    %s\n", formatTimePtr(t.RunAt))
	if len(t.Options) > 0 {
		fmt.Fprintf(out, "  Options:   %v\n", t.Options)
	}
}

func newTasksLogsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "logs <task_id>",
		Short: "Show the state history of a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var logs []model.TaskLog
			if _, err := client.decode(cmd.Context(), "/api/v1/tasks/"+args[0]+"/logs", &logs); err != nil {
				return fmt.Errorf("get task logs: %w", err)
			}
			out := cmd.OutOrStdout()
			if len(logs) == 0 {
				fmt.Fprintln(out, "No task log entries.")
				return nil
			}
			fmt.Fprintf(out, "%-25s  %-13s  %s\n", "AT", "STATE", "WORKER")
			for _, l := range logs {
				fmt.Fprintf(out, "%-25s  %-13s  %d\n", l.RunAt.Format(time.RFC3339), l.State, l.WorkerID)
			}
			return nil
		},
	}
}

type taskResult struct {
	TaskID int64           `json:"task_id"`
	State  model.TaskState `json:"state"`
	Ready  bool            `json:"ready"`
	Result *model.Result   `json:"result"`
}

func newTasksResultCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "result <task_id>",
		Short: "Show the return code and output of a finished task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			var r taskResult
			if _, err := client.decode(cmd.Context(), "/api/v1/tasks/"+args[0]+"/result", &r); err != nil {
				return fmt.Errorf("get task result: %w", err)
			}
			out := cmd.OutOrStdout()
			if !r.Ready || r.Result == nil {
				fmt.Fprintf(out, "Task %d (%s): no result yet\n", r.TaskID, r.State)
				return nil
			}
			fmt.Fprintf(out, "=== task %d (%s) ===\n", r.TaskID, r.State)
			if r.Result.Stdout != "" {
				fmt.Fprintf(out, "[stdout]\n%s", r.Result.Stdout)
			}
			if r.Result.Stderr != "" {
				fmt.Fprintf(out, "[stderr]\n%s", r.Result.Stderr)
			}
			fmt.Fprintf(out, "[exit code: %d]\n", r.Result.ReturnCode)
			return nil
		},
	}
}

func newTasksAckCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "ack <task_id>",
		Short: "Acknowledge a FAILED task so it is not retried",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Put(cmd.Context(), "/api/v1/tasks/"+args[0]+"/ack", nil)
			if err != nil {
				return fmt.Errorf("ack task: %w", err)
			}
			return printTransition(cmd.OutOrStdout(), resp)
		},
	}
}

func newTasksDeleteCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "delete <task_id>",
		Short: "Mark a task DELETED",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			resp, err := client.Delete(cmd.Context(), "/api/v1/tasks/"+args[0])
			if err != nil {
				return fmt.Errorf("delete task: %w", err)
			}
			return printTransition(cmd.OutOrStdout(), resp)
		},
	}
}

func printTransition(out io.Writer, resp *apiResponse) error {
	var t model.Task
	if err := json.Unmarshal(resp.Data, &t); err != nil {
		return fmt.Errorf("parse response: %w", err)
	}
	fmt.Fprintf(out, "Task %d: %s\n", t.ID, t.State)
	return nil
}

func formatTimePtr(t *time.Time) string {
	if t == nil {
		return "-"
	}
	return t.Format(time.RFC3339)
}
