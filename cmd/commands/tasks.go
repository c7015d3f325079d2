package commands

import (
	"context"
	"fmt"
	"os"
	"text/tabwriter"

	"github.com/urfave/cli/v3"

	"github.com/mpernot/ordo/internal/config"
	"github.com/mpernot/ordo/internal/task"
)

// NewTasksCommand returns the tasks subcommand.
func NewTasksCommand() *cli.Command {
	return &cli.Command{
		Name:  "tasks",
		Usage: "Inspect persisted tasks",
		Commands: []*cli.Command{
			{
				Name:  "list",
				Usage: "List tasks",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "session",
						Aliases: []string{"s"},
						Usage:   "Filter by session ID",
					},
					&cli.StringFlag{
						Name:  "status",
						Usage: "Filter by status (pending, running, succeeded, failed, escalated)",
					},
				},
				Action: runTasksList,
			},
			{
				Name:      "show",
				Usage:     "Show task details",
				ArgsUsage: "<task_id>",
				Action:    runTasksShow,
			},
		},
		DefaultCommand: "list",
	}
}

func newTaskStore() *task.FileStore {
	return task.NewFileStore(config.TasksPath())
}

func runTasksList(_ context.Context, cmd *cli.Command) error {
	store := newTaskStore()

	filter := task.ListFilter{SessionID: cmd.String("session")}
	if s := cmd.String("status"); s != "" {
		filter.Status = task.Status(s)
	}

	list, err := store.List(filter)
	if err != nil {
		return fmt.Errorf("list tasks: %w", err)
	}
	if len(list) == 0 {
		fmt.Println("No tasks found.")
		return nil
	}

	w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
	fmt.Fprintln(w, "ID\tSTATUS\tPRIORITY\tSESSION\tTITLE")
	for _, t := range list {
		fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
			t.ID, t.Status, t.Priority, t.SessionID, t.Title)
	}
	return w.Flush()
}

func runTasksShow(_ context.Context, cmd *cli.Command) error {
	taskID := cmd.Args().First()
	if taskID == "" {
		return fmt.Errorf("usage: ordo tasks show <task_id>")
	}

	store := newTaskStore()
	t, err := store.Get(taskID)
	if err != nil {
		return fmt.Errorf("get task: %w", err)
	}

	fmt.Printf("ID:        %s\n", t.ID)
	fmt.Printf("Title:     %s\n", t.Title)
	fmt.Printf("Status:    %s\n", t.Status)
	fmt.Printf("Priority:  %s\n", t.Priority)
	fmt.Printf("Created:   %s\n", t.CreatedAt.Format("2006-01-02 15:04:05"))
	if t.StartedAt != nil {
		fmt.Printf("Started:   %s\n", t.StartedAt.Format("2006-01-02 15:04:05"))
	}
	if t.CompletedAt != nil {
		fmt.Printf("Completed: %s\n", t.CompletedAt.Format("2006-01-02 15:04:05"))
	}
	if t.SessionID != "" {
		fmt.Printf("Session:   %s\n", t.SessionID)
	}
	if t.Budget > 0 {
		fmt.Printf("Budget:    %d tokens\n", t.Budget)
	}
	if len(t.Scope) > 0 {
		fmt.Printf("Scope:     %v\n", t.Scope)
	}

	if t.Request.Instructions != "" {
		fmt.Printf("\nInstructions:\n%s\n", t.Request.Instructions)
	}

	cps, _ := store.LoadCheckpoints(taskID)
	if len(cps) > 0 {
		fmt.Println("\nCheckpoints:")
		for _, cp := range cps {
			fmt.Printf("  [%s] %s\n", cp.Ts.Format("15:04:05"), cp.Summary)
		}
	}

	if t.Result != nil {
		if t.Result.Error != "" {
			fmt.Printf("\nError: %s\n", t.Result.Error)
		}
		fmt.Printf("\nConfidence: %.2f  Tokens used: %d\n", t.Result.Confidence, t.Result.TokensUsed)
	}

	output, _ := store.ReadOutput(taskID)
	if output != "" {
		fmt.Printf("\nOutput:\n%s\n", output)
	}
	return nil
}
