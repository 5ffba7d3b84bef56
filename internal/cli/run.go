package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/repo"
)

// NewRunCmd создаёт группу команд для workflow runs.
func NewRunCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Inspect and control workflow runs",
	}

	cmd.AddCommand(
		newRunStatusCmd(clientFn, outputFn),
		newRunTasksCmd(clientFn, outputFn),
		newRunConcurrencyCmd(clientFn, outputFn),
		newRunResumeCmd(clientFn, outputFn),
	)
	return cmd
}

func newRunStatusCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "status <run-id>",
		Short: "Show run status and task counts",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			status, err := clientFn().RunStatus(cmd.Context(), id)
			if err != nil {
				return err
			}
			outputFn().RunStatus(status)
			return nil
		},
	}
}

func newRunTasksCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "tasks <run-id>",
		Short: "List tasks of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			tasks, err := clientFn().ListRunTasks(cmd.Context(), id, domain.TaskStatus(status))
			if err != nil {
				return err
			}
			outputFn().Tasks(tasks)
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", "", "filter by task status")
	return cmd
}

func newRunConcurrencyCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	return &cobra.Command{
		Use:   "concurrency <run-id> <max>",
		Short: "Change max concurrently running tasks (0 pauses the run)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			limit, err := strconv.Atoi(args[1])
			if err != nil || limit < 0 {
				return fmt.Errorf("invalid limit %q", args[1])
			}

			wf, err := clientFn().SetRunConcurrency(cmd.Context(), id, limit)
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Workflow %d: max concurrently running %d", wf.ID, wf.MaxConcurrentlyRunning))
			return nil
		},
	}
}

func newRunResumeCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var mode string

	cmd := &cobra.Command{
		Use:   "resume <run-id>",
		Short: "Request a cold or hot resume of a run",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}

			m := repo.ResumeMode(mode)
			if m != repo.ResumeCold && m != repo.ResumeHot {
				return fmt.Errorf("invalid mode %q (want %s or %s)", mode, repo.ResumeCold, repo.ResumeHot)
			}

			run, err := clientFn().ResumeRun(cmd.Context(), id, m)
			if err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Workflow run %d: %s", run.ID, run.Status))
			return nil
		},
	}

	cmd.Flags().StringVar(&mode, "mode", string(repo.ResumeCold), "resume mode: cold or hot")
	return cmd
}

func parseID(s string) (int64, error) {
	id, err := strconv.ParseInt(s, 10, 64)
	if err != nil || id <= 0 {
		return 0, fmt.Errorf("invalid id %q", s)
	}
	return id, nil
}
