package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/shaiso/jobswarm/internal/domain"
)

// NewTaskCmd создаёт группу команд для tasks.
func NewTaskCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Administrative task operations",
	}
	cmd.AddCommand(newTaskResetCmd(clientFn, outputFn))
	return cmd
}

func newTaskResetCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	var status string

	cmd := &cobra.Command{
		Use:   "reset <task-id>",
		Short: "Force a task to REGISTERING or ERROR_FATAL",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			id, err := parseID(args[0])
			if err != nil {
				return err
			}
			task, err := clientFn().ResetTask(cmd.Context(), id, domain.TaskStatus(status))
			if err != nil {
				return err
			}
			outputFn().Tasks([]domain.Task{*task})
			return nil
		},
	}

	cmd.Flags().StringVar(&status, "status", string(domain.TaskStatusRegistering), "target status")
	return cmd
}

// NewArrayCmd создаёт группу команд для arrays.
func NewArrayCmd(clientFn func() *Client, outputFn func() *Output) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "array",
		Short: "Array operations",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "concurrency <array-id> <max>",
		Short: "Change max concurrently running tasks of an array (0 pauses it)",
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
			if err := clientFn().SetArrayConcurrency(cmd.Context(), id, limit); err != nil {
				return err
			}
			outputFn().Success(fmt.Sprintf("Array %d: max concurrently running %d", id, limit))
			return nil
		},
	})
	return cmd
}
