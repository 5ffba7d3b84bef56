package cli

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/spf13/cobra"

	"github.com/shaiso/jobswarm/internal/cluster"
	"github.com/shaiso/jobswarm/internal/config"
	"github.com/shaiso/jobswarm/internal/domain"
	"github.com/shaiso/jobswarm/internal/workernode"
)

// ErrTaskInstanceFailed — попытка завершилась не в DONE.
var ErrTaskInstanceFailed = errors.New("task instance failed")

// NewWorkerNodeCmd создаёт команду worker-node.
//
// Это то, что distributor отправляет в кластер: команда находит свою
// попытку через API, выполняет команду пользователя и отчитывается.
// Флаги совпадают с cluster.BuildCommand.
func NewWorkerNodeCmd(clientFn func() *Client, configFn func() (*config.Config, error)) *cobra.Command {
	var c cluster.Command
	var logDir string

	cmd := &cobra.Command{
		Use:   cluster.WorkerNodeCommand,
		Short: "Run a task instance on a cluster node",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := c.Validate(); err != nil {
				return err
			}
			cfg, err := configFn()
			if err != nil {
				return err
			}

			runner := workernode.New(workernode.Config{
				Reporter:  clientFn(),
				Heartbeat: cfg.Heartbeat.Policy(),
				LogDir:    logDir,
				Logger:    slog.Default(),
			})

			status, err := runner.Run(cmd.Context(), c, cluster.NodeFromEnv())
			if err != nil {
				return err
			}
			if status != domain.TaskInstanceStatusDone {
				return fmt.Errorf("%w: %s", ErrTaskInstanceFailed, status)
			}
			return nil
		},
	}

	cluster.CommandFlags(cmd.Flags(), &c)
	cmd.Flags().StringVar(&logDir, "log-dir", "", "directory for stdout/stderr of the command")
	return cmd
}
