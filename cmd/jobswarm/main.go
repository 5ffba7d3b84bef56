// jobswarm — инструмент командной строки.
//
// Использование:
//
//	jobswarm [--api-url URL] [--config FILE] [--json] <command> <subcommand> [flags]
//
// Команды:
//
//	workflow     Привязать и выполнить workflow
//	worker-node  Выполнить попытку на узле кластера
//	run          Статус и управление workflow runs
//	task         Административные операции с tasks
//	array        Конкурентность arrays
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"sync"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/shaiso/jobswarm/internal/cli"
	"github.com/shaiso/jobswarm/internal/config"
	"github.com/shaiso/jobswarm/internal/telemetry"
)

// version задаётся через ldflags при сборке.
var version = "dev"

func main() {
	var apiURL string
	var configPath string
	var jsonOutput bool

	telemetry.SetupLogger()

	rootCmd := &cobra.Command{
		Use:           "jobswarm",
		Short:         "jobswarm — distributed workflow engine",
		Version:       version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}

	rootCmd.PersistentFlags().StringVar(&apiURL, "api-url", "", "API server URL (default from config)")
	rootCmd.PersistentFlags().StringVar(&configPath, "config", "", "config file (default $JOBSWARM_CONFIG)")
	rootCmd.PersistentFlags().BoolVar(&jsonOutput, "json", false, "Output in JSON format")

	configFn := sync.OnceValues(func() (*config.Config, error) {
		return config.Load(configPath)
	})
	clientFn := func() *cli.Client {
		if apiURL != "" {
			return cli.NewClient(apiURL)
		}
		cfg, err := configFn()
		if err != nil {
			return cli.NewClient("")
		}
		return cli.NewClient(cfg.API.URL)
	}
	outputFn := func() *cli.Output { return cli.NewOutput(jsonOutput) }

	rootCmd.AddCommand(
		cli.NewWorkflowCmd(configFn, outputFn),
		cli.NewWorkerNodeCmd(clientFn, configFn),
		cli.NewRunCmd(clientFn, outputFn),
		cli.NewTaskCmd(clientFn, outputFn),
		cli.NewArrayCmd(clientFn, outputFn),
	)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		cancel()
		os.Exit(1)
	}
}
