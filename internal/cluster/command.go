package cluster

import (
	"fmt"
	"io"
	"strconv"
	"strings"

	"github.com/spf13/pflag"
)

// WorkerNodeCommand — подкоманда CLI, запускающая worker node.
const WorkerNodeCommand = "worker-node"

// Command — аргументы worker node.
//
// Одиночная отправка адресует попытку напрямую (TaskInstanceID),
// array-отправка — парой ArrayID/BatchID и step id из окружения.
type Command struct {
	TaskInstanceID int64
	ArrayID        int64
	BatchID        int64
	ClusterName    string
}

// IsArray возвращает true для array-отправки.
func (c Command) IsArray() bool {
	return c.TaskInstanceID == 0
}

// BuildCommand собирает командную строку worker node.
// executable — путь к бинарю CLI (пусто — "jobswarm").
func BuildCommand(executable string, c Command) string {
	if executable == "" {
		executable = "jobswarm"
	}

	parts := []string{executable, WorkerNodeCommand}
	if c.IsArray() {
		parts = append(parts,
			"--array-id", strconv.FormatInt(c.ArrayID, 10),
			"--batch-id", strconv.FormatInt(c.BatchID, 10))
	} else {
		parts = append(parts, "--task-instance-id", strconv.FormatInt(c.TaskInstanceID, 10))
	}
	if c.ClusterName != "" {
		parts = append(parts, "--cluster-name", c.ClusterName)
	}
	return strings.Join(parts, " ")
}

// CommandFlags регистрирует флаги worker node в fs.
func CommandFlags(fs *pflag.FlagSet, c *Command) {
	fs.Int64Var(&c.TaskInstanceID, "task-instance-id", 0, "task instance to run")
	fs.Int64Var(&c.ArrayID, "array-id", 0, "array of the batch submission")
	fs.Int64Var(&c.BatchID, "batch-id", 0, "batch of the array submission")
	fs.StringVar(&c.ClusterName, "cluster-name", "", "cluster the instance was submitted to")
}

// Validate проверяет согласованность аргументов.
func (c Command) Validate() error {
	switch {
	case c.TaskInstanceID < 0 || c.ArrayID < 0 || c.BatchID < 0:
		return fmt.Errorf("%w: negative id", ErrInvalidCommand)
	case c.TaskInstanceID != 0 && (c.ArrayID != 0 || c.BatchID != 0):
		return fmt.Errorf("%w: --task-instance-id excludes --array-id/--batch-id", ErrInvalidCommand)
	case c.TaskInstanceID == 0 && c.BatchID == 0:
		return fmt.Errorf("%w: --task-instance-id or --batch-id required", ErrInvalidCommand)
	}
	return nil
}

// ParseCommand разбирает командную строку, собранную BuildCommand.
func ParseCommand(line string) (Command, error) {
	args := strings.Fields(line)
	for i, a := range args {
		if a == WorkerNodeCommand {
			args = args[i+1:]
			break
		}
	}

	var c Command
	fs := pflag.NewFlagSet(WorkerNodeCommand, pflag.ContinueOnError)
	fs.SetOutput(io.Discard)
	CommandFlags(fs, &c)
	if err := fs.Parse(args); err != nil {
		return Command{}, fmt.Errorf("%w: %v", ErrInvalidCommand, err)
	}
	if err := c.Validate(); err != nil {
		return Command{}, err
	}
	return c, nil
}
