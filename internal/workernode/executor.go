package workernode

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
)

// ExecSpec — команда пользователя и файлы для её вывода.
type ExecSpec struct {
	Command    string
	StdoutPath string
	StderrPath string
}

// ExitInfo — итог выполнения команды.
type ExitInfo struct {
	ExitCode   int
	CPUSeconds float64

	// Signal — процесс убит сигналом (ExitCode тогда -1).
	Signal string
}

// Process — запущенная команда.
type Process interface {
	Pid() int
	Wait() (ExitInfo, error)
	Kill() error
}

// Executor запускает команду пользователя.
type Executor interface {
	Start(ctx context.Context, spec ExecSpec) (Process, error)
}

// ShellExecutor выполняет команду через sh -c.
type ShellExecutor struct {
	Shell string
}

// Start запускает команду. Пустые пути вывода — вывод отбрасывается.
func (e ShellExecutor) Start(ctx context.Context, spec ExecSpec) (Process, error) {
	shell := e.Shell
	if shell == "" {
		shell = "sh"
	}

	stdout, err := openOutput(spec.StdoutPath)
	if err != nil {
		return nil, err
	}
	stderr, err := openOutput(spec.StderrPath)
	if err != nil {
		stdout.Close()
		return nil, err
	}

	cmd := exec.CommandContext(ctx, shell, "-c", spec.Command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	if err := cmd.Start(); err != nil {
		stdout.Close()
		stderr.Close()
		return nil, fmt.Errorf("start command: %w", err)
	}
	return &shellProcess{cmd: cmd, files: []io.Closer{stdout, stderr}}, nil
}

type nopWriteCloser struct{ io.Writer }

func (nopWriteCloser) Close() error { return nil }

func openOutput(path string) (io.WriteCloser, error) {
	if path == "" {
		return nopWriteCloser{io.Discard}, nil
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("create log dir: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, fmt.Errorf("open output: %w", err)
	}
	return f, nil
}

type shellProcess struct {
	cmd   *exec.Cmd
	files []io.Closer
}

func (p *shellProcess) Pid() int { return p.cmd.Process.Pid }

func (p *shellProcess) Kill() error { return p.cmd.Process.Kill() }

func (p *shellProcess) Wait() (ExitInfo, error) {
	err := p.cmd.Wait()
	for _, f := range p.files {
		f.Close()
	}

	state := p.cmd.ProcessState
	if state == nil {
		return ExitInfo{ExitCode: -1}, err
	}

	info := ExitInfo{
		ExitCode:   state.ExitCode(),
		CPUSeconds: (state.UserTime() + state.SystemTime()).Seconds(),
	}
	if info.ExitCode == -1 {
		info.Signal = strings.TrimPrefix(state.String(), "signal: ")
	}

	var exitErr *exec.ExitError
	if err != nil && !errors.As(err, &exitErr) {
		return info, err
	}
	return info, nil
}

// NoopExecutor не выполняет команду: процесс сразу завершается с кодом 0.
type NoopExecutor struct{}

func (NoopExecutor) Start(ctx context.Context, spec ExecSpec) (Process, error) {
	return noopProcess{}, nil
}

type noopProcess struct{}

func (noopProcess) Pid() int                { return 0 }
func (noopProcess) Wait() (ExitInfo, error) { return ExitInfo{}, nil }
func (noopProcess) Kill() error             { return nil }
