package workernode

import "errors"

// Ошибки worker node.
var (
	// ErrStartupTimeout — попытка не перешла в LAUNCHED за StartupTimeout.
	ErrStartupTimeout = errors.New("task instance was not launched in time")

	// ErrNoArrayStep — array-отправка без step id в окружении.
	ErrNoArrayStep = errors.New("array step id is not set")
)
