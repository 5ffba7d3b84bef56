package cluster

import "errors"

// Ошибки пакета cluster.
var (
	// ErrPluginNotFound — тип кластера не зарегистрирован в Registry.
	ErrPluginNotFound = errors.New("cluster plugin not found")

	// ErrUnknownQueue — очередь не настроена для кластера.
	ErrUnknownQueue = errors.New("unknown queue")

	// ErrInvalidCommand — команда worker node не разобрана.
	ErrInvalidCommand = errors.New("invalid worker node command")

	// ErrNoLauncher — локальному плагину не передан Launcher.
	ErrNoLauncher = errors.New("launcher is not configured")

	// ErrStopped — плагин остановлен, новые отправки не принимаются.
	ErrStopped = errors.New("distributor stopped")
)
