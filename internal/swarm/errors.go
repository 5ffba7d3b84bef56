package swarm

import "errors"

// Ошибки swarm.
var (
	// ErrRunNotActive — run завершён или ожидает resume, запускать нечего.
	ErrRunNotActive = errors.New("workflow run is not active")

	// ErrUnknownCluster — для кластера task не передан плагин.
	ErrUnknownCluster = errors.New("no plugin for cluster")

	// ErrInvalidResources — ресурсы не прошли проверку очереди в strict режиме.
	ErrInvalidResources = errors.New("invalid resources")

	// ErrNotLoaded — Step вызван до Load.
	ErrNotLoaded = errors.New("swarm is not loaded")
)
