package distributor

import "errors"

var (
	// ErrNotRegistered — Cycle вызван до Register.
	ErrNotRegistered = errors.New("distributor instance not registered")

	// ErrExpunged — процесс distributor пожат reaper'ом, продолжать нельзя.
	ErrExpunged = errors.New("distributor instance expunged")

	// ErrNoDistributorID — кластер не вернул идентификатор задания.
	ErrNoDistributorID = errors.New("cluster returned no distributor id")

	// ErrBadArrayStep — попытки array без step id или с повторяющимся step id.
	ErrBadArrayStep = errors.New("array instances have invalid step ids")
)
