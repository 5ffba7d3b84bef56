// Package cli реализует инструмент командной строки jobswarm.
//
// # Команды
//
// Cobra-команды организованы по ресурсам:
//   - workflow run: привязать workflow из YAML и выполнить его
//     (swarm + distributor в одном процессе)
//   - worker-node: обёртка команды пользователя на узле кластера
//   - run: status, tasks, concurrency, resume
//   - task reset, array concurrency: административные операции
//
// Каждая группа создаётся фабричной функцией (NewRunCmd и т.д.),
// принимающей замыкания для ленивого создания Client и Output
// после разбора PersistentFlags.
//
// # Client
//
// HTTP-клиент API. Реализует workernode.Reporter: worker node на узле
// кластера ходит в API, а не в БД. Ответы 404/409/422 разворачиваются
// в repo.ErrNotFound/ErrConflict/ErrInvalidState.
//
//	client := cli.NewClient("http://localhost:8080")
//	status, err := client.RunStatus(ctx, 42)
//
// Данные выводятся в stdout, сообщения — в stderr, поэтому
// jobswarm run status 42 --json | jq . работает как ожидается.
package cli
