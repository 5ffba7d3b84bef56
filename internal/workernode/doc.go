// Package workernode — обёртка, в которой кластер запускает команду task.
//
// Жизненный цикл одной попытки:
//
//  1. найти попытку: по --task-instance-id или по --batch-id и step id из окружения
//  2. LogRunning; если store ответил KILL_SELF — выйти, не запуская команду
//  3. запустить команду (Executor, по умолчанию sh -c) с выводом в LogDir
//  4. пока команда работает — LogHeartbeat каждые Heartbeat.Interval;
//     KILL_SELF в ответе — убить процесс и выйти
//  5. по завершении — LogDone или LogError (ERROR, RESOURCE_ERROR) со статистикой
//
// Worker node может стартовать раньше, чем distributor запишет LAUNCHED.
// Тогда LogRunning повторяется до StartupTimeout.
package workernode
