// Package distributor — движок исполнения попыток на одном кластере.
//
// Distributor обходит попытки по статусам в фиксированном порядке:
//
//	QUEUED        → INSTANTIATED (закрепить за собой)
//	INSTANTIATED  → LAUNCHED (отправка batch'ами, array для batch > 1)
//	                NO_DISTRIBUTOR_ID (ошибка отправки)
//	LAUNCHED      → продление report-by для живых заданий
//	                ERROR_FATAL (ошибка очереди кластера)
//	                KILL_SELF (report-by истёк, кластер задание не знает)
//	RUNNING       → TRIAGING (report-by истёк)
//	TRIAGING      → RUNNING или итоговый статус по данным кластера
//	KILL_SELF     → UNKNOWN_ERROR (после снятия задания)
//
// Попытку, которая ещё не подтвердила запуск, distributor не переводит
// в TRIAGING: для неё нет worker node, который мог бы ответить.
package distributor
