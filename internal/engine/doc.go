// Package engine содержит разбор и компиляцию workflow.
//
// Включает:
//   - parser.go   — парсинг WorkflowSpec из YAML/JSON и валидация
//   - dag.go      — построение и обход DAG (directed acyclic graph)
//   - template.go — рендеринг шаблонов команд ({{ .location }})
//   - scale.go    — эскалация ресурсов после ошибки ресурсов
//   - plan.go     — компиляция spec в Plan для bind
//
// Engine отвечает за понимание структуры workflow; порядок выполнения
// во время run определяет swarm.
package engine
