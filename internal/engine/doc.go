// Package engine описывает структуру workflow.
//
// Включает:
//   - parser.go     — разбор и валидация Pipeline (YAML или JSON)
//   - invocation.go — построение StageInvocation и его канонических байтов
//
// Engine не вызывает агента и не хранит состояние: это чистые функции,
// которые использует оркестратор.
package engine
