// Package orchestrator проводит runs через упорядоченный список стадий.
//
// Orchestrator отвечает за:
//   - Вызов агента для каждой стадии с тегом стадии
//   - Передачу выхода стадии n в body стадии n+1 без изменений
//   - Retry с backoff и таймаут на каждую попытку
//   - Сохранение записи стадии до запуска следующей
//   - Финализацию run (SUCCEEDED/FAILED/CANCELLED) и событие run.finished
//
// Runs независимы: каждый выполняется в своей горутине со своим
// RunState, общего изменяемого состояния между ними нет.
package orchestrator
