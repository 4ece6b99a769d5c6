// Package workflow — внешняя точка входа: принимает один запрос на run.
//
// Invoke — синхронный вызов одной стадии initial напрямую у агента.
// Execute — синхронное выполнение всей цепочки.
// Start — асинхронный запуск с handle (run.pending или локальный оркестратор).
package workflow
