// Package api содержит HTTP API сервер.
//
// Структура:
//   - handler.go        — Handler с DI (workflow service, архив, logger)
//   - routes.go         — регистрация маршрутов
//   - middleware.go     — middleware (logging, metrics, recovery, CORS)
//   - response.go       — унифицированные JSON-ответы и обработка ошибок
//   - dto.go            — Data Transfer Objects (request/response)
//   - invoke_handler.go — синхронный вызов агента /invoke
//   - run_handler.go    — обработчики для /runs
package api
