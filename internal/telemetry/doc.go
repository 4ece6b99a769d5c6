// Package telemetry — логирование и метрики tandem.
//
// logging.go настраивает slog по LOG_LEVEL и LOG_FORMAT и добавляет
// к логгеру run_id и stage. metrics.go регистрирует счётчики стадий,
// попыток и runs, которые tandem-api и tandem-orchestrator отдают на /metrics.
package telemetry
