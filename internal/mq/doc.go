// Package mq — инфраструктура RabbitMQ для асинхронного запуска runs.
//
// Структура:
//   - connection.go — соединение с reconnect
//   - topology.go   — exchanges, queues, bindings
//   - publisher.go  — публикация событий
//   - consumer.go   — потребление с ack/nack
//
// Типы сообщений:
//   - run.pending  — run создан и ждёт оркестратора
//   - run.cancel   — запрошена отмена run
//   - run.finished — run завершён (SUCCEEDED/FAILED/CANCELLED)
package mq
