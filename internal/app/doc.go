// Package app собирает зависимости бинарей tandem-api и tandem-orchestrator:
// клиент агента, хранилище runs, RabbitMQ и audit log.
package app
