package mq

import (
	"context"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
)

// Exchange — тип для имени обменника.
type Exchange string

// Queue — тип для имени очереди.
type Queue string

// RoutingKey — тип для ключа маршрутизации.
type RoutingKey string

// Exchanges — имена обменников.
const (
	ExchangeRuns Exchange = "tandem.runs"
	ExchangeDLQ  Exchange = "tandem.dlq"
)

// Queues — имена очередей.
const (
	QueueRunsPending  Queue = "runs.pending"
	QueueRunsCancel   Queue = "runs.cancel"
	QueueRunsFinished Queue = "runs.finished"
	QueueDLQRuns      Queue = "dlq.runs"
)

// Routing keys.
const (
	RoutingKeyPending  RoutingKey = "pending"
	RoutingKeyCancel   RoutingKey = "cancel"
	RoutingKeyFinished RoutingKey = "finished"
	RoutingKeyDLQRuns  RoutingKey = "runs"
)

// binding — привязка очереди к обменнику.
type binding struct {
	queue      Queue
	routingKey RoutingKey
	exchange   Exchange
}

// bindings — полная топология tandem.
var bindings = []binding{
	{QueueRunsPending, RoutingKeyPending, ExchangeRuns},
	{QueueRunsCancel, RoutingKeyCancel, ExchangeRuns},
	{QueueRunsFinished, RoutingKeyFinished, ExchangeRuns},
	{QueueDLQRuns, RoutingKeyDLQRuns, ExchangeDLQ},
}

// SetupTopology объявляет exchanges, queues и bindings. Идемпотентна.
func SetupTopology(ctx context.Context, conn *Connection) error {
	return conn.WithChannel(ctx, func(ch *amqp.Channel) error {
		// 1. Создаём exchanges
		for _, ex := range []Exchange{ExchangeRuns, ExchangeDLQ} {
			if err := ch.ExchangeDeclare(string(ex), "direct", true, false, false, false, nil); err != nil {
				return fmt.Errorf("declare exchange %s: %w", ex, err)
			}
		}

		// 2. Создаём queues
		for _, b := range bindings {
			if _, err := ch.QueueDeclare(string(b.queue), true, false, false, false, queueArgs(b.queue)); err != nil {
				return fmt.Errorf("declare queue %s: %w", b.queue, err)
			}
		}

		// 3. Привязываем queues к exchanges
		for _, b := range bindings {
			if err := ch.QueueBind(string(b.queue), string(b.routingKey), string(b.exchange), false, nil); err != nil {
				return fmt.Errorf("bind queue %s to %s: %w", b.queue, b.exchange, err)
			}
		}

		return nil
	})
}

// queueArgs возвращает аргументы очереди.
// runs.pending отправляет отклонённые сообщения в dlq.runs.
func queueArgs(q Queue) amqp.Table {
	if q != QueueRunsPending {
		return nil
	}
	return amqp.Table{
		"x-dead-letter-exchange":    string(ExchangeDLQ),
		"x-dead-letter-routing-key": string(RoutingKeyDLQRuns),
	}
}

// TopologyInfo возвращает описание топологии для логирования.
func TopologyInfo() string {
	return `
  Tandem RabbitMQ Topology:

    tandem.runs (direct)
    ├── runs.pending  [routing: pending]   Consumer: Orchestrator, DLQ: dlq.runs
    ├── runs.cancel   [routing: cancel]    Consumer: Orchestrator
    └── runs.finished [routing: finished]  Consumer: external subscribers

    tandem.dlq (direct)
    └── dlq.runs [routing: runs]  Manual processing
`
}
