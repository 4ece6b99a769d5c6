package mq

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	amqp "github.com/rabbitmq/amqp091-go"
)

// fakeAcknowledger запоминает, как было подтверждено сообщение.
type fakeAcknowledger struct {
	acked   bool
	nacked  bool
	requeue bool
}

func (f *fakeAcknowledger) Ack(uint64, bool) error {
	f.acked = true
	return nil
}

func (f *fakeAcknowledger) Nack(_ uint64, _ bool, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func (f *fakeAcknowledger) Reject(_ uint64, requeue bool) error {
	f.nacked = true
	f.requeue = requeue
	return nil
}

func newDelivery(t *testing.T, ack amqp.Acknowledger, body []byte, redelivered bool) amqp.Delivery {
	t.Helper()
	return amqp.Delivery{Acknowledger: ack, Body: body, Redelivered: redelivered}
}

func encodedMessage(t *testing.T, msg *Message) []byte {
	t.Helper()
	data, err := json.Marshal(msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	return data
}

// --- Consumer Tests ---

func TestConsumer_HandleDelivery(t *testing.T) {
	runID := uuid.New()
	body := encodedMessage(t, NewMessage(MessageTypeRunPending, RunPayload{RunID: runID}))

	tests := []struct {
		name        string
		body        []byte
		redelivered bool
		handlerErr  error
		wantAck     bool
		wantRequeue bool
	}{
		{name: "success", body: body, wantAck: true},
		{name: "handler error requeues", body: body, handlerErr: errors.New("db down"), wantRequeue: true},
		{name: "second failure goes to dlq", body: body, redelivered: true, handlerErr: errors.New("db down")},
		{name: "malformed message goes to dlq", body: []byte("{not json")},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var got RunPayload
			c := NewConsumer(nil, nil, ConsumerConfig{
				Queue: QueueRunsPending,
				Handler: func(ctx context.Context, d *Delivery) error {
					p, err := ParsePayload[RunPayload](&d.Message)
					if err != nil {
						return err
					}
					got = p
					return tt.handlerErr
				},
			})

			ack := &fakeAcknowledger{}
			c.handleDelivery(context.Background(), newDelivery(t, ack, tt.body, tt.redelivered))

			if ack.acked != tt.wantAck {
				t.Errorf("acked = %v, want %v", ack.acked, tt.wantAck)
			}
			if !tt.wantAck {
				if !ack.nacked {
					t.Fatal("expected nack")
				}
				if ack.requeue != tt.wantRequeue {
					t.Errorf("requeue = %v, want %v", ack.requeue, tt.wantRequeue)
				}
			}
			if tt.wantAck && got.RunID != runID {
				t.Errorf("expected run_id %s, got %s", runID, got.RunID)
			}
		})
	}
}

func TestNewConsumer_Defaults(t *testing.T) {
	c := NewConsumer(nil, nil, ConsumerConfig{Queue: QueueRunsCancel})

	if c.prefetch != 1 {
		t.Errorf("expected prefetch 1, got %d", c.prefetch)
	}
	if c.logger == nil {
		t.Error("logger should default to slog.Default()")
	}
	if c.queue != "runs.cancel" {
		t.Errorf("unexpected queue %s", c.queue)
	}
}

// --- Message Tests ---

func TestParsePayload_RunFinished(t *testing.T) {
	runID := uuid.New()
	data := encodedMessage(t, NewMessage(MessageTypeRunFinished, RunFinishedPayload{
		RunID:       runID,
		Ref:         "tandem:run:" + runID.String(),
		Status:      "FAILED",
		FailedStage: "followUp",
	}))

	var msg Message
	if err := json.Unmarshal(data, &msg); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p, err := ParsePayload[RunFinishedPayload](&msg)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if p.RunID != runID || p.FailedStage != "followUp" {
		t.Errorf("unexpected payload %+v", p)
	}
}

func TestParsePayload_TypeMismatch(t *testing.T) {
	msg := &Message{Payload: map[string]any{"run_id": 42}}
	if _, err := ParsePayload[RunPayload](msg); err == nil {
		t.Error("expected error for invalid run_id")
	}
}

func TestNewMessage(t *testing.T) {
	m1 := NewMessage(MessageTypeRunCancel, nil)
	m2 := NewMessage(MessageTypeRunCancel, nil)

	if m1.ID == m2.ID {
		t.Error("message IDs should be unique")
	}
	if time.Since(m1.Timestamp) > time.Minute {
		t.Error("timestamp should be set to now")
	}
}

// --- Topology Tests ---

func TestQueueArgs(t *testing.T) {
	args := queueArgs(QueueRunsPending)
	if args["x-dead-letter-exchange"] != string(ExchangeDLQ) {
		t.Errorf("runs.pending should dead-letter to %s, got %v", ExchangeDLQ, args)
	}

	if queueArgs(QueueRunsFinished) != nil {
		t.Error("runs.finished should have no arguments")
	}
}

func TestBindings_CoverAllQueues(t *testing.T) {
	seen := make(map[Queue]bool)
	for _, b := range bindings {
		seen[b.queue] = true
	}

	for _, q := range []Queue{QueueRunsPending, QueueRunsCancel, QueueRunsFinished, QueueDLQRuns} {
		if !seen[q] {
			t.Errorf("queue %s has no binding", q)
		}
	}
}

// --- Connection Tests ---

func TestNextDelay(t *testing.T) {
	if got := nextDelay(time.Second, 30*time.Second); got != 2*time.Second {
		t.Errorf("expected 2s, got %v", got)
	}
	if got := nextDelay(20*time.Second, 30*time.Second); got != 30*time.Second {
		t.Errorf("expected cap at 30s, got %v", got)
	}
}

func TestConnection_WithChannel_NoChannel(t *testing.T) {
	c := &Connection{}

	err := c.WithChannel(context.Background(), func(ch *amqp.Channel) error { return nil })
	if !errors.Is(err, ErrNoChannel) {
		t.Errorf("expected ErrNoChannel, got %v", err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if err := c.WithChannel(ctx, func(ch *amqp.Channel) error { return nil }); !errors.Is(err, context.Canceled) {
		t.Errorf("expected context.Canceled, got %v", err)
	}
}
