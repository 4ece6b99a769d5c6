package agent

import (
	"context"
	"encoding/json"

	"github.com/shaiso/tandem/internal/domain"
)

// Client — синхронный вызов внешнего агента.
//
// Реализации: HTTPClient, ClientFunc.
//
// Client не делает retry — политика повторов принадлежит оркестратору.
// Реализации должны быть безопасны для конкурентного использования
// независимыми runs.
type Client interface {
	Invoke(ctx context.Context, body json.RawMessage, stage domain.StageTag) (json.RawMessage, error)
}

// ClientFunc адаптирует функцию к интерфейсу Client.
type ClientFunc func(ctx context.Context, body json.RawMessage, stage domain.StageTag) (json.RawMessage, error)

// Invoke вызывает f.
func (f ClientFunc) Invoke(ctx context.Context, body json.RawMessage, stage domain.StageTag) (json.RawMessage, error) {
	return f(ctx, body, stage)
}
