package engine

import (
	"bytes"
	"encoding/json"
	"fmt"

	"github.com/shaiso/tandem/internal/domain"
)

// BuildInvocation строит вызов стадии из её описания и выхода предыдущей стадии.
//
// Для первой стадии prev — тело исходного запроса без изменений.
// Документ не инспектируется: подставляется только тег стадии.
func BuildInvocation(desc domain.StageDescriptor, prev json.RawMessage) (domain.StageInvocation, error) {
	body := bytes.TrimSpace(prev)
	if len(body) == 0 || !json.Valid(body) {
		return domain.StageInvocation{}, fmt.Errorf("%w: stage %s", ErrInvalidBody, desc.Name)
	}

	return domain.StageInvocation{
		Body:  append(json.RawMessage(nil), body...),
		Stage: desc.Stage,
	}, nil
}

// EncodeInvocation сериализует вызов в {"body": ..., "stage": "..."}.
//
// Body компактируется, поэтому одинаковые входы дают одинаковые байты.
func EncodeInvocation(inv domain.StageInvocation) ([]byte, error) {
	data, err := json.Marshal(inv)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidBody, err)
	}
	return data, nil
}
