package agent

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/shaiso/tandem/internal/domain"
	"github.com/shaiso/tandem/internal/engine"
)

// maxResponseSize — ограничение на размер ответа агента.
const maxResponseSize = 10 << 20

// HTTPConfig — настройки HTTP-клиента агента.
type HTTPConfig struct {
	// URL — адрес агента (function URL). Обязательно.
	URL string

	// APIKey — ключ доступа, передаётся как Bearer токен. Обязательно.
	APIKey string

	// Headers — дополнительные заголовки (например, X-Tandem-Bucket).
	Headers map[string]string

	// UnwrapEnvelope — разворачивать ответ вида {"statusCode":200,"body":"<json>"}.
	UnwrapEnvelope bool

	// HTTPClient — транспорт. По умолчанию http.Client без таймаута:
	// таймаут задаёт оркестратор через context.
	HTTPClient *http.Client

	Logger *slog.Logger
}

// HTTPClient — Client, который вызывает агента по HTTP.
//
// Тело запроса: {"body": <документ>, "stage": "<tag>"}.
// Ответ агента должен быть JSON-документом.
type HTTPClient struct {
	url            string
	apiKey         string
	headers        map[string]string
	unwrapEnvelope bool
	http           *http.Client
	logger         *slog.Logger
}

// NewHTTPClient создаёт HTTP-клиент агента.
// Возвращает ConfigurationError, если URL или ключ не заданы.
func NewHTTPClient(cfg HTTPConfig) (*HTTPClient, error) {
	if cfg.URL == "" {
		return nil, domain.NewConfigurationError("AGENT_URL")
	}
	if cfg.APIKey == "" {
		return nil, domain.NewConfigurationError("AGENT_API_KEY")
	}
	if cfg.HTTPClient == nil {
		cfg.HTTPClient = &http.Client{}
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	headers := make(map[string]string, len(cfg.Headers))
	for k, v := range cfg.Headers {
		headers[k] = v
	}

	return &HTTPClient{
		url:            cfg.URL,
		apiKey:         cfg.APIKey,
		headers:        headers,
		unwrapEnvelope: cfg.UnwrapEnvelope,
		http:           cfg.HTTPClient,
		logger:         cfg.Logger,
	}, nil
}

// Invoke вызывает агента для одной стадии.
func (c *HTTPClient) Invoke(ctx context.Context, body json.RawMessage, stage domain.StageTag) (json.RawMessage, error) {
	payload, err := engine.EncodeInvocation(domain.StageInvocation{Body: body, Stage: stage})
	if err != nil {
		return nil, NewError(KindInvalidResponse, err, "marshal invocation: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(payload))
	if err != nil {
		return nil, NewError(KindTransport, err, "create request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Authorization", "Bearer "+c.apiKey)
	for k, v := range c.headers {
		req.Header.Set(k, v)
	}

	start := time.Now()
	resp, err := c.http.Do(req)
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseSize))
	if err != nil {
		return nil, classifyTransportError(ctx, err)
	}

	c.logger.Debug("agent responded",
		"stage", stage,
		"status_code", resp.StatusCode,
		"duration", time.Since(start),
	)

	if err := checkStatus(resp.StatusCode, respBody); err != nil {
		return nil, err
	}

	if c.unwrapEnvelope {
		return unwrapEnvelope(respBody)
	}
	return validDocument(respBody)
}

// envelope — ответ агента в формате proxy-интеграции.
type envelope struct {
	StatusCode *int            `json:"statusCode"`
	Body       json.RawMessage `json:"body"`
}

// unwrapEnvelope извлекает документ из {"statusCode":..,"body":..}.
// Если ответ не похож на конверт, он возвращается как есть.
func unwrapEnvelope(data []byte) (json.RawMessage, error) {
	doc, err := validDocument(data)
	if err != nil {
		return nil, err
	}

	var env envelope
	if err := json.Unmarshal(doc, &env); err != nil || env.StatusCode == nil || env.Body == nil {
		return doc, nil
	}

	// body может быть строкой с JSON внутри
	inner := []byte(env.Body)
	var s string
	if err := json.Unmarshal(env.Body, &s); err == nil {
		inner = []byte(s)
	}

	if err := checkStatus(*env.StatusCode, inner); err != nil {
		return nil, err
	}
	return validDocument(inner)
}

// validDocument проверяет, что data — корректный JSON.
func validDocument(data []byte) (json.RawMessage, error) {
	trimmed := bytes.TrimSpace(data)
	if len(trimmed) == 0 {
		return nil, NewError(KindInvalidResponse, nil, "empty response")
	}
	if !json.Valid(trimmed) {
		return nil, NewError(KindInvalidResponse, nil, "response is not JSON: %s", truncate(string(trimmed), 200))
	}
	return json.RawMessage(trimmed), nil
}

// checkStatus сопоставляет HTTP-код с видом ошибки.
//
// 5xx и 429 — transport (агент временно недоступен), 408 и 504 — timeout,
// прочие не-2xx — invalid_response.
func checkStatus(code int, body []byte) error {
	if code >= 200 && code < 300 {
		return nil
	}

	msg := fmt.Sprintf("HTTP %d: %s", code, truncate(string(body), 200))
	switch {
	case code == http.StatusRequestTimeout || code == http.StatusGatewayTimeout:
		return NewError(KindTimeout, nil, "%s", msg)
	case code == http.StatusTooManyRequests || code >= 500:
		return NewError(KindTransport, nil, "%s", msg)
	default:
		return NewError(KindInvalidResponse, nil, "%s", msg)
	}
}

// classifyTransportError определяет вид ошибки транспорта.
func classifyTransportError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return NewError(KindTimeout, err, "deadline exceeded")
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return NewError(KindTimeout, err, "%v", err)
	}

	return NewError(KindTransport, err, "%v", err)
}

// truncate обрезает строку до maxLen символов.
func truncate(s string, maxLen int) string {
	if len(s) <= maxLen {
		return s
	}
	return s[:maxLen] + "..."
}
