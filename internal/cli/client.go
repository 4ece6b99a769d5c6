package cli

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

// DefaultTimeout — таймаут HTTP-клиента по умолчанию.
// Синхронный запуск (--wait) ждёт обе стадии, поэтому таймаут большой.
const DefaultTimeout = 10 * time.Minute

// --- Response types (дублируются из api/dto.go, CLI не импортирует internal/api) ---

// RunResponse — run из API.
type RunResponse struct {
	ID         string          `json:"id"`
	Ref        string          `json:"ref"`
	Status     string          `json:"status"`
	Request    json.RawMessage `json:"request,omitempty"`
	Output     json.RawMessage `json:"output,omitempty"`
	Failure    *FailureInfo    `json:"failure,omitempty"`
	Stages     []StageSummary  `json:"stages"`
	StartedAt  string          `json:"started_at,omitempty"`
	FinishedAt string          `json:"finished_at,omitempty"`
	CreatedAt  string          `json:"created_at"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// FailureInfo — причина падения run.
type FailureInfo struct {
	Stage   string `json:"stage"`
	Kind    string `json:"kind,omitempty"`
	Message string `json:"message"`
}

// StageSummary — краткая запись стадии внутри RunResponse.
type StageSummary struct {
	Name   string `json:"name"`
	Stage  string `json:"stage"`
	Status string `json:"status"`
}

// StageResponse — запись стадии из API.
type StageResponse struct {
	Index      int             `json:"index"`
	Name       string          `json:"name"`
	Stage      string          `json:"stage"`
	Status     string          `json:"status"`
	Attempts   int             `json:"attempts"`
	Output     json.RawMessage `json:"output,omitempty"`
	Error      string          `json:"error,omitempty"`
	StartedAt  string          `json:"started_at,omitempty"`
	FinishedAt string          `json:"finished_at,omitempty"`
	DurationMs int64           `json:"duration_ms,omitempty"`
}

// --- Request types ---

// CreateRunRequest — запуск workflow.
type CreateRunRequest struct {
	Body json.RawMessage `json:"body"`
}

// --- API response wrappers ---

type dataResponse struct {
	Data json.RawMessage `json:"data"`
}

type listResponse struct {
	Data  json.RawMessage `json:"data"`
	Total int             `json:"total"`
}

type errorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
		Stage   string `json:"stage,omitempty"`
	} `json:"error"`
}

// APIError — ошибка, которую вернул API.
type APIError struct {
	StatusCode int
	Code       string
	Message    string
	Stage      string
}

func (e *APIError) Error() string {
	if e.Code == "" {
		return fmt.Sprintf("API error: HTTP %d", e.StatusCode)
	}
	if e.Stage != "" {
		return fmt.Sprintf("%s (stage %s): %s", e.Code, e.Stage, e.Message)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// --- Client ---

// Client — HTTP-клиент для Tandem API.
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// NewClient создаёт клиент для API. timeout <= 0 — DefaultTimeout.
func NewClient(baseURL string, timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return &Client{
		baseURL: baseURL,
		httpClient: &http.Client{
			Timeout: timeout,
		},
	}
}

// --- Invoke ---

// Invoke отправляет тело на /invoke и возвращает ответ агента как есть.
func (c *Client) Invoke(ctx context.Context, body json.RawMessage) (json.RawMessage, error) {
	resp, err := c.do(ctx, http.MethodPost, "/invoke", body)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return nil, err
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("failed to read response: %w", err)
	}
	return json.RawMessage(data), nil
}

// --- Runs ---

// StartRun запускает workflow асинхронно.
func (c *Client) StartRun(ctx context.Context, body json.RawMessage) (*RunResponse, error) {
	var run RunResponse
	err := c.post(ctx, "/api/v1/runs", CreateRunRequest{Body: body}, &run)
	return &run, err
}

// ExecuteRun запускает workflow и ждёт завершения обеих стадий.
func (c *Client) ExecuteRun(ctx context.Context, body json.RawMessage) (*RunResponse, error) {
	var run RunResponse
	err := c.post(ctx, "/api/v1/runs?wait=true", CreateRunRequest{Body: body}, &run)
	return &run, err
}

// GetRun возвращает run по ID.
func (c *Client) GetRun(ctx context.Context, id string) (*RunResponse, error) {
	var run RunResponse
	err := c.get(ctx, "/api/v1/runs/"+id, &run)
	return &run, err
}

// CancelRun отменяет run.
func (c *Client) CancelRun(ctx context.Context, id string) (*RunResponse, error) {
	var run RunResponse
	err := c.post(ctx, "/api/v1/runs/"+id+"/cancel", nil, &run)
	return &run, err
}

// ListStages возвращает записи стадий run.
func (c *Client) ListStages(ctx context.Context, runID string) ([]StageResponse, error) {
	var stages []StageResponse
	err := c.list(ctx, "/api/v1/runs/"+runID+"/stages", &stages)
	return stages, err
}

// --- HTTP helpers ---

func (c *Client) get(ctx context.Context, path string, result any) error {
	return c.doData(ctx, http.MethodGet, path, nil, result)
}

func (c *Client) post(ctx context.Context, path string, body any, result any) error {
	return c.doData(ctx, http.MethodPost, path, body, result)
}

func (c *Client) list(ctx context.Context, path string, result any) error {
	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var lr listResponse
	if err := json.NewDecoder(resp.Body).Decode(&lr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	return json.Unmarshal(lr.Data, result)
}

func (c *Client) doData(ctx context.Context, method, path string, body any, result any) error {
	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if err := c.checkError(resp); err != nil {
		return err
	}

	var dr dataResponse
	if err := json.NewDecoder(resp.Body).Decode(&dr); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}

	if result != nil {
		return json.Unmarshal(dr.Data, result)
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		var data []byte
		if raw, ok := body.(json.RawMessage); ok {
			data = raw
		} else {
			var err error
			if data, err = json.Marshal(body); err != nil {
				return nil, fmt.Errorf("failed to marshal request: %w", err)
			}
		}
		bodyReader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, bodyReader)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	return c.httpClient.Do(req)
}

func (c *Client) checkError(resp *http.Response) error {
	if resp.StatusCode < 400 {
		return nil
	}

	apiErr := &APIError{StatusCode: resp.StatusCode}

	var er errorResponse
	if err := json.NewDecoder(resp.Body).Decode(&er); err == nil {
		apiErr.Code = er.Error.Code
		apiErr.Message = er.Error.Message
		apiErr.Stage = er.Error.Stage
	}
	return apiErr
}
