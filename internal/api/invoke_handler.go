package api

import (
	"encoding/json"
	"io"
	"net/http"
)

// Invoke передаёт тело запроса агенту как стадию initial
// и возвращает ответ агента без изменений.
// ANY /invoke
func (h *Handler) Invoke(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxRequestBody))
	if err != nil {
		BadRequest(w, "failed to read request body")
		return
	}

	out, err := h.workflow.Invoke(r.Context(), json.RawMessage(body))
	if HandleWorkflowError(w, h.logger, err) {
		return
	}

	Raw(w, http.StatusOK, out)
}
