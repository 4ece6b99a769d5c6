package api

import (
	"net/http"
)

// RegisterRoutes регистрирует все маршруты API.
func (h *Handler) RegisterRoutes(mux *http.ServeMux) {
	// Middleware chain
	chain := Chain(
		Recovery(h.logger),
		Metrics(),
		Logging(h.logger),
	)

	// Синхронный вызов одной стадии: любой метод, CORS открыт
	mux.Handle("/invoke", Chain(CORS, chain)(http.HandlerFunc(h.Invoke)))

	// Runs
	mux.Handle("POST /api/v1/runs", chain(http.HandlerFunc(h.CreateRun)))
	mux.Handle("GET /api/v1/runs/{id}", chain(http.HandlerFunc(h.GetRun)))
	mux.Handle("GET /api/v1/runs/{id}/stages", chain(http.HandlerFunc(h.ListRunStages)))
	mux.Handle("POST /api/v1/runs/{id}/cancel", chain(http.HandlerFunc(h.CancelRun)))

	// Остальные методы на тех же путях
	mux.Handle("/api/v1/runs", chain(methodNotAllowed(http.MethodPost)))
	mux.Handle("/api/v1/runs/{id}", chain(methodNotAllowed(http.MethodGet)))
	mux.Handle("/api/v1/runs/{id}/stages", chain(methodNotAllowed(http.MethodGet)))
	mux.Handle("/api/v1/runs/{id}/cancel", chain(methodNotAllowed(http.MethodPost)))
}

func methodNotAllowed(allow string) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		MethodNotAllowed(w, allow)
	})
}
