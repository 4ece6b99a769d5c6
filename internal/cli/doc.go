// Package cli реализует инструмент командной строки Tandem.
//
// CLI работает через HTTP и не импортирует внутренние пакеты системы.
//
// # Client
//
// HTTP-клиент для Tandem API: /invoke и /api/v1/runs. Ошибки API
// возвращаются как *APIError с кодом и стадией, на которой упал run.
//
//	client := cli.NewClient("http://localhost:8080", 0)
//	run, err := client.ExecuteRun(ctx, body)
//
// # Output
//
// Таблицы (text/tabwriter) по умолчанию, JSON с флагом --json.
// Данные идут в stdout, сообщения в stderr:
//
//	tandem run start --wait --file request.json --json | jq .output
//
// # Commands
//
//   - invoke: один вызов стадии initial
//   - run: start [--wait], show, stages, cancel
//
// Тело запроса задаётся через --body или --file. --file принимает
// локальный путь, URL (s3://, gs://) или "-" для stdin.
package cli
