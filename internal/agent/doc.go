// Package agent — вызов внешнего агента для одной стадии workflow.
//
// Агент — stateless HTTP endpoint: принимает {"body": ..., "stage": "..."}
// и возвращает JSON-документ. Ошибки классифицируются в AgentError:
//   - transport — сеть, 5xx, 429
//   - invalid_response — ответ не JSON или 4xx
//   - timeout — вызов не уложился в таймаут стадии
//
// Пакет не делает retry: это задача оркестратора.
package agent
