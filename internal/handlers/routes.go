// internal/handlers/routes.go
package handlers

import "net/http"

// Routes mounts every handler on a fresh mux.
func (a *API) Routes() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", a.HealthHandler())
	mux.HandleFunc("POST /api/game/join", a.JoinHandler())
	mux.HandleFunc("POST /api/game/{lobby_id}/submit-grid", a.SubmitGridHandler())
	mux.HandleFunc("GET /api/game/{lobby_id}/status", a.StatusHandler())
	mux.HandleFunc("POST /api/game/{lobby_id}/claim", a.ClaimHandler())
	mux.HandleFunc("POST /api/game/{lobby_id}/invoice", a.InvoiceHandler())
	mux.HandleFunc("GET /api/game/{lobby_id}/ws", a.StatusWSHandler())
	mux.HandleFunc("POST /api/webhooks/payment", a.PaymentWebhookHandler())
	return mux
}
