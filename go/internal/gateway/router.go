package gateway

import (
	"net/http"

	"github.com/gorilla/mux"
)

// NewRouter assembles the full HTTP surface: REST command submission and
// match reads under /api, websocket subscription under /ws.
func NewRouter(handler *CommandHandler, ws *WebSocketHandler, auth *AuthMiddleware) *mux.Router {
	r := mux.NewRouter()

	r.HandleFunc("/health", handler.HandleHealth).Methods(http.MethodGet)

	// The websocket handler resolves identity itself: it has to answer
	// upgrade failures before the connection switches protocols.
	r.HandleFunc("/ws", ws.HandleConnection).Methods(http.MethodGet)
	r.HandleFunc("/ws/stats", ws.HandleConnectionStats).Methods(http.MethodGet)

	api := r.PathPrefix("/api").Subrouter()
	api.Use(auth.Middleware)

	api.HandleFunc("/matches", RequireAdmin(handler.HandleCreateMatch)).Methods(http.MethodPost)
	api.HandleFunc("/matches/{id}", handler.HandleGetMatch).Methods(http.MethodGet)
	api.HandleFunc("/matches/{id}/ledger", handler.HandleGetLedger).Methods(http.MethodGet)
	api.HandleFunc("/matches/{id}/commands", RequireControl(handler.HandleSubmitCommand)).Methods(http.MethodPost)

	return r
}
