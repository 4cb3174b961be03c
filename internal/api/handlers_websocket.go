package api

import (
	"fmt"
	"net/http"

	ws "github.com/Trustflow-Network-Labs/settlement-node/internal/api/websocket"
)

// handleWebSocket upgrades an authenticated request to the settlement event stream.
// Browsers cannot set headers on upgrade, so the token travels in the query string.
func (s *APIServer) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	if token == "" {
		s.logger.Warn("WebSocket connection attempt without token", "api")
		http.Error(w, "Missing authentication token", http.StatusUnauthorized)
		return
	}

	claims, err := s.jwtManager.ValidateToken(token)
	if err != nil {
		s.logger.Warn(fmt.Sprintf("WebSocket authentication failed: %v", err), "api")
		http.Error(w, "Invalid authentication token", http.StatusUnauthorized)
		return
	}

	conn, err := s.wsUpgrader.Upgrade(w, r, nil)
	if err != nil {
		s.logger.Error(fmt.Sprintf("WebSocket upgrade failed: %v", err), "api")
		return
	}

	client := ws.NewClient(conn, s.wsHub, claims.Subject, s.logger.Logrus())
	s.wsHub.RegisterClient(client)
	client.Start()
}
