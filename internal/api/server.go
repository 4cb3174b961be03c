package api

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"strings"
	"time"

	gorillaws "github.com/gorilla/websocket"

	"github.com/Trustflow-Network-Labs/settlement-node/internal/api/middleware"
	ws "github.com/Trustflow-Network-Labs/settlement-node/internal/api/websocket"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/payment"
	"github.com/Trustflow-Network-Labs/settlement-node/internal/utils"
)

const tokenIssuer = "settlement-node"

// WebhookStore records provider event ids so redelivered webhooks are ignored
type WebhookStore interface {
	WebhookEventRecorded(ctx context.Context, eventID string) (bool, error)
	RecordWebhookEvent(ctx context.Context, eventID string, chargeID string, status string, payload []byte) (bool, error)
}

// Dependencies are the settlement components the API exposes
type Dependencies struct {
	Payments *payment.PaymentManager
	Settler  *payment.Settler
	Monitor  *payment.PaymentMonitor
	Webhooks WebhookStore

	// Hub carries settlement events to subscribers; created when nil
	Hub *ws.Hub
}

// APIServer provides the HTTP REST/WebSocket API of the settlement node
type APIServer struct {
	ctx           context.Context
	cancel        context.CancelFunc
	server        *http.Server
	listener      net.Listener
	port          string
	logger        *utils.LogsManager
	config        *utils.ConfigManager
	deps          Dependencies
	jwtManager    *middleware.JWTManager
	publicLimiter *middleware.RateLimiter
	wsHub         *ws.Hub
	wsUpgrader    gorillaws.Upgrader
	webhookSecret string
	startTime     time.Time
}

// NewTokenManager builds the JWT manager from api_jwt_secret or SETTLEMENT_JWT_SECRET
func NewTokenManager(config *utils.ConfigManager) (*middleware.JWTManager, error) {
	jwtSecret := config.GetConfigOrEnv("api_jwt_secret", "SETTLEMENT_JWT_SECRET")
	if jwtSecret == "" {
		return nil, fmt.Errorf("api_jwt_secret (or SETTLEMENT_JWT_SECRET) must be set when the API is enabled")
	}
	return middleware.NewJWTManager(jwtSecret, tokenIssuer), nil
}

// NewAPIServer creates a new API server instance
func NewAPIServer(config *utils.ConfigManager, logger *utils.LogsManager, deps Dependencies) (*APIServer, error) {
	jwtManager, err := NewTokenManager(config)
	if err != nil {
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())
	origins := config.GetConfigSlice("api_cors_origins", []string{"*"})

	hub := deps.Hub
	if hub == nil {
		hub = ws.NewHub(logger.Logrus())
	}

	return &APIServer{
		ctx:        ctx,
		cancel:     cancel,
		logger:     logger,
		config:     config,
		deps:       deps,
		jwtManager: jwtManager,
		publicLimiter: middleware.NewRateLimiter(
			config.GetConfigFloat64("api_rate_limit_per_minute", 120, 1, 100000),
			config.GetConfigInt("api_rate_limit_burst", 20, 1, 10000),
		),
		wsHub: hub,
		wsUpgrader: gorillaws.Upgrader{
			ReadBufferSize:  1024,
			WriteBufferSize: 1024,
			CheckOrigin: func(r *http.Request) bool {
				return originAllowed(r.Header.Get("Origin"), origins)
			},
		},
		webhookSecret: config.GetConfigOrEnv("webhook_secret", "SETTLEMENT_WEBHOOK_SECRET"),
		startTime:     time.Now(),
	}, nil
}

// Hub is the settlement event stream; wire it as the monitor's and settler's publisher
func (s *APIServer) Hub() *ws.Hub {
	return s.wsHub
}

// JWTManager issues and validates API tokens
func (s *APIServer) JWTManager() *middleware.JWTManager {
	return s.jwtManager
}

// Start binds the API port (or a fallback) and serves in the background
func (s *APIServer) Start() error {
	tlsConfig, err := apiTLSConfig(s.config, s.logger)
	if err != nil {
		return fmt.Errorf("failed to configure API TLS: %w", err)
	}

	apiPort := s.config.GetConfigWithDefault("api_port", "8090")
	s.logger.Info(fmt.Sprintf("Starting API server on port %s", apiPort), "api")

	fallbackPorts := parsePortList(s.config.GetConfigWithDefault("api_fallback_ports", ""))
	ports := append([]string{apiPort}, fallbackPorts...)

	for _, port := range ports {
		s.listener, err = net.Listen("tcp", ":"+port)
		if err == nil {
			s.port = port
			break
		}
		s.logger.Warn(fmt.Sprintf("API port %s unavailable: %v", port, err), "api")
	}
	if s.listener == nil {
		return fmt.Errorf("failed to bind API server to any port: %v", err)
	}

	go s.wsHub.Run(s.ctx)

	s.server = &http.Server{
		Handler:      s.Handler(),
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
		TLSConfig:    tlsConfig,
	}

	go func() {
		var err error
		if tlsConfig != nil {
			err = s.server.ServeTLS(s.listener, "", "")
		} else {
			err = s.server.Serve(s.listener)
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error(fmt.Sprintf("API server error: %v", err), "api")
		}
	}()

	s.logger.Info(fmt.Sprintf("API server bound to port %s", s.port), "api")
	return nil
}

// Handler builds the API mux wrapped in CORS; exposed for tests
func (s *APIServer) Handler() http.Handler {
	mux := http.NewServeMux()
	s.registerRoutes(mux)
	return middleware.CORSMiddleware(mux, s.config.GetConfigSlice("api_cors_origins", []string{"*"}))
}

func (s *APIServer) registerRoutes(mux *http.ServeMux) {
	anyToken := func(h http.HandlerFunc) http.Handler {
		return s.jwtManager.AuthMiddleware(h, middleware.RoleAdmin, middleware.RoleMerchant)
	}
	adminOnly := func(h http.HandlerFunc) http.Handler {
		return s.jwtManager.AuthMiddleware(h, middleware.RoleAdmin)
	}

	mux.HandleFunc("GET /api/health", s.handleHealth)

	// Charges
	mux.Handle("POST /api/charges", anyToken(s.handleCreateCharge))
	mux.Handle("GET /api/charges/{id}", s.publicLimiter.Middleware(http.HandlerFunc(s.handleChargeStatus)))

	// Admin
	mux.Handle("GET /api/admin/charges", adminOnly(s.handleListCharges))
	mux.Handle("GET /api/admin/charges/{id}", adminOnly(s.handleGetCharge))
	mux.Handle("POST /api/admin/charges/{id}/check", adminOnly(s.handleCheckCharge))
	mux.Handle("POST /api/admin/charges/{id}/resolve", adminOnly(s.handleResolveCharge))
	mux.Handle("POST /api/admin/monitor/run", adminOnly(s.handleRunMonitor))

	// Provider callbacks
	mux.Handle("POST /api/webhooks/payments", s.publicLimiter.Middleware(http.HandlerFunc(s.handlePaymentWebhook)))

	// Event stream
	mux.HandleFunc("GET /api/ws", s.handleWebSocket)

	s.logger.Debug("API routes registered", "api")
}

// handleHealth returns API health status
func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":     "ok",
		"uptime":     int64(time.Since(s.startTime).Seconds()),
		"ws_clients": s.wsHub.ClientCount(),
	})
}

// Stop gracefully shuts down the API server and disconnects subscribers
func (s *APIServer) Stop() error {
	s.logger.Info("Stopping API server", "api")
	s.cancel()

	if s.server != nil {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(ctx)
	}

	return nil
}

// GetPort returns the port the server is listening on
func (s *APIServer) GetPort() string {
	return s.port
}

func originAllowed(origin string, allowed []string) bool {
	if origin == "" {
		return true
	}
	for _, candidate := range allowed {
		if candidate == "*" || candidate == origin {
			return true
		}
	}
	return false
}

// parsePortList parses a comma-separated list of ports
func parsePortList(portList string) []string {
	if portList == "" {
		return []string{}
	}
	ports := strings.Split(portList, ",")
	result := make([]string, 0, len(ports))
	for _, port := range ports {
		port = strings.TrimSpace(port)
		if port != "" {
			result = append(result, port)
		}
	}
	return result
}
