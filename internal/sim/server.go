// Package sim is a loopback backend speaking the realtime voice protocol.
// It exists so the client side can be exercised end to end without a real
// speech-reasoning service: responses are scripted, not synthesized.
package sim

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/labstack/echo/v4"
	"go.uber.org/zap"

	"github.com/lirica/voicelink/internal/auth"
)

// Options tunes simulator behavior, including deliberate fault injection.
type Options struct {
	// IdleTimeout closes connections that stay silent longer than this,
	// with a normal closure code.
	IdleTimeout time.Duration

	// FaultError, when set, emits a bidi_error with this message after
	// every scripted response.
	FaultError string

	// FaultCloseCode, when nonzero, closes the socket with this code after
	// the first scripted response.
	FaultCloseCode int
}

// Server is the simulator's HTTP surface: health, token minting, and the
// websocket upgrade.
type Server struct {
	echo   *echo.Echo
	auth   *auth.Manager
	opts   Options
	logger *zap.Logger
}

type TokenRequest struct {
	ClientID string `json:"client_id"`
}

type TokenResponse struct {
	Token     string    `json:"token"`
	ExpiresAt time.Time `json:"expires_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message"`
}

func NewServer(authManager *auth.Manager, opts Options, logger *zap.Logger) *Server {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}

	s := &Server{
		auth:   authManager,
		opts:   opts,
		logger: logger,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	e.GET("/healthz", s.health)
	e.POST("/token", s.mintToken)
	e.GET("/ws", s.serveWS)
	s.echo = e
	return s
}

// Handler exposes the routes for embedding in a test server
func (s *Server) Handler() http.Handler {
	return s.echo
}

// Start listens on addr until Shutdown
func (s *Server) Start(addr string) error {
	return s.echo.Start(addr)
}

func (s *Server) Shutdown(ctx context.Context) error {
	return s.echo.Shutdown(ctx)
}

func (s *Server) health(c echo.Context) error {
	return c.JSON(http.StatusOK, map[string]string{
		"status":  "ok",
		"service": "voicelink-sim",
	})
}

// mintToken issues a session token for a client id. The simulator trusts any
// caller; there is no credential check behind it.
func (s *Server) mintToken(c echo.Context) error {
	var req TokenRequest
	if err := c.Bind(&req); err != nil {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "invalid_request",
			Message: "Invalid request format",
		})
	}
	if req.ClientID == "" {
		return c.JSON(http.StatusBadRequest, ErrorResponse{
			Error:   "missing_fields",
			Message: "client_id is required",
		})
	}

	token, err := s.auth.GenerateSessionToken(req.ClientID)
	if err != nil {
		s.logger.Error("Failed to generate session token",
			zap.String("clientID", req.ClientID),
			zap.Error(err))
		return c.JSON(http.StatusInternalServerError, ErrorResponse{
			Error:   "token_generation_failed",
			Message: "Failed to generate session token",
		})
	}

	return c.JSON(http.StatusOK, TokenResponse{
		Token:     token,
		ExpiresAt: time.Now().Add(24 * time.Hour),
	})
}

// serveWS validates the bearer token before upgrading. A rejected handshake
// never reaches the websocket layer.
func (s *Server) serveWS(c echo.Context) error {
	var token string
	authHeader := c.Request().Header.Get("Authorization")
	if strings.HasPrefix(authHeader, "Bearer ") {
		token = strings.TrimPrefix(authHeader, "Bearer ")
	}

	if token == "" {
		s.logger.Warn("WebSocket connection rejected: missing token")
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "missing_token",
			Message: "Session token is required in Authorization header",
		})
	}

	claims, err := s.auth.ValidateToken(token)
	if err != nil {
		s.logger.Warn("WebSocket connection rejected: invalid token", zap.Error(err))
		return c.JSON(http.StatusUnauthorized, ErrorResponse{
			Error:   "invalid_token",
			Message: "Invalid or expired session token",
		})
	}

	conn, err := upgrader.Upgrade(c.Response(), c.Request(), nil)
	if err != nil {
		s.logger.Error("WebSocket upgrade failed", zap.Error(err))
		return err
	}

	cl := &client{
		conn:       conn,
		send:       make(chan []byte, 256),
		clientID:   claims.ClientID,
		opts:       s.opts,
		logger:     s.logger,
		lastActive: time.Now(),
	}

	s.logger.Info("Client connected",
		zap.String("clientID", claims.ClientID))

	go cl.writePump()
	go cl.readPump()

	return nil
}
