package handlers

import (
	"errors"
	"log/slog"
	"time"

	"github.com/ekurt/termgate/internal/config"
	"github.com/ekurt/termgate/internal/middleware"
	"github.com/ekurt/termgate/internal/services"
	"github.com/gofiber/contrib/websocket"
	"github.com/gofiber/fiber/v2"
)

// Application close codes for attach failures, distinguishable from the
// RFC 6455 range so clients can tell "not logged in" from "not yours" from
// "doesn't exist".
const (
	closeUnauthenticated = 4401
	closeForbidden       = 4403
	closeNotFound        = 4404
)

type TerminalHandler struct {
	cfg      *config.Config
	registry *services.Registry
	dial     services.DialFunc
}

func NewTerminalHandler(cfg *config.Config, registry *services.Registry, dial services.DialFunc) *TerminalHandler {
	return &TerminalHandler{cfg: cfg, registry: registry, dial: dial}
}

type createSessionRequest struct {
	Host         string `json:"host"`
	Port         int    `json:"port"`
	Username     string `json:"username"`
	Password     string `json:"password"`
	PrivateKey   string `json:"privateKey"`
	Passphrase   string `json:"passphrase"`
	ReadyTimeout int    `json:"readyTimeout"` // milliseconds
}

// CreateSession dials the requested host and registers a session on success.
// Connect failures collapse to one opaque error code; the cause stays in the
// server log so host and credential details never reach the client.
func (h *TerminalHandler) CreateSession(c *fiber.Ctx) error {
	owner, _ := c.Locals("username").(string)

	var req createSessionRequest
	if err := c.BodyParser(&req); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}
	if req.Host == "" || req.Username == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "invalid_request"})
	}
	if req.Password == "" && req.PrivateKey == "" {
		return c.Status(fiber.StatusBadRequest).JSON(fiber.Map{"error": "auth_required"})
	}
	if req.Port <= 0 {
		req.Port = 22
	}

	params := services.ConnectParams{
		Host:         req.Host,
		Port:         req.Port,
		Username:     req.Username,
		Password:     req.Password,
		PrivateKey:   req.PrivateKey,
		Passphrase:   req.Passphrase,
		ReadyTimeout: time.Duration(req.ReadyTimeout) * time.Millisecond,
	}
	if params.ReadyTimeout <= 0 {
		params.ReadyTimeout = h.cfg.SSHConnectTimeout
	}

	conn, err := h.dial(params)
	if err != nil {
		slog.Error("SSH connect failed", "host", req.Host, "user", req.Username, "error", err)
		return c.Status(fiber.StatusBadGateway).JSON(fiber.Map{"error": "ssh_connect_failed"})
	}

	s, err := h.registry.Create(owner, conn, params)
	if err != nil {
		return c.Status(fiber.StatusServiceUnavailable).JSON(fiber.Map{"error": "shutting_down"})
	}
	slog.Info("Session created", "session", s.ID, "owner", owner, "host", req.Host)
	return c.JSON(fiber.Map{"sessionId": s.ID})
}

func (h *TerminalHandler) ListSessions(c *fiber.Ctx) error {
	owner, _ := c.Locals("username").(string)

	sessions := h.registry.ListByOwner(owner)
	out := make([]fiber.Map, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, fiber.Map{
			"sessionId": s.ID,
			"host":      s.Host,
			"port":      s.Port,
			"username":  s.Username,
			"createdAt": s.CreatedAt,
			"state":     s.State(),
			"attached":  s.Attached(),
		})
	}
	return c.JSON(fiber.Map{"sessions": out})
}

// TerminateSession is idempotent and owner-checked. A delete of a session the
// caller does not own is a no-op that still reports ok, so session ids cannot
// be probed across users.
func (h *TerminalHandler) TerminateSession(c *fiber.Ctx) error {
	owner, _ := c.Locals("username").(string)

	if s, ok := h.registry.Get(c.Params("id")); ok && s.Owner == owner {
		s.Close(services.ReasonTerminated)
	}
	return c.JSON(fiber.Map{"ok": true})
}

// UpgradeCheck is middleware that rejects non-WebSocket requests on the
// attach route.
func (h *TerminalHandler) UpgradeCheck() fiber.Handler {
	return func(c *fiber.Ctx) error {
		if websocket.IsWebSocketUpgrade(c) {
			return c.Next()
		}
		return fiber.ErrUpgradeRequired
	}
}

// resolveAttach authorizes an attach attempt. Browsers cannot set headers on
// WebSocket upgrades, so the bearer token arrives as a query parameter. On
// failure it returns a close code and reason instead of a session.
func (h *TerminalHandler) resolveAttach(token, sessionID string) (*services.Session, int, string) {
	claims, err := middleware.ValidateToken(token, h.cfg.JWTSecret)
	if err != nil {
		return nil, closeUnauthenticated, "authentication required"
	}

	s, ok := h.registry.Get(sessionID)
	if !ok {
		return nil, closeNotFound, "session not found"
	}
	if s.Owner != claims.Username {
		return nil, closeForbidden, "not your session"
	}
	return s, 0, ""
}

// HandleAttach binds a WebSocket to a session's shell and relays until the
// client disconnects or the session is torn down.
func (h *TerminalHandler) HandleAttach() fiber.Handler {
	return websocket.New(func(c *websocket.Conn) {
		s, code, reason := h.resolveAttach(c.Query("token"), c.Params("id"))
		if s == nil {
			closeWith(c, code, reason)
			return
		}

		sh, err := s.OpenOrReuseShell()
		if errors.Is(err, services.ErrSessionClosed) {
			closeWith(c, websocket.CloseNormalClosure, services.ReasonTerminated)
			return
		}
		if err != nil {
			slog.Error("Failed to open shell", "session", s.ID, "error", err)
			closeWith(c, websocket.CloseInternalServerErr, "failed to open shell")
			return
		}

		sh.Attach(c)
		defer sh.Detach(c)
		slog.Info("Terminal attached", "session", s.ID, "owner", s.Owner)

		for {
			msgType, msg, err := c.ReadMessage()
			if err != nil {
				return
			}
			sh.HandleInput(msgType == websocket.BinaryMessage, msg)
		}
	})
}

func closeWith(c *websocket.Conn, code int, reason string) {
	c.WriteMessage(websocket.CloseMessage, websocket.FormatCloseMessage(code, reason))
	c.Close()
}
