package routes

import (
	"github.com/ekurt/termgate/internal/config"
	"github.com/ekurt/termgate/internal/handlers"
	"github.com/ekurt/termgate/internal/middleware"
	"github.com/gofiber/fiber/v2"
)

func Setup(
	app *fiber.App,
	cfg *config.Config,
	authHandler *handlers.AuthHandler,
	terminalHandler *handlers.TerminalHandler,
	historyHandler *handlers.HistoryHandler,
	systemHandler *handlers.SystemHandler,
) {
	// ─── Public ──────────────────────────────────────────────────────────
	app.Get("/api/health", systemHandler.Health)

	// ─── Auth ────────────────────────────────────────────────────────────
	app.Post("/api/auth/login", authHandler.Login)
	app.Post("/api/auth/refresh", authHandler.Refresh)

	// ─── Terminal attach (WebSocket) ─────────────────────────────────────
	// Registered outside the JWT group: browsers cannot set headers on
	// WebSocket upgrades, so the token rides a query parameter and is
	// validated inside the handler, where failures map to close codes.
	app.Use("/api/ssh/sessions/:id/attach", terminalHandler.UpgradeCheck())
	app.Get("/api/ssh/sessions/:id/attach", terminalHandler.HandleAttach())

	// ─── Protected routes ────────────────────────────────────────────────
	api := app.Group("/api", middleware.JWTProtected(cfg.JWTSecret))

	// Auth (protected)
	api.Get("/auth/me", authHandler.Me)

	// Sessions
	api.Get("/ssh/sessions", terminalHandler.ListSessions)
	api.Post("/ssh/sessions", terminalHandler.CreateSession)
	api.Delete("/ssh/sessions/:id", terminalHandler.TerminateSession)

	// History
	api.Get("/ssh/history", historyHandler.ListHistory)
}
