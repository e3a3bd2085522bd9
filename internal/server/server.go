package server

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"

	"github.com/yaratul2005/OmegleXTalkNow/internal/guard"
	"github.com/yaratul2005/OmegleXTalkNow/internal/registry"
	"github.com/yaratul2005/OmegleXTalkNow/internal/relay"
	"github.com/yaratul2005/OmegleXTalkNow/internal/server/middleware"
	"github.com/yaratul2005/OmegleXTalkNow/pkg/config"
	"github.com/yaratul2005/OmegleXTalkNow/pkg/transport"
)

type App struct {
	logger   *slog.Logger
	guard    *guard.Guard
	registry *registry.Registry
	relay    *relay.Relay
	wg       sync.WaitGroup
	http     *http.Server
	config   *config.Config

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, g *guard.Guard, reg *registry.Registry, rel *relay.Relay) *App {
	app := &App{
		logger:   logger,
		guard:    g,
		registry: reg,
		relay:    rel,
		config:   cfg,
		ctx:      rootCtx,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /api/", app.rootHandler)
	mux.HandleFunc("GET /api/health", app.healthHandler)
	mux.HandleFunc("GET /api/chat/ice-servers", app.iceServersHandler)
	mux.HandleFunc("GET /api/chat/queue-status", app.queueStatusHandler)
	mux.Handle("/ws", http.HandlerFunc(app.upgradeHandler))

	handler := middleware.Chain(mux,
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(app.logger),
		middleware.NewAdmission(logger, g, cfg.RateLimit),
		middleware.NewAuthMiddleware(logger, cfg.Server.Auth.JWTSecret),
	)

	app.http = &http.Server{Addr: cfg.Server.Address, Handler: handler, BaseContext: func(l net.Listener) context.Context {
		return app.ctx
	}}

	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("Server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("HTTP server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.Participant == "" {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("participant", reqMeta.Participant),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		InsecureSkipVerify: true,
	})
	if err != nil {
		a.logger.Error("Failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.NewConnection(
		r.Context(),
		&a.wg,
		wsConn,
		transport.ConnectionConfig(a.config.Transport),
		nil,
		nil,
		a.logger,
	)
	a.relay.Attach(reqMeta.Participant, reqMeta.Anonymous, conn)

	connLogger.Info("Participant connection fully established")
	conn.Run()
	<-conn.Done()
}

func (a *App) rootHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{"message": "TalkNow API v1.0", "status": "running"})
}

func (a *App) healthHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]string{
		"status":    "healthy",
		"timestamp": time.Now().UTC().Format(time.RFC3339),
	})
}

func (a *App) iceServersHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{"ice_servers": a.config.ICEServers})
}

func (a *App) queueStatusHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, map[string]any{
		"queue_count": a.relay.QueueSize(),
		"online_now":  a.registry.Len(),
	})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
	}
}

// Shutdown runs the graceful shutdown sequence.
func (a *App) Shutdown() error {
	a.logger.Info("Shutting down server...")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	// close all active WebSocket connections.
	a.logger.Info("Closing all active connections...")
	a.registry.Range(func(h *registry.Handle) bool {
		h.Conn.Close(errors.New("graceful shutdown"))
		return true
	})

	// wait for all connection goroutines to finish their cleanup.
	a.wg.Wait()
	a.logger.Info("Server shut down gracefully.")
	return nil
}
