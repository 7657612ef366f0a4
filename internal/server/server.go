package server

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
	"github.com/google/uuid"
	"github.com/rs/cors"

	"github.com/amakom/BlueprintAI-sub001/internal/auth"
	"github.com/amakom/BlueprintAI-sub001/internal/authz"
	"github.com/amakom/BlueprintAI-sub001/internal/metrics"
	"github.com/amakom/BlueprintAI-sub001/internal/relay"
	"github.com/amakom/BlueprintAI-sub001/internal/server/middleware"
	"github.com/amakom/BlueprintAI-sub001/pkg/config"
	"github.com/amakom/BlueprintAI-sub001/pkg/state"
	"github.com/amakom/BlueprintAI-sub001/pkg/state/registry"
	"github.com/amakom/BlueprintAI-sub001/pkg/transport"
)

type App struct {
	logger   *slog.Logger
	registry state.Registry
	relay    *relay.Relay
	metrics  *metrics.Metrics
	config   *config.Config
	wg       sync.WaitGroup
	http     *http.Server

	ctx context.Context
}

func NewApp(logger *slog.Logger, rootCtx context.Context, cfg *config.Config, oracle authz.Oracle, m *metrics.Metrics) *App {
	reg := registry.NewInMemory(logger)
	rly := relay.New(logger, reg, oracle, m)
	verifier := auth.NewJWTVerifier(cfg.Server.Auth.JWTSecret)

	app := &App{
		logger:   logger,
		registry: reg,
		relay:    rly,
		metrics:  m,
		config:   cfg,
		ctx:      rootCtx,
	}

	cycler := func(subjectID string) {
		oldest, found := reg.FindOldestUserConnection(subjectID)
		if found {
			logger.Info("cycling connection: closing oldest",
				slog.String("subject", subjectID),
				slog.String("connID", oldest.ID.String()),
			)
			oldest.Transport.Close(errors.New("connection cycled by new connection"))
		}
	}

	mux := http.NewServeMux()
	mux.Handle("/ws", middleware.Chain(
		http.HandlerFunc(app.upgradeHandler),
		middleware.RequestMetadataMiddleware(),
		middleware.NewRequestLogger(logger),
		middleware.NewAuthMiddleware(logger, verifier, m.AuthFailures),
		middleware.NewConnectionLimiter(logger, reg.GetUserConnectionCount, cycler, cfg.Server.ConnectionLimit),
	))
	mux.Handle("/metrics", m.Handler())
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("ok"))
	})

	handler := cors.New(cors.Options{
		AllowedOrigins:   cfg.CORS.AllowedOrigins,
		AllowCredentials: true,
	}).Handler(mux)

	app.http = &http.Server{
		Addr:    cfg.Server.Address,
		Handler: handler,
		BaseContext: func(net.Listener) context.Context {
			return app.ctx
		},
	}

	return app
}

func (a *App) Run() error {
	go func() {
		a.logger.Info("server starting", slog.String("addr", a.http.Addr))
		if err := a.http.ListenAndServe(); err != http.ErrServerClosed {
			a.logger.Error("http server failed", slog.Any("error", err))
		}
	}()

	<-a.ctx.Done()
	return a.Shutdown()
}

// upgradeHandler runs after the middleware chain, so the request carries
// a verified identity. It upgrades, registers the connection, and blocks
// until the connection terminates.
func (a *App) upgradeHandler(w http.ResponseWriter, r *http.Request) {
	reqMeta, ok := middleware.ReqMetadataFrom(r.Context())
	if !ok || reqMeta.Identity.SubjectID == "" {
		http.Error(w, "Internal Server Error", http.StatusInternalServerError)
		return
	}
	connLogger := a.logger.With(
		slog.String("remoteAddr", reqMeta.IP),
		slog.String("subject", reqMeta.Identity.SubjectID),
	)

	wsConn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: a.config.CORS.AllowedOrigins,
	})
	if err != nil {
		connLogger.Error("failed to accept websocket connection", slog.Any("error", err))
		return
	}

	conn := transport.New(
		r.Context(),
		&a.wg,
		wsConn,
		transport.Config(a.config.Transport),
		connLogger,
	)

	if _, err := a.registry.RegisterConnection(conn, reqMeta.IP, reqMeta.Identity); err != nil {
		connLogger.Error("failed to register connection", slog.Any("error", err))
		conn.Close(err)
		return
	}
	a.metrics.ActiveConnections.Inc()

	conn.SetMessageHandler(a.relay.HandleMessage)
	conn.SetCloseHandler(func(id uuid.UUID, err error) {
		a.relay.HandleDisconnect(id)
		a.metrics.ActiveConnections.Dec()
	})

	connLogger.Info("connection fully established", slog.String("connID", conn.ID().String()))
	conn.Run()
	<-conn.Done()
}

// Shutdown stops accepting connections, closes every live transport, and
// waits for connection goroutines to finish their cleanup.
func (a *App) Shutdown() error {
	a.logger.Info("shutting down server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := a.http.Shutdown(shutdownCtx); err != nil {
		return err
	}

	for _, conn := range a.registry.AllConnections() {
		conn.Close(errors.New("graceful shutdown"))
	}

	a.wg.Wait()
	a.logger.Info("server shut down gracefully")
	return nil
}
