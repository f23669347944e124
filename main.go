package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/aaryangpatel/ExeterMarketPlace/collection"
	"github.com/aaryangpatel/ExeterMarketPlace/config"
	"github.com/aaryangpatel/ExeterMarketPlace/core"
	"github.com/aaryangpatel/ExeterMarketPlace/handlers/api/items"
	"github.com/aaryangpatel/ExeterMarketPlace/handlers/auth"
	"github.com/aaryangpatel/ExeterMarketPlace/handlers/web"
	"github.com/aaryangpatel/ExeterMarketPlace/handlers/websocket"
	"github.com/aaryangpatel/ExeterMarketPlace/identity"
	authMiddleware "github.com/aaryangpatel/ExeterMarketPlace/middleware"
	"github.com/aaryangpatel/ExeterMarketPlace/session"
	"github.com/aaryangpatel/ExeterMarketPlace/stores"
	"github.com/aaryangpatel/ExeterMarketPlace/views"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
	"github.com/go-chi/render"
	"github.com/sirupsen/logrus"
)

type app struct {
	cfg      *config.Config
	store    core.DocumentStore
	items    *collection.Client
	identity *identity.Service
	tokens   *identity.Tokens
	registry *views.Registry

	// Kept current for the JSON API.
	snapshot    *core.Cell[[]core.Item]
	unsubscribe func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	store, err := stores.GetStore(ctx, cfg.Storage)
	if err != nil {
		return nil, err
	}

	federated, err := identity.NewProvider(ctx, cfg.Auth)
	if err != nil {
		store.Close()
		return nil, err
	}

	a := &app{
		cfg:      cfg,
		store:    store,
		items:    collection.NewClient(store),
		identity: identity.NewService(store, federated),
		tokens:   identity.NewTokens(cfg.Auth.JWTSecret, cfg.Auth.SessionTTL),
		snapshot: core.NewSnapshotCell(),
	}
	a.registry = views.NewRegistry(a.newController, views.RegistryConfig{
		Idle:       cfg.ClientIdleTimeout,
		MaxClients: cfg.MaxClients,
		Detached:   a.newDetachedController,
	})
	a.unsubscribe = a.items.Subscribe(a.snapshot.Set)
	return a, nil
}

func (a *app) newController() *views.Controller {
	return views.NewController(
		a.items,
		session.NewManager(a.identity, core.NewSessionCell()),
		views.Options{Title: a.cfg.Title, MaxImageBytes: a.cfg.MaxImageBytes},
	)
}

// newDetachedController renders a single request from the shared snapshot
// without opening a feed of its own.
func (a *app) newDetachedController() *views.Controller {
	ctrl := a.newController()
	ctrl.Snapshot().Set(a.snapshot.Get())
	return ctrl
}

func (a *app) close() {
	a.registry.Shutdown()
	a.unsubscribe()
	if err := a.store.Close(); err != nil {
		logrus.WithError(err).Warn("Failed to close store")
	}
}

func setupRouter(a *app) (*chi.Mux, error) {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   a.cfg.AllowedOrigins,
		AllowedMethods:   []string{"GET", "POST", "PATCH", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type", "Content-Length", "X-CSRF-Token", "Origin", "X-Requested-With"},
		AllowCredentials: true,
		MaxAge:           300, // Maximum value not ignored by any of major browsers
	}))

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		render.JSON(w, r, map[string]any{
			"status":  "ok",
			"clients": a.registry.Len(),
		})
	})

	api := items.NewHandler(a.items, a.snapshot, a.cfg.MaxImageBytes)
	r.Route("/api/v1/items", func(r chi.Router) {
		r.Get("/", api.HandleList)
		r.Get("/{id}", api.HandleGet)
		r.Group(func(r chi.Router) {
			r.Use(authMiddleware.AuthJWT(a.tokens))
			r.Post("/", api.HandleCreate)
			r.Patch("/{id}", api.HandleUpdate)
			r.Delete("/{id}", api.HandleDelete)
		})
	})

	pages, err := web.NewHandler(a.cfg.MaxImageBytes)
	if err != nil {
		return nil, err
	}
	authHandler := auth.NewHandler(a.tokens)

	r.Group(func(r chi.Router) {
		r.Use(authMiddleware.Client(a.registry, a.tokens))
		pages.Routes(r)
		authHandler.Routes(r)
	})

	return r, nil
}

func waitForShutdown(srv *http.Server, shutdown func()) {
	signalC := make(chan os.Signal, 1)
	signal.Notify(signalC, os.Interrupt, syscall.SIGHUP, syscall.SIGINT, syscall.SIGTERM, syscall.SIGQUIT)
	s := <-signalC
	logrus.WithField("signal", s.String()).Info("Shutting down...")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		logrus.WithError(err).Warn("HTTP server did not shut down cleanly")
	}
	shutdown()
}

func main() {
	cfg, err := config.Load(os.Args[1:])
	if err != nil {
		logrus.Fatalf("Invalid configuration: %v", err)
	}

	level, err := logrus.ParseLevel(cfg.LogLevel)
	if err != nil {
		logrus.Fatalf("Invalid log level: %v", err)
	}
	logrus.SetLevel(level)
	logrus.SetFormatter(&logrus.TextFormatter{
		FullTimestamp: true,
	})

	ctx := context.Background()
	a, err := newApp(ctx, cfg)
	if err != nil {
		logrus.WithField("event", "startup").Fatal(err)
	}

	r, err := setupRouter(a)
	if err != nil {
		logrus.WithField("event", "startup").Fatal(err)
	}

	ioo := websocket.SetupSocketIO(a.registry)
	r.Mount("/socket.io/", ioo.ServeHandler(nil))

	srv := &http.Server{Addr: cfg.ListenAddress, Handler: r}
	logrus.WithField("addr", cfg.ListenAddress).Info("starting server")
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logrus.WithField("event", "start server").Fatal(err)
		}
	}()

	logrus.Debug("Server is running in the background")
	waitForShutdown(srv, func() {
		ioo.Close(nil)
		a.close()
	})
}
