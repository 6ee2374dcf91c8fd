package main

import (
	"context"
	"encoding/json"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/example/objectstore/internal/auth"
	cfg "github.com/example/objectstore/internal/config"
	"github.com/example/objectstore/internal/objects"
	"github.com/example/objectstore/internal/ratelimit"
	"github.com/example/objectstore/internal/schema"
	"github.com/example/objectstore/internal/store"
	"github.com/gorilla/mux"
	log "github.com/sirupsen/logrus"
	"golang.org/x/time/rate"
)

type App struct {
	Backend     store.Backend
	Credentials *auth.Store
	Objects     *objects.Service
	Gate        *ratelimit.Gate
	registry    *ratelimit.Registry

	corsOrigins     []string
	defaultPageSize int
	maxPageSize     int
	maxBodyBytes    int64

	// failOpenLog throttles warnings for requests let through because the
	// limiter failed.
	failOpenLog rate.Sometimes
}

func newApp(c *cfg.Config, backend store.Backend) *App {
	registry := ratelimit.NewRegistry(ratelimit.WithCleanupInterval(c.RateLimitCleanup))
	gate := ratelimit.NewGate(registry, c.RateLimits,
		ratelimit.WithBypassPaths(c.RateLimitBypass),
		ratelimit.WithCredentialFunc(func(r *http.Request) string {
			secret, _ := auth.BearerToken(r)
			return secret
		}),
	)
	return &App{
		Backend:         backend,
		Credentials:     auth.NewStore(backend, c.BcryptCost),
		Objects:         objects.NewService(backend, schema.NewValidator()),
		Gate:            gate,
		registry:        registry,
		corsOrigins:     c.CORSOrigins,
		defaultPageSize: c.DefaultPageSize,
		maxPageSize:     c.MaxPageSize,
		maxBodyBytes:    c.MaxBodyBytes,
		failOpenLog:     rate.Sometimes{First: 1, Interval: 10 * time.Second},
	}
}

// Router wires every route and middleware. The rate-limit gate runs ahead
// of routing and credential checks, so unknown routes are limited too.
func (a *App) Router() http.Handler {
	r := mux.NewRouter()
	r.NotFoundHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusNotFound, "NOT_FOUND", "route not found")
	})
	r.MethodNotAllowedHandler = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusMethodNotAllowed, "METHOD_NOT_ALLOWED", "method not allowed")
	})

	r.HandleFunc("/health", a.HandleHealth).Methods("GET")
	r.HandleFunc("/live", a.HandleHealth).Methods("GET")
	r.HandleFunc("/ready", a.HandleReady).Methods("GET")

	v1 := r.PathPrefix("/api/v1").Subrouter()
	v1.Use(a.CredentialAuth)

	tenant := v1.PathPrefix("/tenants/{tenantID}").Subrouter()
	tenant.Use(a.TenantMatch)
	tenant.HandleFunc("/collections", a.HandleCreateCollection).Methods("POST")
	tenant.HandleFunc("/collections", a.HandleListCollections).Methods("GET")
	tenant.HandleFunc("/collections/{name}", a.HandleGetCollection).Methods("GET")
	tenant.HandleFunc("/collections/{name}", a.HandleUpdateCollection).Methods("PATCH")
	tenant.HandleFunc("/collections/{name}", a.HandleDeleteCollection).Methods("DELETE")
	tenant.HandleFunc("/collections/{name}/objects", a.HandleCreateObject).Methods("POST")
	tenant.HandleFunc("/collections/{name}/objects", a.HandleListObjects).Methods("GET")

	v1.HandleFunc("/objects/{id}", a.HandleGetObject).Methods("GET")
	v1.HandleFunc("/objects/{id}", a.HandleUpdateObject).Methods("PATCH")
	v1.HandleFunc("/objects/{id}", a.HandleDeleteObject).Methods("DELETE")

	// Outside the router so unmatched paths and methods are covered too.
	return SecurityHeaders(a.Logging(a.CORS(a.RateLimit(r))))
}

// reload re-reads configuration and applies what can change at runtime.
func (a *App) reload() {
	c, err := cfg.New()
	if err != nil {
		log.WithError(err).Error("config reload failed, keeping current settings")
		return
	}
	configureLogging(c)
	a.Gate.SetLimits(c.RateLimits)
	log.WithField("rate_limits", c.RateLimits.String()).Info("configuration reloaded")
}

func configureLogging(c *cfg.Config) {
	if strings.EqualFold(c.LogFormat, "json") {
		log.SetFormatter(&log.JSONFormatter{})
	} else {
		log.SetFormatter(&log.TextFormatter{FullTimestamp: true})
	}
	level, err := log.ParseLevel(c.LogLevel)
	if err != nil {
		log.WithField("level", c.LogLevel).Warn("unknown LOG_LEVEL, using info")
		level = log.InfoLevel
	}
	log.SetLevel(level)
}

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if v == nil {
		return
	}
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.WithError(err).Warn("write json")
	}
}

func main() {
	c, err := cfg.New()
	if err != nil {
		log.Fatalf("config: %v", err)
	}
	configureLogging(c)

	backend, err := openBackend(context.Background(), c)
	if err != nil {
		log.Fatalf("database: %v", err)
	}

	app := newApp(c, backend)
	stopCleanup := app.registry.StartCleanup()

	srv := &http.Server{
		Handler:           app.Router(),
		Addr:              ":" + c.Port,
		ReadHeaderTimeout: 5 * time.Second,
		ReadTimeout:       15 * time.Second,
		WriteTimeout:      c.DBCommandTimeout + 10*time.Second,
	}

	go func() {
		log.WithFields(log.Fields{"port": c.Port, "adapter": c.DBAdapter, "rate_limits": c.RateLimits.String()}).Info("starting server")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Fatalf("server error: %v", err)
		}
	}()

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM, syscall.SIGHUP)
	for s := range sig {
		if s == syscall.SIGHUP {
			app.reload()
			continue
		}
		break
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(ctx); err != nil {
		log.Errorf("shutdown failed: %+v", err)
	}
	stopCleanup()
	if err := backend.Close(); err != nil {
		log.WithError(err).Warn("closing database")
	}
	log.Info("server exited properly")
}
