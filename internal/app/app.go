// Package app wires the Lectern server runtime: config, logging, HTTP routes,
// and the record store websocket gateway.
package app

import (
	"context"
	"errors"
	"net/http"
	"time"

	"lectern/internal/directory"
	"lectern/internal/recordstore"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

// Store is a small app-level lifecycle abstraction.
// It exists to allow DB-backed resources to be closed gracefully.
type Store interface {
	Close(ctx context.Context) error
}

// nopStore is used for in-memory store mode.
type nopStore struct{}

func (nopStore) Close(_ context.Context) error { return nil }

// App is the Lectern server runtime: it owns HTTP server wiring and the
// record store gateway dependencies.
type App struct {
	cfg Config
	log Logger

	store Store

	dbPool    *pgxpool.Pool
	dbEnabled bool

	records recordstore.Store
	ws      *recordstore.WSGateway

	metricsReg *prometheus.Registry
}

// New constructs a fully wired App instance from config and logger.
func New(cfg Config, log Logger) (*App, error) {
	if log == nil {
		log = NewLogger(cfg.LogLevel, cfg.LogFormat)
	}

	if err := ValidateSecurityConfig(cfg); err != nil {
		return nil, err
	}

	st, dbPool, dbEnabled, records, err := newStore(context.Background(), cfg, log)
	if err != nil {
		return nil, err
	}

	var reg *prometheus.Registry
	var metrics *recordstore.Metrics
	if cfg.MetricsEnabled {
		reg = prometheus.NewRegistry()
		reg.MustRegister(collectors.NewGoCollector())
		reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
		metrics = recordstore.NewMetrics(reg)
	}

	ws := recordstore.NewWSGateway(log, recordstore.NewHub(log), records, metrics)

	if err := seedAdmin(context.Background(), cfg, log, records); err != nil {
		st.Close(context.Background())
		return nil, err
	}

	return &App{
		cfg:        cfg,
		log:        log,
		store:      st,
		dbPool:     dbPool,
		dbEnabled:  dbEnabled,
		records:    records,
		ws:         ws,
		metricsReg: reg,
	}, nil
}

// seedAdmin guarantees a first login is possible on an empty directory.
func seedAdmin(ctx context.Context, cfg Config, log Logger, records recordstore.Store) error {
	res, err := directory.EnsureDefaultAdmin(ctx, records, log, cfg.AdminUsername, cfg.AdminPassword)
	if err != nil {
		return err
	}
	if res.GeneratedPassword != "" {
		// Printed exactly once; there is no other way to recover it.
		log.Warn("seed.admin.generated_password", "username", cfg.AdminUsername, "password", res.GeneratedPassword)
	}
	return nil
}

// Run starts the HTTP server and blocks until context cancellation or fatal server error.
func (a *App) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	registerHTTP(mux, a.log, a.cfg, a.dbPool, a.dbEnabled, a.ws, a.metricsReg)

	var handler http.Handler = mux
	handler = WithSecurityHeaders(handler)
	handler = WithCORS(handler, a.cfg, a.log)
	handler = WithRequestLogging(handler, a.log)

	srv := &http.Server{
		Addr:              a.cfg.HTTPAddr,
		Handler:           handler,
		ReadHeaderTimeout: nonZeroDuration(a.cfg.ReadHeaderTimeout, 5*time.Second),
		ReadTimeout:       nonZeroDuration(a.cfg.ReadTimeout, 15*time.Second),
		WriteTimeout:      nonZeroDuration(a.cfg.WriteTimeout, 15*time.Second),
		IdleTimeout:       nonZeroDuration(a.cfg.IdleTimeout, 60*time.Second),
		MaxHeaderBytes:    nonZeroInt(a.cfg.MaxHeaderBytes, 1<<20),
	}

	a.log.Info("server.start", "addr", a.cfg.HTTPAddr, "db_enabled", a.dbEnabled)

	errCh := make(chan error, 1)
	go func() {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		a.log.Info("server.stop", "reason", "context_done")
	case err := <-errCh:
		a.log.Error("server.fail", "err", err)
		return err
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := srv.Shutdown(shutdownCtx); err != nil {
		a.log.Error("server.shutdown.fail", "err", err)
		return err
	}

	if err := a.store.Close(shutdownCtx); err != nil {
		a.log.Error("store.close.fail", "err", err)
	}

	a.log.Info("server.stopped")
	return nil
}

func nonZeroDuration(v, def time.Duration) time.Duration {
	if v <= 0 {
		return def
	}
	return v
}

func nonZeroInt(v, def int) int {
	if v <= 0 {
		return def
	}
	return v
}

// newStore decides between Postgres-backed persistence and the in-memory dev store.
func newStore(ctx context.Context, cfg Config, log Logger) (Store, *pgxpool.Pool, bool, recordstore.Store, error) {
	if cfg.DatabaseURL == "" {
		log.Info("db.disabled.inmemory_store")
		return nopStore{}, nil, false, recordstore.NewInMemoryStore(), nil
	}

	pool, err := NewDBPool(ctx, cfg)
	if err != nil {
		return nil, nil, false, nil, err
	}

	log.Info("db.enabled.postgres_store", "schema", cfg.DBSchema)

	// Ownership model:
	// - app owns pool lifecycle
	// - PostgresStore.Close() is a no-op
	records, err := recordstore.NewPostgresStore(pool, recordstore.WithSchema(cfg.DBSchema))
	if err != nil {
		pool.Close()
		return nil, nil, false, nil, err
	}

	return dbStore{pool: pool, records: records}, pool, true, records, nil
}

type dbStore struct {
	pool    *pgxpool.Pool
	records recordstore.Store
}

func (s dbStore) Close(_ context.Context) error {
	if s.records != nil {
		_ = s.records.Close()
	}
	if s.pool != nil {
		s.pool.Close()
	}
	return nil
}
