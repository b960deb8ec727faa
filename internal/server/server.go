/*
Copyright (C) 2026 Friends Incode

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/contrib/instrumentation/net/http/otelhttp"
	"gorm.io/gorm"

	"github.com/friendsincode/muninn_playout/internal/api"
	"github.com/friendsincode/muninn_playout/internal/audit"
	"github.com/friendsincode/muninn_playout/internal/cache"
	"github.com/friendsincode/muninn_playout/internal/clock"
	"github.com/friendsincode/muninn_playout/internal/config"
	"github.com/friendsincode/muninn_playout/internal/db"
	"github.com/friendsincode/muninn_playout/internal/eventbus"
	"github.com/friendsincode/muninn_playout/internal/events"
	"github.com/friendsincode/muninn_playout/internal/inventory"
	"github.com/friendsincode/muninn_playout/internal/leadership"
	"github.com/friendsincode/muninn_playout/internal/logbuffer"
	"github.com/friendsincode/muninn_playout/internal/playout"
	"github.com/friendsincode/muninn_playout/internal/rotation"
	"github.com/friendsincode/muninn_playout/internal/schedule"
	"github.com/friendsincode/muninn_playout/internal/storage"
	"github.com/friendsincode/muninn_playout/internal/telemetry"
	"github.com/friendsincode/muninn_playout/internal/timeline"
	"github.com/friendsincode/muninn_playout/internal/version"
)

// buildLoopInterval is how often the lookahead worker checks schedule coverage.
const buildLoopInterval = 15 * time.Minute

// Server bundles HTTP and supporting services.
type Server struct {
	cfg           *config.Config
	logger        zerolog.Logger
	router        chi.Router
	httpServer    *http.Server
	metricsServer *http.Server
	closers       []func() error

	db        *gorm.DB
	cache     *cache.Cache
	logBuffer *logbuffer.Buffer
	bus       *events.Bus

	builder   *timeline.Builder
	exporter  *schedule.ExportService
	archive   storage.ObjectStore
	auditSvc  *audit.Service
	sequencer *playout.Sequencer
	engine    *playout.GstEngine
	election  *leadership.Election
	natsFwd   *eventbus.NATSForwarder
	redisFwd  *eventbus.RedisForwarder
	tracer    *telemetry.TracerProvider
	api       *api.API

	bgCancel context.CancelFunc
	bgWG     sync.WaitGroup
}

// New constructs the server and wires dependencies.
func New(cfg *config.Config, logBuf *logbuffer.Buffer, logger zerolog.Logger) (*Server, error) {
	router := chi.NewRouter()

	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)
	router.Use(securityHeadersMiddleware)
	router.Use(telemetry.MetricsMiddleware)
	// Skip timeout for the websocket event stream.
	router.Use(func(next http.Handler) http.Handler {
		timeout := middleware.Timeout(60 * time.Second)
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.Header.Get("Upgrade") == "websocket" {
				next.ServeHTTP(w, r)
				return
			}
			timeout(next).ServeHTTP(w, r)
		})
	})

	srv := &Server{
		cfg:       cfg,
		logger:    logger,
		router:    router,
		bus:       events.NewBus(),
		logBuffer: logBuf,
	}

	if err := srv.initDependencies(); err != nil {
		return nil, err
	}

	srv.configureRoutes()
	srv.startBackgroundWorkers()

	addr := fmt.Sprintf("%s:%d", cfg.HTTPBind, cfg.HTTPPort)
	srv.httpServer = &http.Server{
		Addr:              addr,
		Handler:           otelhttp.NewHandler(srv.router, "muninn-playout-api"),
		ReadHeaderTimeout: 15 * time.Second,
		// WriteTimeout stays 0 so the event stream is not cut; the
		// middleware timeout covers plain routes.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	if cfg.MetricsBind != "" {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", telemetry.Handler())
		srv.metricsServer = &http.Server{
			Addr:              cfg.MetricsBind,
			Handler:           metricsMux,
			ReadHeaderTimeout: 10 * time.Second,
		}
	}

	return srv, nil
}

func securityHeadersMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("X-Content-Type-Options", "nosniff")
		w.Header().Set("Referrer-Policy", "strict-origin-when-cross-origin")
		w.Header().Set("X-Frame-Options", "DENY")
		w.Header().Set("Content-Security-Policy", "default-src 'self'; frame-ancestors 'none'; base-uri 'self'")

		// Only advertise HSTS for requests served over HTTPS.
		if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
			w.Header().Set("Strict-Transport-Security", "max-age=31536000; includeSubDomains")
		}

		next.ServeHTTP(w, r)
	})
}

func (s *Server) initDependencies() error {
	database, err := db.Connect(s.cfg)
	if err != nil {
		return err
	}
	if err := db.Migrate(database); err != nil {
		return err
	}
	s.db = database
	s.DeferClose(func() error { return db.Close(database) })

	if s.cfg.RedisAddr != "" {
		cacheCfg := cache.DefaultConfig(s.cfg.RedisAddr)
		cacheCfg.Password = s.cfg.RedisPassword
		cacheCfg.DB = s.cfg.RedisDB
		s.cache = cache.New(cacheCfg, s.logger)
		s.DeferClose(func() error { return s.cache.Close() })
	}

	resolver := clock.NewResolver(database, s.logger).WithCache(s.cache)
	inv := inventory.NewService(database, s.logger)
	rot := rotation.NewEngine(s.logger)
	s.builder = timeline.NewBuilder(database, inv, resolver, rot, s.bus, s.cfg, s.logger)
	s.exporter = schedule.NewExportService(database, s.logger)
	s.auditSvc = audit.NewService(database, s.bus, s.logger)

	if s.cfg.S3Bucket != "" {
		store, err := storage.NewS3Store(context.Background(), s.cfg, s.logger)
		if err != nil {
			return fmt.Errorf("init export archive: %w", err)
		}
		s.archive = store
	}

	if s.cfg.PlayoutEnabled {
		s.engine = playout.NewGstEngine(s.cfg, s.logger)
		s.sequencer = playout.NewSequencer(database, s.engine, inv, rot, s.bus, s.cfg, s.logger)
		s.DeferClose(func() error { return s.engine.Close() })
	}

	if s.cfg.NATSURL != "" {
		fwd, err := eventbus.NewNATSForwarder(s.cfg.NATSURL, s.bus, s.logger)
		if err != nil {
			s.logger.Warn().Err(err).Msg("NATS forwarder unavailable, events stay in-process")
		} else {
			s.natsFwd = fwd
			s.DeferClose(func() error { return s.natsFwd.Close() })
		}
	}

	if s.cfg.RedisAddr != "" {
		redisCfg := eventbus.DefaultRedisConfig(s.cfg.RedisAddr)
		redisCfg.Password = s.cfg.RedisPassword
		redisCfg.DB = s.cfg.RedisDB
		s.redisFwd = eventbus.NewRedisForwarder(redisCfg, s.bus, s.logger)
		s.DeferClose(func() error { return s.redisFwd.Close() })

		electionCfg := leadership.DefaultConfig(s.cfg.RedisAddr)
		electionCfg.RedisPassword = s.cfg.RedisPassword
		electionCfg.RedisDB = s.cfg.RedisDB
		s.election = leadership.New(electionCfg, s.logger)
	}

	tracer, err := telemetry.InitTracer(context.Background(), telemetry.TracerConfig{
		ServiceName:    "muninn-playout",
		ServiceVersion: version.Version,
		OTLPEndpoint:   s.cfg.OTLPEndpoint,
		Enabled:        s.cfg.TracingEnabled,
		SampleRate:     s.cfg.TracingSampleRate,
	}, s.logger)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	s.tracer = tracer
	s.DeferClose(func() error {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.tracer.Shutdown(ctx)
	})

	s.api = api.New(s.db, s.builder, s.exporter, s.archive, s.sequencer, s.auditSvc, s.bus, s.logBuffer, s.logger)

	return nil
}

// HTTPServer exposes the underlying net/http server.
func (s *Server) HTTPServer() *http.Server {
	return s.httpServer
}

// MetricsServer exposes the metrics listener, nil when unbound.
func (s *Server) MetricsServer() *http.Server {
	return s.metricsServer
}

// Close releases owned resources in reverse order.
func (s *Server) Close() error {
	s.stopBackgroundWorkers()
	var firstErr error
	for i := len(s.closers) - 1; i >= 0; i-- {
		if err := s.closers[i](); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// DeferClose registers a cleanup hook.
func (s *Server) DeferClose(fn func() error) {
	s.closers = append(s.closers, fn)
}

func (s *Server) startBackgroundWorkers() {
	ctx, cancel := context.WithCancel(context.Background())
	s.bgCancel = cancel

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.auditSvc.Run(ctx)
	}()

	if s.natsFwd != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.natsFwd.Run(ctx)
		}()
	}

	if s.redisFwd != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.redisFwd.Run(ctx)
		}()
	}

	if s.election != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			s.election.Run(ctx)
		}()
	}

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.builder.RunQueue(ctx)
	}()

	s.bgWG.Add(1)
	go func() {
		defer s.bgWG.Done()
		s.runBuildLoop(ctx)
	}()

	if s.sequencer != nil {
		s.bgWG.Add(1)
		go func() {
			defer s.bgWG.Done()
			if err := s.engine.Start(ctx); err != nil {
				s.logger.Error().Err(err).Msg("audio engine failed to start")
				return
			}
			if err := s.sequencer.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
				s.logger.Error().Err(err).Msg("sequencer loop exited")
			}
		}()
	}
}

// runBuildLoop keeps every station's schedule built out to the configured
// lookahead horizon. With Redis configured only the leader builds, so a
// standby instance does not double-write schedules.
func (s *Server) runBuildLoop(ctx context.Context) {
	ticker := time.NewTicker(buildLoopInterval)
	defer ticker.Stop()

	for {
		if s.election == nil || s.election.IsLeader() {
			s.extendCoverage(ctx)
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
	}
}

func (s *Server) extendCoverage(ctx context.Context) {
	var clocks []struct {
		ID        string
		StationID string
	}
	err := s.db.WithContext(ctx).
		Table("station_clocks").
		Select("id, station_id").
		Where("published = ?", true).
		Order("station_id, version DESC").
		Scan(&clocks).Error
	if err != nil {
		s.logger.Error().Err(err).Msg("lookahead clock query failed")
		return
	}

	horizon := time.Now().UTC().Add(s.cfg.SchedulerLookahead).Truncate(time.Hour)
	seen := make(map[string]bool, len(clocks))

	for _, stationClock := range clocks {
		// Highest published version per station wins.
		if seen[stationClock.StationID] {
			continue
		}
		seen[stationClock.StationID] = true

		var coveredTo time.Time
		row := s.db.WithContext(ctx).
			Table("schedules").
			Select("MAX(ends_at)").
			Where("station_id = ? AND status = ?", stationClock.StationID, "ready").
			Row()
		var raw *time.Time
		if err := row.Scan(&raw); err == nil && raw != nil {
			coveredTo = raw.UTC()
		}

		start := time.Now().UTC().Truncate(time.Hour)
		if coveredTo.After(start) {
			start = coveredTo
		}
		if !start.Before(horizon) {
			continue
		}

		_, report, err := s.builder.Build(ctx, timeline.BuildRequest{
			StationID: stationClock.StationID,
			ClockID:   stationClock.ID,
			StartsAt:  start,
			EndsAt:    horizon,
		})
		if err != nil {
			s.logger.Error().Err(err).
				Str("station_id", stationClock.StationID).
				Msg("lookahead build failed")
			continue
		}
		s.logger.Info().
			Str("station_id", stationClock.StationID).
			Time("starts_at", start).
			Time("ends_at", horizon).
			Int("hours_built", len(report.Hours)).
			Msg("lookahead coverage extended")
	}
}

func (s *Server) stopBackgroundWorkers() {
	if s.bgCancel == nil {
		return
	}
	s.bgCancel()
	s.bgWG.Wait()
	s.bgCancel = nil
}

func (s *Server) configureRoutes() {
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)

		response := `{"status":"ok"`
		if s.election != nil {
			if s.election.IsLeader() {
				response += `,"leader":true`
			} else {
				response += `,"leader":false`
			}
		}
		response += `}`
		_, _ = w.Write([]byte(response))
	})

	s.router.Handle("/metrics", telemetry.Handler())

	s.api.Routes(s.router)
}
