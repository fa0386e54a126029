package main

import (
	"context"
	"encoding/json"
	"errors"
	"net"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"sync"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/net/http2"
	"golang.org/x/net/http2/h2c"
	"golang.org/x/net/netutil"

	"github.com/mcdev12/tiltrelay/go/internal/archive"
	"github.com/mcdev12/tiltrelay/go/internal/config"
	"github.com/mcdev12/tiltrelay/go/internal/profile"
	"github.com/mcdev12/tiltrelay/go/internal/relay"
	"github.com/mcdev12/tiltrelay/go/internal/tap"
)

func main() {
	// Load .env file if it exists
	if err := godotenv.Load(); err != nil {
		log.Debug().Err(err).Msg("no .env file loaded")
	}

	cfg, err := config.Load()
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load config")
	}
	setupLogging(cfg)

	profiles, err := profile.Load(cfg.ProfilesFile)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to load game profiles")
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	registry := prometheus.NewRegistry()
	registry.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	opts := []relay.ServiceOption{relay.WithPrometheus(registry)}

	var wg sync.WaitGroup
	var cleanup []func()
	var store *archive.PostgresStore

	// The recorder outlives the hub so the leave events emitted on hub
	// shutdown are still archived.
	sinkCtx, stopSinks := context.WithCancel(context.Background())
	defer stopSinks()

	if cfg.NATSURL != "" {
		tapConfig := tap.DefaultConfig()
		tapConfig.URL = cfg.NATSURL
		tapConfig.Prefix = cfg.NATSPrefix
		tapConfig.Samples = cfg.NATSSamples
		t, err := tap.Connect(tapConfig)
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect telemetry tap")
		}
		opts = append(opts, relay.WithEventSink(t))
		cleanup = append(cleanup, func() {
			if err := t.Close(); err != nil {
				log.Error().Err(err).Msg("failed to drain NATS connection")
			}
		})
	}

	if cfg.ArchiveEnabled {
		store, err = archive.NewPostgresStore(ctx, cfg.Database.DSN())
		if err != nil {
			log.Fatal().Err(err).Msg("failed to connect to database")
		}
		if err := store.Migrate(ctx); err != nil {
			log.Fatal().Err(err).Msg("failed to migrate archive schema")
		}
		recorder := archive.NewRecorder(store, cfg.ArchiveBuffer, nil)
		opts = append(opts, relay.WithEventSink(recorder))

		wg.Add(1)
		go func() {
			defer wg.Done()
			if err := recorder.Run(sinkCtx); err != nil {
				log.Error().Err(err).Msg("archive recorder failed")
			}
		}()
		cleanup = append(cleanup, store.Close)
		log.Info().Str("database", cfg.Database.Name).Msg("device session archive enabled")
	}

	svc := relay.NewService(cfg.Relay(), opts...)

	mux := http.NewServeMux()
	svc.RegisterRoutes(mux)
	mux.HandleFunc("/api/profiles", profilesHandler(profiles))
	if store != nil {
		mux.HandleFunc("/api/sessions", sessionsHandler(store))
	}
	handler := svc.WithCORS(mux)

	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := svc.Start(ctx); err != nil {
			log.Error().Err(err).Msg("relay service failed")
		}
	}()

	servers := []*http.Server{
		newServer(cfg.HTTPAddr, h2c.NewHandler(handler, &http2.Server{})),
	}
	if err := serve(servers[0], cfg.MaxConnections, "", ""); err != nil {
		log.Fatal().Err(err).Str("addr", cfg.HTTPAddr).Msg("failed to listen")
	}
	if cfg.TLSEnabled() {
		tlsServer := newServer(cfg.TLSAddr, handler)
		if err := serve(tlsServer, cfg.MaxConnections, cfg.TLSCertFile, cfg.TLSKeyFile); err != nil {
			log.Fatal().Err(err).Str("addr", cfg.TLSAddr).Msg("failed to listen")
		}
		servers = append(servers, tlsServer)
	}

	log.Info().
		Str("http_addr", cfg.HTTPAddr).
		Bool("tls", cfg.TLSEnabled()).
		Strs("games", profiles.IDs()).
		Msg("relay started")

	<-ctx.Done()
	log.Info().Msg("received shutdown signal")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.ShutdownTimeout)
	defer cancel()
	for _, srv := range servers {
		if err := srv.Shutdown(shutdownCtx); err != nil {
			log.Error().Err(err).Str("addr", srv.Addr).Msg("HTTP server shutdown failed")
		}
	}

	<-svc.Hub().Done()
	stopSinks()
	wg.Wait()
	for _, fn := range cleanup {
		fn()
	}
	log.Info().Msg("relay shutdown complete")
}

func setupLogging(cfg *config.Config) {
	if cfg.LogPretty {
		log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr})
	}
	level, err := zerolog.ParseLevel(cfg.LogLevel)
	if err != nil || level == zerolog.NoLevel {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
}

func newServer(addr string, handler http.Handler) *http.Server {
	return &http.Server{
		Addr:              addr,
		Handler:           handler,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}
}

// serve binds srv.Addr, caps it at max concurrent connections and serves in
// the background. TLS is used when certFile is set.
func serve(srv *http.Server, max int, certFile, keyFile string) error {
	ln, err := net.Listen("tcp", srv.Addr)
	if err != nil {
		return err
	}
	ln = netutil.LimitListener(ln, max)

	go func() {
		log.Info().Str("addr", srv.Addr).Bool("tls", certFile != "").Msg("HTTP server starting")
		var err error
		if certFile != "" {
			err = srv.ServeTLS(ln, certFile, keyFile)
		} else {
			err = srv.Serve(ln)
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Str("addr", srv.Addr).Msg("HTTP server failed")
		}
	}()
	return nil
}

func profilesHandler(profiles *profile.Registry) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		out := make([]profile.Profile, 0, len(profiles.IDs()))
		for _, id := range profiles.IDs() {
			p, err := profiles.Get(id)
			if err != nil {
				continue
			}
			out = append(out, p)
		}
		writeJSON(w, map[string]any{"games": out})
	}
}

// sessionsHandler lists the most recent archived device sessions; ?limit
// caps the count (default 50, max 500).
func sessionsHandler(store *archive.PostgresStore) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		limit := 50
		if v := r.URL.Query().Get("limit"); v != "" {
			n, err := strconv.Atoi(v)
			if err != nil || n <= 0 {
				http.Error(w, "invalid limit", http.StatusBadRequest)
				return
			}
			limit = min(n, 500)
		}
		sessions, err := store.Recent(r.Context(), limit)
		if err != nil {
			log.Error().Err(err).Msg("failed to list device sessions")
			http.Error(w, "failed to list device sessions", http.StatusInternalServerError)
			return
		}
		writeJSON(w, map[string]any{"sessions": sessions})
	}
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("failed to write response")
	}
}
