package relay

import (
	"context"
	"net/http"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/cors"
	"github.com/rs/zerolog/log"
)

// Config holds configuration for the relay service.
type Config struct {
	Connection    ConnectionConfig
	StatsInterval time.Duration
	EventBuffer   int
	// AllowedOrigins feeds CORS for the JSON routes. Empty allows any origin.
	AllowedOrigins []string
}

// DefaultConfig returns default configuration for the relay.
func DefaultConfig() Config {
	return Config{
		Connection:    DefaultConnectionConfig(),
		StatsInterval: 30 * time.Second,
		EventBuffer:   1024,
	}
}

// Service wires the hub, its HTTP handler and metrics together.
type Service struct {
	config   Config
	hub      *Hub
	handler  *Handler
	gatherer prometheus.Gatherer
}

// ServiceOption configures a Service.
type ServiceOption func(*serviceOptions)

type serviceOptions struct {
	registry *prometheus.Registry
	sinks    []EventSink
	clock    clockwork.Clock
}

// WithPrometheus records hub metrics on reg and serves them on /metrics.
func WithPrometheus(reg *prometheus.Registry) ServiceOption {
	return func(o *serviceOptions) { o.registry = reg }
}

// WithEventSink adds a sink that observes devices and samples.
func WithEventSink(s EventSink) ServiceOption {
	return func(o *serviceOptions) { o.sinks = append(o.sinks, s) }
}

// WithServiceClock replaces the hub clock.
func WithServiceClock(c clockwork.Clock) ServiceOption {
	return func(o *serviceOptions) { o.clock = c }
}

// NewService creates a relay service.
func NewService(config Config, opts ...ServiceOption) *Service {
	var o serviceOptions
	for _, opt := range opts {
		opt(&o)
	}

	hubOpts := []HubOption{
		WithStatsInterval(config.StatsInterval),
		WithEventBuffer(config.EventBuffer),
		WithClock(o.clock),
	}
	s := &Service{config: config}
	if o.registry != nil {
		hubOpts = append(hubOpts, WithMetrics(NewPrometheusMetrics(o.registry)))
		s.gatherer = o.registry
	}
	for _, sink := range o.sinks {
		hubOpts = append(hubOpts, WithSink(sink))
	}

	s.hub = NewHub(hubOpts...)
	s.handler = NewHandler(s.hub, config.Connection)
	return s
}

// Hub returns the underlying hub.
func (s *Service) Hub() *Hub { return s.hub }

// Start runs the hub until ctx is cancelled.
func (s *Service) Start(ctx context.Context) error {
	log.Info().Msg("starting relay service")
	return s.hub.Run(ctx)
}

// RegisterRoutes registers the relay HTTP routes.
func (s *Service) RegisterRoutes(mux *http.ServeMux) {
	s.handler.RegisterRoutes(mux)
	if s.gatherer != nil {
		mux.Handle("/metrics", promhttp.HandlerFor(s.gatherer, promhttp.HandlerOpts{}))
	}
	log.Info().Msg("relay routes registered")
}

// HTTPHandler returns the relay mux wrapped with CORS.
func (s *Service) HTTPHandler() http.Handler {
	mux := http.NewServeMux()
	s.RegisterRoutes(mux)
	return s.WithCORS(mux)
}

// WithCORS wraps next with the configured CORS policy.
func (s *Service) WithCORS(next http.Handler) http.Handler {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}
	return cors.New(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{
			http.MethodHead,
			http.MethodGet,
		},
		AllowedHeaders: []string{"*"},
	}).Handler(next)
}
