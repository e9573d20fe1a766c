package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Load metrics
	LoadsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kwentura_loads_total",
			Help: "Total load sequences run, by resulting gate state",
		},
		[]string{"outcome"},
	)

	LoadDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "kwentura_load_duration_seconds",
			Help:    "Load sequence duration in seconds, including storage round trips",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1},
		},
		[]string{"outcome"},
	)

	// Rest metrics
	RestEntriesTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kwentura_rest_entries_total",
			Help: "Total transitions into rest mode",
		},
		[]string{"reason"},
	)

	// Storage metrics
	StorageErrorsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kwentura_storage_errors_total",
			Help: "Gate storage failures",
		},
		[]string{"op"},
	)

	// Registry metrics
	ProfilesActive = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "kwentura_profiles_active",
			Help: "Number of device profiles held in memory",
		},
	)

	RemainingBudgetSeconds = prometheus.NewGaugeVec(
		prometheus.GaugeOpts{
			Name: "kwentura_remaining_budget_seconds",
			Help: "Reading time left today as of the last transition",
		},
		[]string{"profile"},
	)

	// Broadcast metrics
	BroadcastEventsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "kwentura_broadcast_events_total",
			Help: "Gate events exchanged with other instances",
		},
		[]string{"direction", "kind"},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		LoadsTotal,
		LoadDuration,
		RestEntriesTotal,
		StorageErrorsTotal,
		ProfilesActive,
		RemainingBudgetSeconds,
		BroadcastEventsTotal,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})

	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: mux,
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Handler exposes the server's routes
func (s *Server) Handler() http.Handler {
	return s.server.Handler
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
