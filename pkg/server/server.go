// Package server implements the Parley event and session engine: the TCP
// event endpoint, session gate, broadcast fanout and UDP voice relay.
package server

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/parley-chat/parley/pkg/datastore"
	"github.com/parley-chat/parley/pkg/state"
)

// Config holds server configuration.
type Config struct {
	ListenAddr    string // TCP event endpoint bind address (e.g. ":8765")
	VoiceAddr     string // UDP voice relay bind address (e.g. ":5000")
	MetricsAddr   string // HTTP bind address for /metrics (empty = disabled)
	DBPath        string // SQLite database path
	CommunityName string // community display name
	BootstrapFile string // YAML file seeding channels and users on startup

	// WriteTimeout bounds a single outbound frame write; a consumer that
	// cannot absorb a write within it is disconnected.
	WriteTimeout time.Duration
}

// DefaultConfig returns a config with sensible defaults.
func DefaultConfig() Config {
	return Config{
		ListenAddr:    ":8765",
		VoiceAddr:     ":5000",
		MetricsAddr:   ":8766",
		DBPath:        "parley.db",
		CommunityName: "Parley",
		WriteTimeout:  5 * time.Second,
	}
}

// Dependencies holds external collaborators. The server assumes ownership
// of Store and closes it on shutdown.
type Dependencies struct {
	Store datastore.DataStore
}

// Server is the Parley community server.
type Server struct {
	cfg      Config
	state    *state.State
	sessions *SessionManager
	metrics  *Metrics
	store    datastore.DataStore

	connMu sync.RWMutex
	conns  map[uint64]*conn

	// fanoutMu serializes mutation+persist+broadcast sequences so every
	// connection observes channel events in mutation order.
	fanoutMu sync.Mutex

	listener  net.Listener
	voiceConn *net.UDPConn

	ctx    context.Context
	cancel context.CancelFunc
}

// New creates a Server around an existing community state.
func New(cfg Config, st *state.State, deps Dependencies) *Server {
	if cfg.WriteTimeout <= 0 {
		cfg.WriteTimeout = DefaultConfig().WriteTimeout
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Server{
		cfg:      cfg,
		state:    st,
		sessions: NewSessionManager(),
		metrics:  NewMetrics(),
		store:    deps.Store,
		conns:    make(map[uint64]*conn),
		ctx:      ctx,
		cancel:   cancel,
	}
}

// State returns the community state.
func (s *Server) State() *state.State {
	return s.state
}

// Sessions returns the session manager.
func (s *Server) Sessions() *SessionManager {
	return s.sessions
}

// Metrics returns the server metrics.
func (s *Server) Metrics() *Metrics {
	return s.metrics
}
