package server

import (
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/parley-chat/parley/pkg/datastore"
	"github.com/parley-chat/parley/pkg/model"
	"github.com/parley-chat/parley/pkg/state"
)

// Run starts the server and blocks until shutdown signal.
func (s *Server) Run() error {
	if s.store == nil {
		return fmt.Errorf("server: missing store dependency")
	}
	defer func() { _ = s.store.Close() }()

	if err := Rehydrate(s.state, s.store); err != nil {
		return err
	}

	// Ensure at least one channel exists so a fresh install is usable.
	if len(s.state.Snapshot()) == 0 {
		ch, err := s.state.CreateChannel("general", model.ChannelText)
		if err != nil {
			return fmt.Errorf("server: create default channel: %w", err)
		}
		if err := s.store.SaveChannel(s.state.CommunityID(), &ch); err != nil {
			return fmt.Errorf("server: persist default channel: %w", err)
		}
		slog.Info("created default general channel")
	}

	// Seed channels and users from YAML bootstrap if provided
	if s.cfg.BootstrapFile != "" {
		if err := LoadBootstrapFromYAML(s.cfg.BootstrapFile, s.state, s.store); err != nil {
			slog.Error("failed to apply bootstrap file", "err", err)
		}
	}

	// Start listeners
	if err := s.StartControl(); err != nil {
		return err
	}
	if err := s.StartVoice(); err != nil {
		return err
	}

	slog.Info("Parley server running",
		"events", s.cfg.ListenAddr,
		"voice", s.cfg.VoiceAddr,
	)

	// Start Prometheus metrics HTTP endpoint
	s.StartMetricsHTTP()

	// Start periodic metrics logging (every 60s)
	s.metrics.StartPeriodicLog(60*time.Second, s.ctx.Done())

	// Wait for shutdown signal
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh

	slog.Info("shutting down...")
	s.Shutdown()
	return nil
}

// Rehydrate loads persisted users, channels and message logs into the
// in-memory state. Standing roles are registered first so rehydrated
// role assignments resolve.
func Rehydrate(st *state.State, store datastore.DataStore) error {
	for _, role := range StandingRoles() {
		st.AddRole(role)
	}

	users, err := store.LoadUsers(st.CommunityID())
	if err != nil {
		return fmt.Errorf("server: load users: %w", err)
	}
	for i := range users {
		u := users[i]
		st.AddUser(&u)
	}

	channels, err := store.LoadChannels(st.CommunityID())
	if err != nil {
		return fmt.Errorf("server: load channels: %w", err)
	}
	messageCount := 0
	for i := range channels {
		ch := channels[i]
		msgs, err := store.LoadMessages(ch.ID)
		if err != nil {
			return fmt.Errorf("server: load messages for %s: %w", ch.ID, err)
		}
		ch.Messages = make([]*model.Message, len(msgs))
		for j := range msgs {
			ch.Messages[j] = &msgs[j]
		}
		messageCount += len(msgs)
		st.AddChannel(&ch)
	}

	slog.Info("state rehydrated",
		"users", len(users),
		"channels", len(channels),
		"messages", messageCount,
	)
	return nil
}
