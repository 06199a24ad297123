package server

import (
	"log/slog"

	"github.com/parley-chat/parley/pkg/protocol"
)

// Broadcast encodes one event and writes it to every authenticated
// connection. The frame is encoded once; each write runs under that
// connection's own write lock and deadline, so a stalled client delays
// nobody else.
//
// Callers that need clients to observe mutations in a single order hold
// s.fanoutMu across the mutation and the Broadcast.
func (s *Server) Broadcast(kind string, payload any) {
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		slog.Error("encode broadcast", "event", kind, "err", err)
		return
	}

	s.connMu.RLock()
	targets := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		if c.session() != nil {
			targets = append(targets, c)
		}
	}
	s.connMu.RUnlock()

	for _, c := range targets {
		if err := c.write(frame); err != nil {
			slog.Debug("broadcast write failed, disconnecting",
				"conn", c.id, "event", kind, "err", err)
			s.metrics.SlowConsumerDrops.Add(1)
			go c.teardown()
			continue
		}
		s.metrics.EventsOut.Add(1)
	}
}
