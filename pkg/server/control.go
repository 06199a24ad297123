package server

import (
	"bufio"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"sync"
	"sync/atomic"
	"time"

	"github.com/parley-chat/parley/pkg/model"
	"github.com/parley-chat/parley/pkg/protocol"
)

var nextConnID atomic.Uint64

// conn is one live client transport. The read loop runs on its own
// goroutine; writes from any goroutine serialize on writeMu.
type conn struct {
	id  uint64
	srv *Server
	nc  net.Conn
	r   *bufio.Reader

	writeMu sync.Mutex

	mu            sync.Mutex
	sess          *Session
	activeChannel string

	closeOnce sync.Once
}

func newConn(srv *Server, nc net.Conn) *conn {
	return &conn{
		id:  nextConnID.Add(1),
		srv: srv,
		nc:  nc,
		r:   bufio.NewReader(nc),
	}
}

// session returns the conn's session, or nil before authentication.
func (c *conn) session() *Session {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sess
}

func (c *conn) setSession(sess *Session) {
	c.mu.Lock()
	c.sess = sess
	c.mu.Unlock()
}

func (c *conn) setActiveChannel(channelID string) {
	c.mu.Lock()
	c.activeChannel = channelID
	c.mu.Unlock()
}

// deliver writes one frame under the write deadline and reports failure
// to the caller. A write failure tears the connection down; it never
// affects other connections.
func (c *conn) deliver(kind string, payload any) error {
	frame, err := protocol.Encode(kind, payload)
	if err != nil {
		return err
	}
	if err := c.write(frame); err != nil {
		c.srv.metrics.SlowConsumerDrops.Add(1)
		go c.teardown()
		return err
	}
	return nil
}

// send is deliver for callers that have no use for the error: replies
// and notifications where a failure only concerns this connection.
func (c *conn) send(kind string, payload any) {
	if err := c.deliver(kind, payload); err != nil {
		slog.Debug("send failed", "conn", c.id, "event", kind, "err", err)
	}
}

func (c *conn) write(frame []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if err := c.nc.SetWriteDeadline(time.Now().Add(c.srv.cfg.WriteTimeout)); err != nil {
		return fmt.Errorf("set write deadline: %w", err)
	}
	if _, err := c.nc.Write(frame); err != nil {
		return err
	}
	return nil
}

// sendError replies with an ERROR frame.
func (c *conn) sendError(reason string) {
	c.send(protocol.EventError, protocol.ErrorPayload{Reason: reason})
}

// teardown releases everything the connection owns: its registry slot,
// its session token, its voice participant records, and the transport.
// Safe to call from any goroutine, any number of times.
func (c *conn) teardown() {
	c.closeOnce.Do(func() {
		s := c.srv

		s.connMu.Lock()
		delete(s.conns, c.id)
		s.connMu.Unlock()

		if sess := c.session(); sess != nil {
			s.state.DropVoice(sess.UserID)
			if s.sessions.Remove(sess.Token) {
				s.state.SetPresence(sess.UserID, model.PresenceOffline)
			}
			slog.Info("client disconnected", "user", sess.Username, "conn", c.id)
		} else {
			slog.Debug("unauthenticated client disconnected", "conn", c.id)
		}

		_ = c.nc.Close()
		s.metrics.ActiveConnections.Add(-1)
		s.metrics.TotalDisconnects.Add(1)
	})
}

// StartControl starts the TCP event listener and accept loop.
func (s *Server) StartControl() error {
	ln, err := net.Listen("tcp", s.cfg.ListenAddr)
	if err != nil {
		return fmt.Errorf("server: listen events: %w", err)
	}
	s.listener = ln
	slog.Info("event endpoint listening", "addr", ln.Addr())

	go func() {
		for {
			nc, err := ln.Accept()
			if err != nil {
				select {
				case <-s.ctx.Done():
					return
				default:
					slog.Error("accept error", "err", err)
					continue
				}
			}
			c := newConn(s, nc)
			s.connMu.Lock()
			s.conns[c.id] = c
			s.connMu.Unlock()
			s.metrics.TotalConnections.Add(1)
			s.metrics.ActiveConnections.Add(1)
			go s.serveConn(c)
		}
	}()

	return nil
}

// serveConn drives one connection's read loop. Frames are processed
// strictly in arrival order; the loop ends on end-of-stream or an
// unrecoverable transport error.
func (s *Server) serveConn(c *conn) {
	defer c.teardown()
	slog.Debug("new connection", "conn", c.id, "remote", c.nc.RemoteAddr())

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		ev, err := protocol.ReadEvent(c.r)
		if err != nil {
			if fatalReadError(err) {
				if !errors.Is(err, io.EOF) {
					slog.Debug("read error", "conn", c.id, "err", err)
				}
				return
			}
			// Undecodable frame: the line was consumed, the stream is
			// still aligned. Tell the client and keep reading.
			c.sendError("malformed event")
			continue
		}

		s.metrics.EventsIn.Add(1)
		s.handleEvent(c, ev)
	}
}

// fatalReadError reports whether a read error ends the connection rather
// than being answered with a malformed-event reply.
func fatalReadError(err error) bool {
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
		return true
	}
	if errors.Is(err, protocol.ErrEventTooLarge) {
		// The oversized line was only partially consumed; framing is lost.
		return true
	}
	var netErr net.Error
	return errors.As(err, &netErr) || errors.Is(err, net.ErrClosed)
}

// peerIP returns the connection's remote IP.
func (c *conn) peerIP() net.IP {
	if addr, ok := c.nc.RemoteAddr().(*net.TCPAddr); ok {
		return addr.IP
	}
	return nil
}

// Shutdown closes the listeners and every live connection.
func (s *Server) Shutdown() {
	s.cancel()
	if s.listener != nil {
		_ = s.listener.Close()
	}
	if s.voiceConn != nil {
		_ = s.voiceConn.Close()
	}

	s.connMu.RLock()
	conns := make([]*conn, 0, len(s.conns))
	for _, c := range s.conns {
		conns = append(conns, c)
	}
	s.connMu.RUnlock()
	for _, c := range conns {
		c.teardown()
	}
}
