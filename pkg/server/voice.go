package server

import (
	"fmt"
	"log/slog"
	"net"
)

// maxVoiceDatagram bounds one relayed voice datagram. Payloads are opaque
// to the server; anything that fits in the buffer is forwarded as-is.
const maxVoiceDatagram = 4096

// StartVoice starts the UDP voice relay.
func (s *Server) StartVoice() error {
	addr, err := net.ResolveUDPAddr("udp", s.cfg.VoiceAddr)
	if err != nil {
		return fmt.Errorf("server: resolve voice addr: %w", err)
	}

	conn, err := net.ListenUDP("udp", addr)
	if err != nil {
		return fmt.Errorf("server: listen voice: %w", err)
	}
	s.voiceConn = conn

	// Increase UDP buffer size for better performance
	if err := conn.SetReadBuffer(1024 * 1024); err != nil {
		slog.Warn("failed to set UDP read buffer", "err", err)
	}
	if err := conn.SetWriteBuffer(1024 * 1024); err != nil {
		slog.Warn("failed to set UDP write buffer", "err", err)
	}

	slog.Info("voice relay listening", "addr", conn.LocalAddr())

	go s.voiceLoop()
	return nil
}

// voiceLoop reads UDP datagrams and forwards each one, unmodified, to the
// other participants of the sender's voice channel. The source address is
// the only credential: datagrams from addresses no VOICE_JOIN registered
// are dropped silently.
func (s *Server) voiceLoop() {
	buf := make([]byte, maxVoiceDatagram)

	for {
		select {
		case <-s.ctx.Done():
			return
		default:
		}

		n, remoteAddr, err := s.voiceConn.ReadFromUDP(buf)
		if err != nil {
			select {
			case <-s.ctx.Done():
				return
			default:
				slog.Error("voice read error", "err", err)
				continue
			}
		}

		s.metrics.VoicePacketsIn.Add(1)
		s.metrics.VoiceBytesIn.Add(int64(n))

		peers, ok := s.state.VoicePeers(remoteAddr)
		if !ok {
			s.metrics.VoicePacketsDropped.Add(1)
			continue // not a registered participant, discard
		}

		pkt := buf[:n] // forward raw bytes, no inspection

		for _, peer := range peers {
			if _, err := s.voiceConn.WriteToUDP(pkt, peer); err != nil {
				slog.Debug("voice forward error", "target", peer, "err", err)
				continue
			}
			s.metrics.VoicePacketsOut.Add(1)
			s.metrics.VoiceBytesOut.Add(int64(n))
		}
	}
}
