package server

import (
	"fmt"
	"log/slog"
	"net/http"
	"time"
)

// StartMetricsHTTP starts a lightweight HTTP server that exposes /metrics
// in Prometheus text exposition format. It runs in the background and
// shuts down when the server context is cancelled.
func (s *Server) StartMetricsHTTP() {
	addr := s.cfg.MetricsAddr
	if addr == "" {
		return // metrics endpoint disabled
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/metrics", s.handleMetrics)
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok\n"))
	})

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		slog.Info("metrics HTTP listening", "addr", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			slog.Error("metrics HTTP error", "err", err)
		}
	}()

	go func() {
		<-s.ctx.Done()
		_ = srv.Close()
	}()
}

// handleMetrics writes all metrics in Prometheus text exposition format.
func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	m := s.metrics
	uptime := time.Since(m.startTime).Seconds()

	w.Header().Set("Content-Type", "text/plain; version=0.0.4; charset=utf-8")

	// Write errors to http.ResponseWriter are non-actionable; suppress errcheck.
	write := func(name, help, mtype string, value int64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %d\n", name, value)
	}
	writeFloat := func(name, help, mtype string, value float64) {
		_, _ = fmt.Fprintf(w, "# HELP %s %s\n", name, help)
		_, _ = fmt.Fprintf(w, "# TYPE %s %s\n", name, mtype)
		_, _ = fmt.Fprintf(w, "%s %f\n", name, value)
	}

	writeFloat("parley_uptime_seconds", "Server uptime in seconds.", "gauge", uptime)

	write("parley_connections_active", "Current active event connections.", "gauge",
		m.ActiveConnections.Load())
	write("parley_connections_total", "Lifetime TCP event connections accepted.", "counter",
		m.TotalConnections.Load())
	write("parley_disconnects_total", "Total client disconnects.", "counter",
		m.TotalDisconnects.Load())
	write("parley_slow_consumer_drops_total", "Connections dropped on write timeout.", "counter",
		m.SlowConsumerDrops.Load())

	write("parley_auth_success_total", "Successful authentication attempts.", "counter",
		m.SuccessfulAuths.Load())
	write("parley_auth_failed_total", "Failed authentication attempts.", "counter",
		m.FailedAuths.Load())

	write("parley_events_in_total", "Frames received and dispatched.", "counter",
		m.EventsIn.Load())
	write("parley_events_out_total", "Frames broadcast to clients.", "counter",
		m.EventsOut.Load())
	write("parley_events_rejected_total", "Frames answered with ERROR.", "counter",
		m.EventsRejected.Load())

	write("parley_messages_created_total", "Messages appended.", "counter",
		m.MessagesCreated.Load())
	write("parley_messages_edited_total", "Message edits.", "counter",
		m.MessagesEdited.Load())
	write("parley_messages_deleted_total", "Message soft deletions.", "counter",
		m.MessagesDeleted.Load())
	write("parley_reaction_events_total", "Reaction adds and removals.", "counter",
		m.ReactionEvents.Load())

	write("parley_channels_created_total", "Channels created.", "counter",
		m.ChannelsCreated.Load())
	write("parley_channels_deleted_total", "Channels deleted.", "counter",
		m.ChannelsDeleted.Load())

	write("parley_voice_packets_in_total", "Total UDP voice datagrams received.", "counter",
		m.VoicePacketsIn.Load())
	write("parley_voice_packets_out_total", "Total UDP voice datagrams forwarded.", "counter",
		m.VoicePacketsOut.Load())
	write("parley_voice_packets_dropped_total", "Datagrams from non-participants.", "counter",
		m.VoicePacketsDropped.Load())
	write("parley_voice_bytes_in_total", "Total voice bytes received.", "counter",
		m.VoiceBytesIn.Load())
	write("parley_voice_bytes_out_total", "Total voice bytes forwarded.", "counter",
		m.VoiceBytesOut.Load())
}
