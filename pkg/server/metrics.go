package server

import (
	"encoding/json"
	"log/slog"
	"sync/atomic"
	"time"
)

// Metrics tracks server runtime statistics.
// All counters use atomic operations for lock-free concurrent access.
type Metrics struct {
	startTime time.Time

	// Connection counters
	TotalConnections  atomic.Int64 // lifetime TCP event connections accepted
	ActiveConnections atomic.Int64 // current active event connections
	FailedAuths       atomic.Int64 // failed authentication attempts
	SuccessfulAuths   atomic.Int64 // successful authentication attempts
	TotalDisconnects  atomic.Int64 // total client disconnects (clean + unclean)
	SlowConsumerDrops atomic.Int64 // connections dropped on write timeout

	// Event counters
	EventsIn       atomic.Int64 // frames received and dispatched
	EventsOut      atomic.Int64 // frames broadcast to clients
	EventsRejected atomic.Int64 // frames answered with ERROR

	// Message counters
	MessagesCreated atomic.Int64 // messages appended during this run
	MessagesEdited  atomic.Int64 // message edits during this run
	MessagesDeleted atomic.Int64 // soft deletions during this run
	ReactionEvents  atomic.Int64 // reaction adds and removals

	// Channel counters
	ChannelsCreated atomic.Int64 // channels created during this run
	ChannelsDeleted atomic.Int64 // channels deleted during this run

	// Voice counters
	VoicePacketsIn      atomic.Int64 // total UDP voice datagrams received
	VoicePacketsOut     atomic.Int64 // total UDP voice datagrams forwarded
	VoicePacketsDropped atomic.Int64 // datagrams from non-participants
	VoiceBytesIn        atomic.Int64 // total voice bytes received
	VoiceBytesOut       atomic.Int64 // total voice bytes forwarded
}

// NewMetrics creates a new Metrics instance with the start time set to now.
func NewMetrics() *Metrics {
	return &Metrics{
		startTime: time.Now(),
	}
}

// MetricsSnapshot is a point-in-time view of all metrics as a serializable struct.
type MetricsSnapshot struct {
	Uptime        string `json:"uptime"`
	UptimeSeconds int64  `json:"uptime_seconds"`

	ActiveConnections int64 `json:"active_connections"`
	TotalConnections  int64 `json:"total_connections"`
	SuccessfulAuths   int64 `json:"successful_auths"`
	FailedAuths       int64 `json:"failed_auths"`
	TotalDisconnects  int64 `json:"total_disconnects"`
	SlowConsumerDrops int64 `json:"slow_consumer_drops"`

	EventsIn       int64 `json:"events_in"`
	EventsOut      int64 `json:"events_out"`
	EventsRejected int64 `json:"events_rejected"`

	MessagesCreated int64 `json:"messages_created"`
	MessagesEdited  int64 `json:"messages_edited"`
	MessagesDeleted int64 `json:"messages_deleted"`
	ReactionEvents  int64 `json:"reaction_events"`

	ChannelsCreated int64 `json:"channels_created"`
	ChannelsDeleted int64 `json:"channels_deleted"`

	VoicePacketsIn      int64 `json:"voice_packets_in"`
	VoicePacketsOut     int64 `json:"voice_packets_out"`
	VoicePacketsDropped int64 `json:"voice_packets_dropped"`
	VoiceBytesIn        int64 `json:"voice_bytes_in"`
	VoiceBytesOut       int64 `json:"voice_bytes_out"`
}

// Snapshot returns a read-consistent snapshot of all metrics.
func (m *Metrics) Snapshot() MetricsSnapshot {
	uptime := time.Since(m.startTime)
	return MetricsSnapshot{
		Uptime:              uptime.Truncate(time.Second).String(),
		UptimeSeconds:       int64(uptime.Seconds()),
		ActiveConnections:   m.ActiveConnections.Load(),
		TotalConnections:    m.TotalConnections.Load(),
		SuccessfulAuths:     m.SuccessfulAuths.Load(),
		FailedAuths:         m.FailedAuths.Load(),
		TotalDisconnects:    m.TotalDisconnects.Load(),
		SlowConsumerDrops:   m.SlowConsumerDrops.Load(),
		EventsIn:            m.EventsIn.Load(),
		EventsOut:           m.EventsOut.Load(),
		EventsRejected:      m.EventsRejected.Load(),
		MessagesCreated:     m.MessagesCreated.Load(),
		MessagesEdited:      m.MessagesEdited.Load(),
		MessagesDeleted:     m.MessagesDeleted.Load(),
		ReactionEvents:      m.ReactionEvents.Load(),
		ChannelsCreated:     m.ChannelsCreated.Load(),
		ChannelsDeleted:     m.ChannelsDeleted.Load(),
		VoicePacketsIn:      m.VoicePacketsIn.Load(),
		VoicePacketsOut:     m.VoicePacketsOut.Load(),
		VoicePacketsDropped: m.VoicePacketsDropped.Load(),
		VoiceBytesIn:        m.VoiceBytesIn.Load(),
		VoiceBytesOut:       m.VoiceBytesOut.Load(),
	}
}

// JSON returns the metrics snapshot as a JSON string.
func (m *Metrics) JSON() string {
	data, err := json.MarshalIndent(m.Snapshot(), "", "  ")
	if err != nil {
		return "{}"
	}
	return string(data)
}

// LogSummary writes a periodic metrics summary to the logger.
func (m *Metrics) LogSummary() {
	s := m.Snapshot()
	slog.Info("metrics",
		"uptime", s.Uptime,
		"connections", s.ActiveConnections,
		"total_connections", s.TotalConnections,
		"events_in", s.EventsIn,
		"events_out", s.EventsOut,
		"messages", s.MessagesCreated,
		"voice_pkts_in", s.VoicePacketsIn,
		"voice_pkts_out", s.VoicePacketsOut,
	)
}

// StartPeriodicLog starts a goroutine that logs metrics every interval.
// It stops when the done channel is closed.
func (m *Metrics) StartPeriodicLog(interval time.Duration, done <-chan struct{}) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-done:
				return
			case <-ticker.C:
				m.LogSummary()
			}
		}
	}()
}
