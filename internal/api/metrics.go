package api

import (
	"sync/atomic"
	"time"
)

// Metrics collects in-memory server metrics using atomic counters.
type Metrics struct {
	startTime      time.Time
	requests       atomic.Int64
	serverErrors   atomic.Int64
	clientErrors   atomic.Int64
	sessions       atomic.Int64
	partsReceived  atomic.Int64
	partsServed    atomic.Int64
	rowsApplied    atomic.Int64
	conflicts      atomic.Int64
	protocolErrors atomic.Int64
	expired        atomic.Int64
}

// MetricsSnapshot is a point-in-time view of server metrics.
type MetricsSnapshot struct {
	UptimeSeconds   float64 `json:"uptime_seconds"`
	Requests        int64   `json:"requests"`
	ServerErrors    int64   `json:"server_errors"`
	ClientErrors    int64   `json:"client_errors"`
	SessionsOpened  int64   `json:"sessions_opened"`
	PartsReceived   int64   `json:"parts_received"`
	PartsServed     int64   `json:"parts_served"`
	RowsApplied     int64   `json:"rows_applied"`
	Conflicts       int64   `json:"conflicts"`
	ProtocolErrors  int64   `json:"protocol_errors"`
	SessionsExpired int64   `json:"sessions_expired"`
	ActiveSessions  int     `json:"active_sessions"`
}

// NewMetrics creates a new Metrics instance with the current time as start.
func NewMetrics() *Metrics {
	return &Metrics{startTime: time.Now()}
}

// RecordRequest increments the total request counter.
func (m *Metrics) RecordRequest() {
	m.requests.Add(1)
}

// RecordError increments the server error (5xx) counter.
func (m *Metrics) RecordError() {
	m.serverErrors.Add(1)
}

// RecordClientError increments the client error (4xx) counter.
func (m *Metrics) RecordClientError() {
	m.clientErrors.Add(1)
}

func (m *Metrics) RecordSession()          { m.sessions.Add(1) }
func (m *Metrics) RecordPartReceived()     { m.partsReceived.Add(1) }
func (m *Metrics) RecordPartServed()       { m.partsServed.Add(1) }
func (m *Metrics) RecordRowsApplied(n int) { m.rowsApplied.Add(int64(n)) }
func (m *Metrics) RecordConflict()         { m.conflicts.Add(1) }
func (m *Metrics) RecordProtocolError()    { m.protocolErrors.Add(1) }
func (m *Metrics) RecordExpired(n int)     { m.expired.Add(int64(n)) }

// Snapshot returns a point-in-time copy of the metrics. active is the number
// of sessions currently open.
func (m *Metrics) Snapshot(active int) MetricsSnapshot {
	return MetricsSnapshot{
		UptimeSeconds:   time.Since(m.startTime).Seconds(),
		Requests:        m.requests.Load(),
		ServerErrors:    m.serverErrors.Load(),
		ClientErrors:    m.clientErrors.Load(),
		SessionsOpened:  m.sessions.Load(),
		PartsReceived:   m.partsReceived.Load(),
		PartsServed:     m.partsServed.Load(),
		RowsApplied:     m.rowsApplied.Load(),
		Conflicts:       m.conflicts.Load(),
		ProtocolErrors:  m.protocolErrors.Load(),
		SessionsExpired: m.expired.Load(),
		ActiveSessions:  active,
	}
}
