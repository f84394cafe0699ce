// Package watchdog scans platform state for anomalies and emits alerts and
// heartbeats to configured sinks.
package watchdog

import (
	"context"
	"fmt"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/rowanlabs/conveyor/internal/domain"
)

// Severity grades an alert.
type Severity string

const (
	SeverityWarning  Severity = "warning"
	SeverityCritical Severity = "critical"
)

// Alert is one detected anomaly.
type Alert struct {
	Probe    string
	Severity Severity
	Message  string
	Count    int64
}

// Probe inspects one aspect of platform state. An empty slice means all
// clear.
type Probe interface {
	Name() string
	Scan(ctx context.Context) ([]Alert, error)
}

// Heartbeat is the periodic liveness event. Sequence increases
// monotonically for the lifetime of the service.
type Heartbeat struct {
	Sequence int64
	At       time.Time
}

// AlertSink receives alerts and heartbeats. Sink errors are logged, never
// propagated; a broken sink must not stop the scan loop.
type AlertSink interface {
	SendAlert(ctx context.Context, alert Alert) error
	SendHeartbeat(ctx context.Context, hb Heartbeat) error
}

// SlogSink writes alerts and heartbeats to the structured log.
type SlogSink struct{}

// SendAlert logs the alert at its severity.
func (SlogSink) SendAlert(ctx context.Context, alert Alert) error {
	if alert.Severity == SeverityCritical {
		slog.ErrorContext(ctx, "watchdog alert",
			"probe", alert.Probe, "message", alert.Message, "count", alert.Count)
	} else {
		slog.WarnContext(ctx, "watchdog alert",
			"probe", alert.Probe, "message", alert.Message, "count", alert.Count)
	}
	return nil
}

// SendHeartbeat logs the heartbeat at debug.
func (SlogSink) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	slog.DebugContext(ctx, "watchdog heartbeat", "sequence", hb.Sequence)
	return nil
}

// HeartbeatStore persists heartbeats so an external monitor can detect a
// dead worker from the database alone.
type HeartbeatStore interface {
	RecordHeartbeat(ctx context.Context, exporter string, sequence int64) error
}

// StoreSink writes heartbeats to durable storage under a fixed exporter
// name. Alerts pass through untouched; those belong to the logging sink.
type StoreSink struct {
	exporter string
	store    HeartbeatStore
}

// NewStoreSink creates the durable heartbeat sink.
func NewStoreSink(exporter string, store HeartbeatStore) *StoreSink {
	return &StoreSink{exporter: exporter, store: store}
}

// SendAlert is a no-op.
func (*StoreSink) SendAlert(context.Context, Alert) error { return nil }

// SendHeartbeat upserts the heartbeat row.
func (s *StoreSink) SendHeartbeat(ctx context.Context, hb Heartbeat) error {
	return s.store.RecordHeartbeat(ctx, s.exporter, hb.Sequence)
}

// Service runs the scan and heartbeat loops.
type Service struct {
	scanPeriod      time.Duration
	heartbeatPeriod time.Duration
	probes          []Probe
	sinks           []AlertSink

	sequence atomic.Int64
}

// ServiceOption configures a Service.
type ServiceOption func(*Service)

// WithScanPeriod overrides the scan cadence (default: 1 minute).
func WithScanPeriod(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.scanPeriod = d
		}
	}
}

// WithHeartbeatPeriod overrides the heartbeat cadence (default: 15s).
func WithHeartbeatPeriod(d time.Duration) ServiceOption {
	return func(s *Service) {
		if d > 0 {
			s.heartbeatPeriod = d
		}
	}
}

// NewService creates a watchdog over the given probes and sinks.
func NewService(probes []Probe, sinks []AlertSink, opts ...ServiceOption) (*Service, error) {
	if len(sinks) == 0 {
		return nil, fmt.Errorf("%w: at least one alert sink is required", domain.ErrInvalidInput)
	}

	s := &Service{
		scanPeriod:      time.Minute,
		heartbeatPeriod: 15 * time.Second,
		probes:          probes,
		sinks:           sinks,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Start runs both loops until ctx is cancelled.
func (s *Service) Start(ctx context.Context) {
	scan := time.NewTicker(s.scanPeriod)
	heartbeat := time.NewTicker(s.heartbeatPeriod)
	defer scan.Stop()
	defer heartbeat.Stop()

	slog.InfoContext(ctx, "watchdog started",
		"scan_period", s.scanPeriod, "heartbeat_period", s.heartbeatPeriod)

	for {
		select {
		case <-ctx.Done():
			slog.InfoContext(ctx, "watchdog stopped")
			return
		case <-scan.C:
			s.scanOnce(ctx)
		case <-heartbeat.C:
			s.heartbeatOnce(ctx)
		}
	}
}

func (s *Service) scanOnce(ctx context.Context) {
	for _, probe := range s.probes {
		alerts, err := probe.Scan(ctx)
		if err != nil {
			slog.WarnContext(ctx, "watchdog probe failed",
				"probe", probe.Name(), "error", err)
			continue
		}
		for _, alert := range alerts {
			s.fanOutAlert(ctx, alert)
		}
	}
}

func (s *Service) fanOutAlert(ctx context.Context, alert Alert) {
	for _, sink := range s.sinks {
		if err := sink.SendAlert(ctx, alert); err != nil {
			slog.WarnContext(ctx, "alert sink failed",
				"probe", alert.Probe, "error", err)
		}
	}
}

func (s *Service) heartbeatOnce(ctx context.Context) {
	hb := Heartbeat{Sequence: s.sequence.Add(1), At: time.Now().UTC()}
	for _, sink := range s.sinks {
		if err := sink.SendHeartbeat(ctx, hb); err != nil {
			slog.WarnContext(ctx, "heartbeat sink failed", "error", err)
		}
	}
}
