// Package ingest adapts heartbeat transports to the accounting engine. Every
// transport hands raw or decoded payloads to a Dispatcher, which is the only
// place heartbeats enter the engine.
package ingest

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/coder/quartz"

	"worktrack-collector/internal/accounting"
	"worktrack-collector/internal/metrics"
	"worktrack-collector/internal/models"
)

const (
	TransportHTTP  = "http"
	TransportMQTT  = "mqtt"
	TransportKafka = "kafka"
)

// handleTimeout bounds the processing of one broker message.
const handleTimeout = 10 * time.Second

type Sink interface {
	Ingest(ctx context.Context, ev accounting.HeartbeatEvent) (accounting.Result, error)
}

type DeviceRegistry interface {
	Touch(ctx context.Context, d models.Device) error
}

type Dispatcher struct {
	sink    Sink
	devices DeviceRegistry
	clock   quartz.Clock
	log     *slog.Logger
	metrics *metrics.Metrics
}

// NewDispatcher wires a sink and an optional device registry.
func NewDispatcher(sink Sink, devices DeviceRegistry, clock quartz.Clock, log *slog.Logger, m *metrics.Metrics) *Dispatcher {
	if clock == nil {
		clock = quartz.NewReal()
	}
	if log == nil {
		log = slog.Default()
	}
	return &Dispatcher{sink: sink, devices: devices, clock: clock, log: log, metrics: m}
}

// Dispatch normalizes p and hands it to the engine. Only validation errors
// are returned; the device registry is updated best effort.
func (d *Dispatcher) Dispatch(ctx context.Context, transport string, p models.HeartbeatPayload) (accounting.Result, error) {
	ev, err := accounting.EventFromPayload(p, d.clock.Now())
	if err != nil {
		d.metrics.Heartbeat(transport, metrics.ResultRejected)
		return accounting.Result{}, err
	}
	return d.ingest(ctx, transport, ev)
}

// HandleRaw is Dispatch for transports that deliver JSON bytes.
func (d *Dispatcher) HandleRaw(ctx context.Context, transport string, raw []byte) (accounting.Result, error) {
	ev, err := accounting.DecodeHeartbeat(raw, d.clock.Now())
	if err != nil {
		d.metrics.Heartbeat(transport, metrics.ResultRejected)
		return accounting.Result{}, err
	}
	return d.ingest(ctx, transport, ev)
}

func (d *Dispatcher) ingest(ctx context.Context, transport string, ev accounting.HeartbeatEvent) (accounting.Result, error) {
	res, err := d.sink.Ingest(ctx, ev)
	if err != nil {
		d.metrics.Heartbeat(transport, metrics.ResultRejected)
		return res, err
	}
	d.metrics.Heartbeat(transport, metrics.ResultAccepted)

	if d.devices != nil {
		err := d.devices.Touch(ctx, models.Device{
			ID:       ev.DeviceID,
			Name:     ev.Device.Name,
			UserName: ev.Device.UserName,
			OSInfo:   ev.Device.OSInfo,
		})
		if err != nil {
			d.log.Warn("updating device registry failed",
				slog.String("device_id", ev.DeviceID),
				slog.Any("err", err),
			)
		}
	}

	d.log.Debug("heartbeat accepted",
		slog.String("transport", transport),
		slog.String("device_id", res.DeviceID),
		slog.String("logical_day", res.LogicalDay),
		slog.Int("counted", res.Counted),
		slog.Int("total", res.Total),
	)
	return res, nil
}

// rejectLevel logs malformed payloads as warnings; anything else is an error.
func rejectLevel(err error) slog.Level {
	var ve *accounting.ValidationError
	if errors.As(err, &ve) {
		return slog.LevelWarn
	}
	return slog.LevelError
}
