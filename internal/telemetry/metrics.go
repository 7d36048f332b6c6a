package telemetry

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/sahinler/edgescale/internal/eventbus"
)

const pipelineScopeName = "github.com/sahinler/edgescale/pipeline"

// ConnStats exposes the TCP front-end byte counters. Satisfied by the
// server's Stats method return value via a closure in RegisterPipeline.
type ConnStats interface {
	BytesIn() int64
	BytesOut() int64
	ActiveConnections() int64
}

// RegisterPipeline subscribes counters for the event pipeline to the bus
// and registers observable gauges over the TCP front-end. A no-op when
// telemetry is disabled.
func RegisterPipeline(bus *eventbus.Bus, conns ConnStats) error {
	if !Enabled() || bus == nil {
		return nil
	}
	m := Meter(pipelineScopeName)

	captured, err := m.Int64Counter("edged.events.captured",
		metric.WithDescription("Weighing events persisted"))
	if err != nil {
		return err
	}
	synced, err := m.Int64Counter("edged.events.synced",
		metric.WithDescription("Weighing events delivered to the cloud"))
	if err != nil {
		return err
	}
	failed, err := m.Int64Counter("edged.events.failed",
		metric.WithDescription("Weighing event deliveries that exhausted retries"))
	if err != nil {
		return err
	}
	transitions, err := m.Int64Counter("edged.device.transitions",
		metric.WithDescription("Device status transitions"))
	if err != nil {
		return err
	}

	bus.Subscribe("telemetry", func(ctx context.Context, e *eventbus.Event) error {
		attrs := metric.WithAttributes(attribute.String("device", e.DeviceID))
		switch e.Type {
		case eventbus.EventCaptured:
			offline := e.Weighing != nil && e.Weighing.OfflineMode
			captured.Add(ctx, 1, attrs,
				metric.WithAttributes(attribute.Bool("offline", offline)))
		case eventbus.EventSynced:
			synced.Add(ctx, 1, attrs)
		case eventbus.EventFailed:
			failed.Add(ctx, 1, attrs)
		default:
			transitions.Add(ctx, 1, attrs,
				metric.WithAttributes(attribute.String("transition", string(e.Type))))
		}
		return nil
	},
		eventbus.EventCaptured, eventbus.EventSynced, eventbus.EventFailed,
		eventbus.DeviceOnline, eventbus.DeviceIdle, eventbus.DeviceStale,
		eventbus.DeviceDisconnected)

	if conns == nil {
		return nil
	}
	_, err = m.Int64ObservableGauge("edged.tcp.bytes_in",
		metric.WithDescription("Bytes received from scales"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			o.Observe(conns.BytesIn())
			return nil
		}))
	if err != nil {
		return err
	}
	_, err = m.Int64ObservableGauge("edged.tcp.bytes_out",
		metric.WithDescription("Bytes written to scales"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			o.Observe(conns.BytesOut())
			return nil
		}))
	if err != nil {
		return err
	}
	_, err = m.Int64ObservableGauge("edged.tcp.connections",
		metric.WithDescription("Live scale connections"),
		metric.WithInt64Callback(func(ctx context.Context, o metric.Int64Observer) error {
			o.Observe(conns.ActiveConnections())
			return nil
		}))
	return err
}
