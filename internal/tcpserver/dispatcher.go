package tcpserver

import (
	"context"
	"net"
	"sync"

	"go.uber.org/zap"

	"github.com/sahinler/edgescale/internal/scale"
	"github.com/sahinler/edgescale/internal/types"
)

// ackResponse is the only byte sequence a scale ever receives: the answer
// to both the transfer prompt and a stored weighing record.
var ackResponse = []byte("OK\n")

// Registrar receives the device-lifecycle side of the protocol. Satisfied
// by the device registry.
type Registrar interface {
	RegisterDevice(ctx context.Context, socketID, scaleNumber, sourceIP string, devType types.DeviceType) (*types.Device, error)
	OnHeartbeat(ctx context.Context, socketID string) error
	OnEvent(ctx context.Context, socketID string) error
	DisconnectDevice(ctx context.Context, socketID, reason string)
	DeviceBySocket(socketID string) (*types.Device, bool)
}

// WeighingSink consumes parsed weighing records. Satisfied by the event
// processor.
type WeighingSink interface {
	Process(ctx context.Context, deviceID, sourceIP string, w *scale.Weighing) (*types.WeighingEvent, error)
}

// Sender writes to a live socket. Satisfied by the Server.
type Sender interface {
	Send(socketID string, data []byte) bool
}

// SenderFunc adapts a function to the Sender interface.
type SenderFunc func(socketID string, data []byte) bool

func (f SenderFunc) Send(socketID string, data []byte) bool { return f(socketID, data) }

// Dispatcher is the protocol glue between the front-end and the pipeline:
// it runs the parser over incoming bytes and routes each packet.
type Dispatcher struct {
	ctx      context.Context
	parser   *scale.Parser
	registry Registrar
	sink     WeighingSink
	sender   Sender
	logger   *zap.Logger

	mu      sync.Mutex
	remotes map[string]string // socket ID -> peer IP
}

// NewDispatcher wires the parser to the registry and processor. ctx bounds
// the store and bus work triggered by packets; it should be the process
// run context.
func NewDispatcher(ctx context.Context, parser *scale.Parser, registry Registrar, sink WeighingSink, sender Sender, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		ctx:      ctx,
		parser:   parser,
		registry: registry,
		sink:     sink,
		sender:   sender,
		logger:   logger.Named("dispatch"),
		remotes:  make(map[string]string),
	}
}

func (d *Dispatcher) OnOpen(socketID, remoteAddr string) {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		host = remoteAddr
	}
	d.mu.Lock()
	d.remotes[socketID] = host
	d.mu.Unlock()
}

func (d *Dispatcher) OnData(socketID string, data []byte) {
	packets, errs := d.parser.Parse(socketID, data)
	for _, perr := range errs {
		// Parse errors never drop the connection.
		d.logger.Warn("unparseable scale data",
			zap.String("socket", socketID), zap.Error(perr))
	}
	for _, p := range packets {
		d.dispatch(socketID, p)
	}
}

func (d *Dispatcher) OnClose(socketID, reason string) {
	d.parser.Release(socketID)
	d.mu.Lock()
	delete(d.remotes, socketID)
	d.mu.Unlock()
	d.registry.DisconnectDevice(d.ctx, socketID, reason)
}

func (d *Dispatcher) OnError(socketID string, err error) {
	d.logger.Warn("socket error", zap.String("socket", socketID), zap.Error(err))
}

func (d *Dispatcher) dispatch(socketID string, p scale.Packet) {
	switch pkt := p.(type) {
	case scale.Registration:
		if _, err := d.registry.RegisterDevice(d.ctx, socketID, pkt.ScaleNumber, d.remote(socketID), ""); err != nil {
			d.logger.Error("registration failed",
				zap.String("socket", socketID),
				zap.String("scale", pkt.ScaleNumber),
				zap.Error(err))
		}
	case scale.Heartbeat:
		if err := d.registry.OnHeartbeat(d.ctx, socketID); err != nil {
			d.logger.Warn("heartbeat from unregistered socket",
				zap.String("socket", socketID), zap.Error(err))
		}
	case scale.AckRequest:
		d.sender.Send(socketID, ackResponse)
	case scale.Weighing:
		d.handleWeighing(socketID, pkt)
	case scale.Unknown:
		d.logger.Warn("unrecognized line",
			zap.String("socket", socketID),
			zap.String("reason", pkt.Reason),
			zap.String("line", pkt.RawLine))
	}
}

func (d *Dispatcher) handleWeighing(socketID string, pkt scale.Weighing) {
	device, ok := d.registry.DeviceBySocket(socketID)
	if !ok {
		d.logger.Warn("weighing from unregistered socket, dropped",
			zap.String("socket", socketID))
		return
	}
	if err := d.registry.OnEvent(d.ctx, socketID); err != nil {
		d.logger.Warn("activity update failed",
			zap.String("device", device.ID), zap.Error(err))
	}
	if _, err := d.sink.Process(d.ctx, device.ID, d.remote(socketID), &pkt); err != nil {
		d.logger.Error("weighing processing failed",
			zap.String("device", device.ID), zap.Error(err))
		return
	}
	// Acknowledge receipt even for duplicates; the scale only needs to
	// know the record arrived.
	d.sender.Send(socketID, ackResponse)
}

func (d *Dispatcher) remote(socketID string) string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.remotes[socketID]
}
