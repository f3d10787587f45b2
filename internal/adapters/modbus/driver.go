// Package modbus reads Modbus TCP and RTU devices with batched block reads.
package modbus

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"syscall"
	"time"

	"github.com/goburrow/modbus"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

// blockReader is the read half of modbus.Client.
type blockReader interface {
	ReadCoils(address, quantity uint16) ([]byte, error)
	ReadDiscreteInputs(address, quantity uint16) ([]byte, error)
	ReadHoldingRegisters(address, quantity uint16) ([]byte, error)
	ReadInputRegisters(address, quantity uint16) ([]byte, error)
}

type transport interface {
	Connect() error
	Close() error
}

type Driver struct {
	dev domain.Device

	mu        sync.Mutex
	transport transport
	client    blockReader
	dial      func(domain.Device) (transport, blockReader)
}

// NewDriver validates the register map and prepares a TCP or RTU handler
// depending on the device protocol. No connection is opened.
func NewDriver(dev domain.Device) (*Driver, error) {
	if dev.Protocol != domain.ProtocolModbusTCP && dev.Protocol != domain.ProtocolModbusRTU {
		return nil, fmt.Errorf("%w: modbus driver cannot serve protocol %q", domain.ErrConfig, dev.Protocol)
	}
	if _, err := plan(dev.Sensors); err != nil {
		return nil, err
	}
	return &Driver{dev: dev, dial: dialHandler}, nil
}

func dialHandler(dev domain.Device) (transport, blockReader) {
	timeout := dev.ReadTimeout
	if timeout <= 0 {
		timeout = time.Second
	}

	if dev.Protocol == domain.ProtocolModbusRTU {
		h := modbus.NewRTUClientHandler(dev.Endpoint)
		h.SlaveId = dev.UnitID
		h.Timeout = timeout
		h.IdleTimeout = 0
		h.BaudRate = orDefault(dev.Serial.BaudRate, 9600)
		h.DataBits = orDefault(dev.Serial.DataBits, 8)
		h.StopBits = orDefault(dev.Serial.StopBits, 1)
		h.Parity = dev.Serial.Parity
		if h.Parity == "" {
			h.Parity = "N"
		}
		return h, modbus.NewClient(h)
	}

	h := modbus.NewTCPClientHandler(dev.Endpoint)
	h.SlaveId = dev.UnitID
	h.Timeout = timeout
	h.IdleTimeout = 0
	return h, modbus.NewClient(h)
}

func orDefault(v, def int) int {
	if v == 0 {
		return def
	}
	return v
}

func (d *Driver) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.transport != nil {
		_ = d.transport.Close()
	}
	t, c := d.dial(d.dev)
	if err := t.Connect(); err != nil {
		return fmt.Errorf("%w: modbus connect %s: %v", domain.ErrConnection, d.dev.Endpoint, err)
	}
	d.transport, d.client = t, c
	return nil
}

// Read issues one request per planned block. A Modbus exception or timeout
// invalidates only the sensors of that block.
func (d *Driver) Read(ctx context.Context, sensors map[string]domain.SensorConfig) ([]ports.RawValue, error) {
	blocks, err := plan(sensors)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil, fmt.Errorf("%w: modbus %s not connected", domain.ErrConnection, d.dev.ID)
	}

	out := make([]ports.RawValue, 0, len(sensors))
	for _, b := range blocks {
		if err := ctx.Err(); err != nil {
			out = appendFailed(out, b, fmt.Errorf("%w: %v", domain.ErrReadTimeout, err))
			continue
		}

		data, err := d.readBlock(b)
		if err != nil {
			err = classify(err)
			if errors.Is(err, domain.ErrConnection) {
				return nil, err
			}
			out = appendFailed(out, b, err)
			continue
		}
		for _, p := range b.points {
			v, err := decode(b, p, data)
			out = append(out, ports.RawValue{Name: p.name, Value: v, Err: err})
		}
	}
	return out, nil
}

func (d *Driver) readBlock(b block) ([]byte, error) {
	switch b.kind {
	case kindInput:
		return d.client.ReadInputRegisters(b.start, b.length)
	case kindCoil:
		return d.client.ReadCoils(b.start, b.length)
	case kindDiscrete:
		return d.client.ReadDiscreteInputs(b.start, b.length)
	default:
		return d.client.ReadHoldingRegisters(b.start, b.length)
	}
}

func appendFailed(out []ports.RawValue, b block, err error) []ports.RawValue {
	for _, p := range b.points {
		out = append(out, ports.RawValue{Name: p.name, Err: err})
	}
	return out
}

func classify(err error) error {
	var mbErr *modbus.ModbusError
	if errors.As(err, &mbErr) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrReadTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) || errors.Is(err, syscall.ECONNREFUSED) {
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	return err
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.transport == nil {
		return nil
	}
	err := d.transport.Close()
	d.transport, d.client = nil, nil
	return err
}

var _ ports.Driver = (*Driver)(nil)
