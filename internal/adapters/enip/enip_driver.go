// Package enip reads Logix tags over EtherNet/IP explicit messaging.
package enip

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sort"
	"sync"
	"syscall"
	"time"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

const (
	defaultPort = "44818"
	// tags per Multiple Service Packet, keeps requests under the
	// 504-byte unconnected message limit for typical tag names
	tagsPerRequest = 16
)

type Driver struct {
	dev   domain.Device
	paths map[string][]byte

	mu      sync.Mutex
	conn    net.Conn
	session uint32
	dialer  func(ctx context.Context, addr string) (net.Conn, error)
}

func NewDriver(dev domain.Device) (*Driver, error) {
	if dev.Protocol != domain.ProtocolEtherNetIP {
		return nil, fmt.Errorf("%w: ethernet/ip driver cannot serve protocol %q", domain.ErrConfig, dev.Protocol)
	}
	paths := make(map[string][]byte, len(dev.Sensors))
	for name, sc := range dev.Sensors {
		p, err := tagPath(sc.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: sensor %s: %v", domain.ErrConfig, name, err)
		}
		paths[name] = p
	}
	var nd net.Dialer
	return &Driver{dev: dev, paths: paths, dialer: func(ctx context.Context, addr string) (net.Conn, error) {
		return nd.DialContext(ctx, "tcp", addr)
	}}, nil
}

func (d *Driver) address() string {
	if _, _, err := net.SplitHostPort(d.dev.Endpoint); err == nil {
		return d.dev.Endpoint
	}
	return net.JoinHostPort(d.dev.Endpoint, defaultPort)
}

func (d *Driver) timeout() time.Duration {
	if d.dev.ReadTimeout > 0 {
		return d.dev.ReadTimeout
	}
	return time.Second
}

func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()

	conn, err := d.dialer(ctx, d.address())
	if err != nil {
		return fmt.Errorf("%w: enip dial %s: %v", domain.ErrConnection, d.address(), err)
	}
	d.conn = conn

	hdr, _, err := d.roundTrip(ctx, encapHeader{Command: cmdRegisterSession}, []byte{0x01, 0x00, 0x00, 0x00})
	if err != nil {
		d.closeLocked()
		return fmt.Errorf("%w: enip register session: %v", domain.ErrConnection, err)
	}
	if hdr.Status != 0 || hdr.Session == 0 {
		d.closeLocked()
		return fmt.Errorf("%w: enip register session status 0x%X", domain.ErrConnection, hdr.Status)
	}
	d.session = hdr.Session
	return nil
}

func (d *Driver) roundTrip(ctx context.Context, hdr encapHeader, body []byte) (encapHeader, []byte, error) {
	deadline := time.Now().Add(d.timeout())
	if dl, ok := ctx.Deadline(); ok && dl.Before(deadline) {
		deadline = dl
	}
	if err := d.conn.SetDeadline(deadline); err != nil {
		return encapHeader{}, nil, err
	}

	hdr.Session = d.session
	if _, err := d.conn.Write(hdr.marshal(body)); err != nil {
		return encapHeader{}, nil, err
	}

	var raw [encapHeaderLen]byte
	if _, err := io.ReadFull(d.conn, raw[:]); err != nil {
		return encapHeader{}, nil, err
	}
	reply := parseEncapHeader(raw[:])
	data := make([]byte, reply.Length)
	if _, err := io.ReadFull(d.conn, data); err != nil {
		return encapHeader{}, nil, err
	}
	if reply.Command != hdr.Command {
		return encapHeader{}, nil, fmt.Errorf("reply command 0x%04X, sent 0x%04X", reply.Command, hdr.Command)
	}
	return reply, data, nil
}

// Read sends the requested tags as Multiple Service Packets. A CIP error on
// one tag invalidates only that sensor.
func (d *Driver) Read(ctx context.Context, sensors map[string]domain.SensorConfig) ([]ports.RawValue, error) {
	names := make([]string, 0, len(sensors))
	for name := range sensors {
		names = append(names, name)
	}
	sort.Strings(names)

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.conn == nil {
		return nil, fmt.Errorf("%w: enip %s not connected", domain.ErrConnection, d.dev.ID)
	}

	out := make([]ports.RawValue, 0, len(names))
	for start := 0; start < len(names); start += tagsPerRequest {
		end := start + tagsPerRequest
		if end > len(names) {
			end = len(names)
		}
		chunk := names[start:end]
		vals, err := d.readChunk(ctx, chunk, sensors)
		if err != nil {
			err = classify(err)
			if errors.Is(err, domain.ErrConnection) {
				d.closeLocked()
				return nil, err
			}
			if errors.Is(err, domain.ErrReadTimeout) {
				// a late reply would desync the stream; drop it and fail the rest
				d.closeLocked()
				for _, name := range names[start:] {
					out = append(out, ports.RawValue{Name: name, Err: err})
				}
				break
			}
			for _, name := range chunk {
				out = append(out, ports.RawValue{Name: name, Err: err})
			}
			continue
		}
		out = append(out, vals...)
	}
	return out, nil
}

func (d *Driver) readChunk(ctx context.Context, names []string, sensors map[string]domain.SensorConfig) ([]ports.RawValue, error) {
	reqs := make([][]byte, len(names))
	for i, name := range names {
		p, ok := d.paths[name]
		if !ok {
			var err error
			if p, err = tagPath(sensors[name].Address); err != nil {
				return nil, fmt.Errorf("%w: sensor %s: %v", domain.ErrConfig, name, err)
			}
		}
		reqs[i] = readTagRequest(p)
	}

	mr := unconnectedSend(multipleServiceRequest(reqs), byte(d.dev.Slot))
	hdr, body, err := d.roundTrip(ctx, encapHeader{Command: cmdSendRRData}, sendRRDataBody(mr, uint16(d.timeout()/time.Second)))
	if err != nil {
		return nil, err
	}
	if hdr.Status != 0 {
		return nil, fmt.Errorf("encapsulation status 0x%X", hdr.Status)
	}
	item, err := unconnectedData(body)
	if err != nil {
		return nil, err
	}
	reply, err := parseReply(item)
	if err != nil {
		return nil, err
	}
	if reply.service != svcMultipleService|svcReplyMask {
		return nil, fmt.Errorf("unexpected reply service 0x%02X status 0x%02X", reply.service, reply.status)
	}
	if reply.status != statusSuccess && reply.status != statusEmbeddedFail {
		return nil, fmt.Errorf("multiple service status 0x%02X", reply.status)
	}

	parts, err := splitMultipleReply(reply.data, len(names))
	if err != nil {
		return nil, err
	}
	out := make([]ports.RawValue, len(names))
	for i, part := range parts {
		out[i].Name = names[i]
		r, err := parseReply(part)
		if err != nil {
			out[i].Err = err
			continue
		}
		if r.status != statusSuccess {
			out[i].Err = fmt.Errorf("tag %s: CIP status 0x%02X", sensors[names[i]].Address, r.status)
			continue
		}
		out[i].Value, out[i].Err = decodeValue(r.data)
	}
	return out, nil
}

func classify(err error) error {
	if errors.Is(err, domain.ErrConfig) {
		return err
	}
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrReadTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, io.ErrClosedPipe) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	return err
}

func (d *Driver) closeLocked() {
	if d.conn == nil {
		return
	}
	if d.session != 0 {
		_ = d.conn.SetWriteDeadline(time.Now().Add(100 * time.Millisecond))
		_, _ = d.conn.Write(encapHeader{Command: cmdUnregisterSession, Session: d.session}.marshal(nil))
	}
	_ = d.conn.Close()
	d.conn = nil
	d.session = 0
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.closeLocked()
	return nil
}

var _ ports.Driver = (*Driver)(nil)
