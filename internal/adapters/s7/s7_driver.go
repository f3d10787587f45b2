// Package s7 reads Siemens S7 data blocks (PROFINET devices addressed over ISO-on-TCP).
package s7

import (
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"math"
	"net"
	"sort"
	"strconv"
	"strings"
	"sync"
	"syscall"
	"time"

	"github.com/robinson/gos7"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

const (
	maxSpanBytes = 1024
	maxGapBytes  = 64
)

type dbReader interface {
	AGReadDB(dbNumber int, start int, size int, buffer []byte) error
}

type transport interface {
	Connect() error
	Close() error
}

type field struct {
	name  string
	db    int
	start int
	bit   int
	kind  string
}

func (f field) size() int {
	switch f.kind {
	case "bool", "byte":
		return 1
	case "int", "word":
		return 2
	case "lreal":
		return 8
	default:
		return 4
	}
}

func (f field) end() int { return f.start + f.size() }

type span struct {
	db     int
	start  int
	size   int
	fields []field
}

func parseField(name string, sc domain.SensorConfig) (field, error) {
	kind := strings.ToLower(sc.Type)
	switch kind {
	case "":
		kind = "real"
	case "real", "lreal", "dint", "int", "word", "dword", "byte", "bool":
	default:
		return field{}, fmt.Errorf("%w: sensor %s: unknown s7 type %q", domain.ErrConfig, name, sc.Type)
	}

	addr := strings.TrimSpace(sc.Address)
	db := sc.DBNumber
	// DB10.4 or DB10.4.1 carries its own block number
	if strings.HasPrefix(strings.ToUpper(addr), "DB") {
		parts := strings.SplitN(addr[2:], ".", 2)
		n, err := strconv.Atoi(parts[0])
		if err != nil || len(parts) != 2 {
			return field{}, fmt.Errorf("%w: sensor %s: bad address %q", domain.ErrConfig, name, sc.Address)
		}
		db, addr = n, parts[1]
	}
	if db <= 0 {
		return field{}, fmt.Errorf("%w: sensor %s: db_number is required", domain.ErrConfig, name)
	}

	f := field{name: name, db: db, kind: kind}
	byteStr, bitStr, hasBit := strings.Cut(addr, ".")
	start, err := strconv.Atoi(byteStr)
	if err != nil || start < 0 {
		return field{}, fmt.Errorf("%w: sensor %s: bad byte offset %q", domain.ErrConfig, name, sc.Address)
	}
	f.start = start
	if kind == "bool" {
		if !hasBit {
			return field{}, fmt.Errorf("%w: sensor %s: bool needs byte.bit address", domain.ErrConfig, name)
		}
		bit, err := strconv.Atoi(bitStr)
		if err != nil || bit < 0 || bit > 7 {
			return field{}, fmt.Errorf("%w: sensor %s: bad bit %q", domain.ErrConfig, name, bitStr)
		}
		f.bit = bit
	} else if hasBit {
		return field{}, fmt.Errorf("%w: sensor %s: bit offset only valid for bool", domain.ErrConfig, name)
	}
	return f, nil
}

// planSpans groups fields into one contiguous byte span per data block,
// splitting large or sparse blocks.
func planSpans(sensors map[string]domain.SensorConfig) ([]span, error) {
	byDB := make(map[int][]field)
	for name, sc := range sensors {
		f, err := parseField(name, sc)
		if err != nil {
			return nil, err
		}
		byDB[f.db] = append(byDB[f.db], f)
	}
	dbs := make([]int, 0, len(byDB))
	for db := range byDB {
		dbs = append(dbs, db)
	}
	sort.Ints(dbs)

	var spans []span
	for _, db := range dbs {
		fields := byDB[db]
		sort.Slice(fields, func(i, j int) bool {
			if fields[i].start == fields[j].start {
				return fields[i].name < fields[j].name
			}
			return fields[i].start < fields[j].start
		})
		cur := span{db: db, start: fields[0].start, size: fields[0].size(), fields: fields[:1:1]}
		for _, f := range fields[1:] {
			end := cur.start + cur.size
			if f.end() > end {
				end = f.end()
			}
			if f.start-(cur.start+cur.size) <= maxGapBytes && end-cur.start <= maxSpanBytes {
				cur.fields = append(cur.fields, f)
				cur.size = end - cur.start
				continue
			}
			spans = append(spans, cur)
			cur = span{db: db, start: f.start, size: f.size(), fields: []field{f}}
		}
		spans = append(spans, cur)
	}
	return spans, nil
}

func decodeField(f field, sp span, buf []byte) float64 {
	b := buf[f.start-sp.start:]
	switch f.kind {
	case "bool":
		if b[0]>>uint(f.bit)&1 == 1 {
			return 1
		}
		return 0
	case "byte":
		return float64(b[0])
	case "int":
		return float64(int16(binary.BigEndian.Uint16(b)))
	case "word":
		return float64(binary.BigEndian.Uint16(b))
	case "dint":
		return float64(int32(binary.BigEndian.Uint32(b)))
	case "dword":
		return float64(binary.BigEndian.Uint32(b))
	case "lreal":
		return math.Float64frombits(binary.BigEndian.Uint64(b))
	default:
		return float64(math.Float32frombits(binary.BigEndian.Uint32(b)))
	}
}

type Driver struct {
	dev domain.Device

	mu        sync.Mutex
	transport transport
	client    dbReader
	dial      func(domain.Device) (transport, dbReader)
}

func NewDriver(dev domain.Device) (*Driver, error) {
	if dev.Protocol != domain.ProtocolS7 {
		return nil, fmt.Errorf("%w: s7 driver cannot serve protocol %q", domain.ErrConfig, dev.Protocol)
	}
	if _, err := planSpans(dev.Sensors); err != nil {
		return nil, err
	}
	return &Driver{dev: dev, dial: dialHandler}, nil
}

func dialHandler(dev domain.Device) (transport, dbReader) {
	h := gos7.NewTCPClientHandler(dev.Endpoint, dev.Rack, dev.Slot)
	h.Timeout = dev.ReadTimeout
	if h.Timeout <= 0 {
		h.Timeout = time.Second
	}
	h.IdleTimeout = 0
	return h, gos7.NewClient(h)
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
		return fmt.Errorf("%w: s7 connect %s rack=%d slot=%d: %v", domain.ErrConnection, d.dev.Endpoint, d.dev.Rack, d.dev.Slot, err)
	}
	d.transport, d.client = t, c
	return nil
}

// Read issues one AGReadDB per planned span.
func (d *Driver) Read(ctx context.Context, sensors map[string]domain.SensorConfig) ([]ports.RawValue, error) {
	spans, err := planSpans(sensors)
	if err != nil {
		return nil, err
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.client == nil {
		return nil, fmt.Errorf("%w: s7 %s not connected", domain.ErrConnection, d.dev.ID)
	}

	out := make([]ports.RawValue, 0, len(sensors))
	for _, sp := range spans {
		if err := ctx.Err(); err != nil {
			out = appendFailed(out, sp, fmt.Errorf("%w: %v", domain.ErrReadTimeout, err))
			continue
		}
		buf := make([]byte, sp.size)
		if err := d.client.AGReadDB(sp.db, sp.start, sp.size, buf); err != nil {
			err = classify(err)
			if errors.Is(err, domain.ErrConnection) {
				return nil, err
			}
			out = appendFailed(out, sp, err)
			continue
		}
		for _, f := range sp.fields {
			out = append(out, ports.RawValue{Name: f.name, Value: decodeField(f, sp, buf)})
		}
	}
	return out, nil
}

func appendFailed(out []ports.RawValue, sp span, err error) []ports.RawValue {
	for _, f := range sp.fields {
		out = append(out, ports.RawValue{Name: f.name, Err: err})
	}
	return out
}

func classify(err error) error {
	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return fmt.Errorf("%w: %v", domain.ErrReadTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.Is(err, net.ErrClosed) ||
		errors.Is(err, syscall.ECONNRESET) || errors.Is(err, syscall.EPIPE) {
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
