// Package opcua reads OPC UA servers with one node-list read per poll.
package opcua

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gopcua/opcua"
	"github.com/gopcua/opcua/ua"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

const applicationName = "Context Edge"

// session is the slice of *opcua.Client the driver uses.
type session interface {
	Read(ctx context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error)
	Close(ctx context.Context) error
}

type Driver struct {
	dev   domain.Device
	nodes map[string]*ua.NodeID

	mu      sync.Mutex
	session session
	dial    func(ctx context.Context) (session, error)
}

func NewDriver(dev domain.Device) (*Driver, error) {
	if dev.Protocol != domain.ProtocolOPCUA {
		return nil, fmt.Errorf("%w: opcua driver cannot serve protocol %q", domain.ErrConfig, dev.Protocol)
	}
	if dev.Endpoint == "" {
		return nil, fmt.Errorf("%w: device %s: endpoint is required", domain.ErrConfig, dev.ID)
	}
	nodes, err := parseNodes(dev.Sensors)
	if err != nil {
		return nil, err
	}
	d := &Driver{dev: dev, nodes: nodes}
	d.dial = d.dialClient
	return d, nil
}

func parseNodes(sensors map[string]domain.SensorConfig) (map[string]*ua.NodeID, error) {
	nodes := make(map[string]*ua.NodeID, len(sensors))
	for name, sc := range sensors {
		id, err := ua.ParseNodeID(sc.Address)
		if err != nil {
			return nil, fmt.Errorf("%w: sensor %s: parse node id %q: %v", domain.ErrConfig, name, sc.Address, err)
		}
		nodes[name] = id
	}
	return nodes, nil
}

func (d *Driver) dialClient(ctx context.Context) (session, error) {
	client, err := opcua.NewClient(d.dev.Endpoint, d.buildClientOptions()...)
	if err != nil {
		return nil, err
	}
	if err := client.Connect(ctx); err != nil {
		return nil, err
	}
	return client, nil
}

// buildClientOptions disables the library's own reconnect loop; the adapter
// state machine owns reconnects.
func (d *Driver) buildClientOptions() []opcua.Option {
	sec := d.dev.Security
	timeout := d.dev.ReadTimeout
	if timeout <= 0 {
		timeout = time.Second
	}
	opts := []opcua.Option{
		opcua.SecurityModeString(normalizeSecurityMode(sec.Mode)),
		opcua.SecurityPolicy(normalizeSecurityPolicy(sec.Policy)),
		opcua.ApplicationName(applicationName),
		opcua.AutoReconnect(false),
		opcua.RequestTimeout(timeout),
	}
	if sec.Username != "" {
		opts = append(opts, opcua.AuthUsername(sec.Username, sec.Password))
	} else {
		opts = append(opts, opcua.AuthAnonymous())
	}
	return opts
}

func (d *Driver) Connect(ctx context.Context) error {
	d.mu.Lock()
	defer d.mu.Unlock()

	if d.session != nil {
		_ = d.session.Close(ctx)
		d.session = nil
	}
	s, err := d.dial(ctx)
	if err != nil {
		return fmt.Errorf("%w: opcua connect %s: %v", domain.ErrConnection, d.dev.Endpoint, err)
	}
	d.session = s
	return nil
}

// Read fetches every requested node in a single ReadRequest. A bad status on
// one node invalidates only that sensor.
func (d *Driver) Read(ctx context.Context, sensors map[string]domain.SensorConfig) ([]ports.RawValue, error) {
	names := make([]string, 0, len(sensors))
	for name := range sensors {
		names = append(names, name)
	}
	sort.Strings(names)

	req := &ua.ReadRequest{
		MaxAge:             0,
		TimestampsToReturn: ua.TimestampsToReturnBoth,
		NodesToRead:        make([]*ua.ReadValueID, 0, len(names)),
	}
	for _, name := range names {
		id, ok := d.nodes[name]
		if !ok {
			var err error
			if id, err = ua.ParseNodeID(sensors[name].Address); err != nil {
				return nil, fmt.Errorf("%w: sensor %s: %v", domain.ErrConfig, name, err)
			}
		}
		req.NodesToRead = append(req.NodesToRead, &ua.ReadValueID{NodeID: id, AttributeID: ua.AttributeIDValue})
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil, fmt.Errorf("%w: opcua %s not connected", domain.ErrConnection, d.dev.ID)
	}

	resp, err := d.session.Read(ctx, req)
	if err != nil {
		return nil, classify(err)
	}
	if resp == nil || len(resp.Results) != len(names) {
		got := 0
		if resp != nil {
			got = len(resp.Results)
		}
		return nil, fmt.Errorf("opcua read: expected %d results, got %d", len(names), got)
	}

	out := make([]ports.RawValue, len(names))
	for i, dv := range resp.Results {
		out[i].Name = names[i]
		if dv == nil {
			out[i].Err = errors.New("empty data value")
			continue
		}
		if dv.Status != ua.StatusOK {
			out[i].Err = fmt.Errorf("node %s: %s", sensors[names[i]].Address, dv.Status)
			continue
		}
		v, ok := variantToFloat(dv.Value)
		if !ok {
			out[i].Err = fmt.Errorf("node %s: unsupported value type", sensors[names[i]].Address)
			continue
		}
		out[i].Value = v
	}
	return out, nil
}

func classify(err error) error {
	if errors.Is(err, context.DeadlineExceeded) {
		return fmt.Errorf("%w: %v", domain.ErrReadTimeout, err)
	}
	if errors.Is(err, io.EOF) || errors.Is(err, ua.StatusBadConnectionClosed) ||
		errors.Is(err, ua.StatusBadSecureChannelClosed) || errors.Is(err, ua.StatusBadSessionIDInvalid) ||
		errors.Is(err, ua.StatusBadSessionClosed) {
		return fmt.Errorf("%w: %v", domain.ErrConnection, err)
	}
	if errors.Is(err, ua.StatusBadTimeout) {
		return fmt.Errorf("%w: %v", domain.ErrReadTimeout, err)
	}
	return err
}

func (d *Driver) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.session == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	err := d.session.Close(ctx)
	d.session = nil
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func variantToFloat(v *ua.Variant) (float64, bool) {
	if v == nil {
		return 0, false
	}

	switch val := v.Value().(type) {
	case bool:
		if val {
			return 1, true
		}
		return 0, true
	case float32:
		return float64(val), true
	case float64:
		return val, true
	case int8:
		return float64(val), true
	case uint8:
		return float64(val), true
	case int16:
		return float64(val), true
	case uint16:
		return float64(val), true
	case int32:
		return float64(val), true
	case uint32:
		return float64(val), true
	case int64:
		return float64(val), true
	case uint64:
		return float64(val), true
	default:
		return 0, false
	}
}

func normalizeSecurityMode(mode string) string {
	switch strings.ToLower(mode) {
	case "sign":
		return "Sign"
	case "signandencrypt", "signencrypt", "sign_and_encrypt", "sign+encrypt":
		return "SignAndEncrypt"
	default:
		return "None"
	}
}

func normalizeSecurityPolicy(policy string) string {
	if policy == "" {
		return "None"
	}
	return policy
}

var _ ports.Driver = (*Driver)(nil)
