package domain

import (
	"fmt"
	"sort"
	"strings"
	"time"
)

// ProtocolKind is the closed set of field-bus protocols a device can speak.
type ProtocolKind string

const (
	ProtocolModbusTCP  ProtocolKind = "modbus_tcp"
	ProtocolModbusRTU  ProtocolKind = "modbus_rtu"
	ProtocolOPCUA      ProtocolKind = "opcua"
	ProtocolEtherNetIP ProtocolKind = "ethernet_ip"
	ProtocolS7         ProtocolKind = "s7"
)

// ParseProtocolKind accepts the canonical names plus the aliases operators
// tend to write in device files.
func ParseProtocolKind(s string) (ProtocolKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "modbus_tcp", "modbus-tcp", "modbus", "modbustcp":
		return ProtocolModbusTCP, nil
	case "modbus_rtu", "modbus-rtu", "modbusrtu":
		return ProtocolModbusRTU, nil
	case "opcua", "opc_ua", "opc-ua":
		return ProtocolOPCUA, nil
	case "ethernet_ip", "ethernet-ip", "ethernetip", "enip":
		return ProtocolEtherNetIP, nil
	case "s7", "profinet", "siemens":
		return ProtocolS7, nil
	default:
		return "", fmt.Errorf("%w: unknown protocol kind %q", ErrConfig, s)
	}
}

// ConnState is the adapter connection state.
type ConnState int32

const (
	StateDisconnected ConnState = iota
	StateConnecting
	StateConnected
	StateDegraded
	// StateFailed is terminal until an operator re-enables the device.
	StateFailed
	StateDisabled
)

func (s ConnState) String() string {
	switch s {
	case StateDisconnected:
		return "disconnected"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateDegraded:
		return "degraded"
	case StateFailed:
		return "failed"
	case StateDisabled:
		return "disabled"
	default:
		return fmt.Sprintf("state(%d)", int32(s))
	}
}

// Serving reports whether reads are attempted in this state.
func (s ConnState) Serving() bool {
	return s == StateConnected || s == StateDegraded
}

func (s ConnState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *ConnState) UnmarshalText(b []byte) error {
	for c := StateDisconnected; c <= StateDisabled; c++ {
		if c.String() == string(b) {
			*s = c
			return nil
		}
	}
	return fmt.Errorf("unknown connection state %q", b)
}

// SensorConfig is the protocol address of one named sensor.
type SensorConfig struct {
	Address  string  `yaml:"address" json:"address"`
	Type     string  `yaml:"type" json:"type,omitempty"`
	Count    int     `yaml:"count" json:"count,omitempty"`
	Scale    float64 `yaml:"scale" json:"scale,omitempty"`
	Unit     string  `yaml:"unit" json:"unit,omitempty"`
	DBNumber int     `yaml:"db_number" json:"db_number,omitempty"`
}

// Apply divides a raw value by the configured scale. A zero scale means 1.
func (s SensorConfig) Apply(raw float64) float64 {
	if s.Scale == 0 {
		return raw
	}
	return raw / s.Scale
}

type SerialConfig struct {
	BaudRate int    `yaml:"baud_rate" json:"baud_rate,omitempty"`
	DataBits int    `yaml:"data_bits" json:"data_bits,omitempty"`
	Parity   string `yaml:"parity" json:"parity,omitempty"`
	StopBits int    `yaml:"stop_bits" json:"stop_bits,omitempty"`
}

type SecurityConfig struct {
	Username string `yaml:"username" json:"username,omitempty"`
	Password string `yaml:"password" json:"-"`
	Mode     string `yaml:"mode" json:"mode,omitempty"`
	Policy   string `yaml:"policy" json:"policy,omitempty"`
}

// Device is one configured industrial device.
type Device struct {
	ID           string                  `yaml:"id" json:"id"`
	Protocol     ProtocolKind            `yaml:"protocol" json:"protocol"`
	Endpoint     string                  `yaml:"endpoint" json:"endpoint"`
	UnitID       uint8                   `yaml:"unit_id" json:"unit_id,omitempty"`
	Serial       SerialConfig            `yaml:"serial" json:"serial,omitempty"`
	Rack         int                     `yaml:"rack" json:"rack,omitempty"`
	Slot         int                     `yaml:"slot" json:"slot,omitempty"`
	Security     SecurityConfig          `yaml:"security" json:"security,omitempty"`
	PollInterval time.Duration           `yaml:"poll_interval" json:"poll_interval"`
	ReadTimeout  time.Duration           `yaml:"read_timeout" json:"read_timeout"`
	Sensors      map[string]SensorConfig `yaml:"sensors" json:"sensors"`
	Disabled     bool                    `yaml:"disabled" json:"disabled"`
}

// SensorNames returns the configured sensor names in a stable order.
func (d Device) SensorNames() []string {
	names := make([]string, 0, len(d.Sensors))
	for name := range d.Sensors {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// DeviceHealth summarizes an adapter at a point in time.
type DeviceHealth struct {
	DeviceID            string       `json:"device_id"`
	Protocol            ProtocolKind `json:"protocol"`
	State               ConnState    `json:"state"`
	ConsecutiveFailures int          `json:"consecutive_failures"`
	LastSuccess         time.Time    `json:"last_success,omitempty"`
	LastError           string       `json:"last_error,omitempty"`
}
