package contextedge

import (
	"fmt"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/enip"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/modbus"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/opcua"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/adapters/s7"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

// DefaultDriverFactory builds the bundled driver for the device's protocol.
func DefaultDriverFactory(dev domain.Device) (ports.Driver, error) {
	switch dev.Protocol {
	case domain.ProtocolModbusTCP, domain.ProtocolModbusRTU:
		d, err := modbus.NewDriver(dev)
		if err != nil {
			return nil, err
		}
		return d, nil
	case domain.ProtocolOPCUA:
		d, err := opcua.NewDriver(dev)
		if err != nil {
			return nil, err
		}
		return d, nil
	case domain.ProtocolS7:
		d, err := s7.NewDriver(dev)
		if err != nil {
			return nil, err
		}
		return d, nil
	case domain.ProtocolEtherNetIP:
		d, err := enip.NewDriver(dev)
		if err != nil {
			return nil, err
		}
		return d, nil
	default:
		return nil, fmt.Errorf("%w: no driver for protocol %q", domain.ErrConfig, dev.Protocol)
	}
}
