package modbus

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
)

type regKind int

const (
	kindHolding regKind = iota
	kindInput
	kindCoil
	kindDiscrete
)

const (
	maxRegistersPerRead = 125
	maxBitsPerRead      = 2000
	// registers skipped between two sensors before a new block is started
	maxGap = 8
)

func (k regKind) bitAddressed() bool { return k == kindCoil || k == kindDiscrete }

func (k regKind) limit() int {
	if k.bitAddressed() {
		return maxBitsPerRead
	}
	return maxRegistersPerRead
}

type point struct {
	name    string
	kind    regKind
	address uint16
	count   uint16
}

func (p point) end() int { return int(p.address) + int(p.count) }

type block struct {
	kind   regKind
	start  uint16
	length uint16
	points []point
}

func parseKind(s string) (regKind, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "", "holding", "holding_register":
		return kindHolding, nil
	case "input", "input_register":
		return kindInput, nil
	case "coil":
		return kindCoil, nil
	case "discrete", "discrete_input":
		return kindDiscrete, nil
	default:
		return 0, fmt.Errorf("unknown register type %q", s)
	}
}

func parsePoint(name string, sc domain.SensorConfig) (point, error) {
	kind, err := parseKind(sc.Type)
	if err != nil {
		return point{}, fmt.Errorf("%w: sensor %s: %v", domain.ErrConfig, name, err)
	}
	addr, err := strconv.ParseUint(strings.TrimSpace(sc.Address), 0, 16)
	if err != nil {
		return point{}, fmt.Errorf("%w: sensor %s: bad address %q", domain.ErrConfig, name, sc.Address)
	}
	count := sc.Count
	if count == 0 {
		count = 1
	}
	if count != 1 && count != 2 {
		return point{}, fmt.Errorf("%w: sensor %s: count must be 1 or 2, got %d", domain.ErrConfig, name, count)
	}
	if kind.bitAddressed() && count != 1 {
		return point{}, fmt.Errorf("%w: sensor %s: bit-addressed sensors take count 1", domain.ErrConfig, name)
	}
	if int(addr)+count > 1<<16 {
		return point{}, fmt.Errorf("%w: sensor %s: address %d+%d out of range", domain.ErrConfig, name, addr, count)
	}
	return point{name: name, kind: kind, address: uint16(addr), count: uint16(count)}, nil
}

// plan groups sensors into the fewest block reads that respect the
// per-request protocol limits.
func plan(sensors map[string]domain.SensorConfig) ([]block, error) {
	byKind := make(map[regKind][]point)
	for name, sc := range sensors {
		p, err := parsePoint(name, sc)
		if err != nil {
			return nil, err
		}
		byKind[p.kind] = append(byKind[p.kind], p)
	}

	var blocks []block
	for _, kind := range []regKind{kindHolding, kindInput, kindCoil, kindDiscrete} {
		pts := byKind[kind]
		if len(pts) == 0 {
			continue
		}
		sort.Slice(pts, func(i, j int) bool {
			if pts[i].address == pts[j].address {
				return pts[i].name < pts[j].name
			}
			return pts[i].address < pts[j].address
		})

		cur := block{kind: kind, start: pts[0].address}
		curEnd := pts[0].end()
		cur.points = []point{pts[0]}
		for _, p := range pts[1:] {
			end := curEnd
			if p.end() > end {
				end = p.end()
			}
			if int(p.address)-curEnd <= maxGap && end-int(cur.start) <= kind.limit() {
				cur.points = append(cur.points, p)
				curEnd = end
				continue
			}
			cur.length = uint16(curEnd - int(cur.start))
			blocks = append(blocks, cur)
			cur = block{kind: kind, start: p.address, points: []point{p}}
			curEnd = p.end()
		}
		cur.length = uint16(curEnd - int(cur.start))
		blocks = append(blocks, cur)
	}
	return blocks, nil
}

// decode extracts one point's raw value from a block response.
func decode(b block, p point, data []byte) (float64, error) {
	off := int(p.address - b.start)
	if b.kind.bitAddressed() {
		idx := off / 8
		if idx >= len(data) {
			return 0, fmt.Errorf("short response: %d bytes for bit %d", len(data), off)
		}
		if data[idx]>>(uint(off)%8)&1 == 1 {
			return 1, nil
		}
		return 0, nil
	}

	pos := off * 2
	need := pos + int(p.count)*2
	if need > len(data) {
		return 0, fmt.Errorf("short response: %d bytes, need %d", len(data), need)
	}
	hi := uint32(data[pos])<<8 | uint32(data[pos+1])
	if p.count == 1 {
		return float64(hi), nil
	}
	lo := uint32(data[pos+2])<<8 | uint32(data[pos+3])
	return float64(hi<<16 | lo), nil
}
