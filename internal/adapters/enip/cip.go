package enip

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"
)

const (
	cmdRegisterSession   uint16 = 0x0065
	cmdUnregisterSession uint16 = 0x0066
	cmdSendRRData        uint16 = 0x006F

	encapHeaderLen = 24

	itemNullAddress   uint16 = 0x0000
	itemUnconnectedDT uint16 = 0x00B2

	svcReadTag         byte = 0x4C
	svcMultipleService byte = 0x0A
	svcUnconnectedSend byte = 0x52
	svcReplyMask       byte = 0x80

	statusSuccess      byte = 0x00
	statusEmbeddedFail byte = 0x1E

	segSymbolic byte = 0x91
	segElem8    byte = 0x28
	segElem16   byte = 0x29
)

// CIP elementary data types returned by Read Tag.
const (
	typeBOOL  uint16 = 0xC1
	typeSINT  uint16 = 0xC2
	typeINT   uint16 = 0xC3
	typeDINT  uint16 = 0xC4
	typeLINT  uint16 = 0xC5
	typeUSINT uint16 = 0xC6
	typeUINT  uint16 = 0xC7
	typeUDINT uint16 = 0xC8
	typeREAL  uint16 = 0xCA
	typeLREAL uint16 = 0xCB
)

var le = binary.LittleEndian

type encapHeader struct {
	Command uint16
	Length  uint16
	Session uint32
	Status  uint32
	Context [8]byte
	Options uint32
}

func (h encapHeader) marshal(body []byte) []byte {
	out := make([]byte, encapHeaderLen+len(body))
	le.PutUint16(out[0:], h.Command)
	le.PutUint16(out[2:], uint16(len(body)))
	le.PutUint32(out[4:], h.Session)
	le.PutUint32(out[8:], h.Status)
	copy(out[12:20], h.Context[:])
	le.PutUint32(out[20:], h.Options)
	copy(out[encapHeaderLen:], body)
	return out
}

func parseEncapHeader(b []byte) encapHeader {
	var h encapHeader
	h.Command = le.Uint16(b[0:])
	h.Length = le.Uint16(b[2:])
	h.Session = le.Uint32(b[4:])
	h.Status = le.Uint32(b[8:])
	copy(h.Context[:], b[12:20])
	h.Options = le.Uint32(b[20:])
	return h
}

// tagPath encodes a Logix tag name such as "Line1.Motor[2].Speed" as an
// EPATH of symbolic and element segments.
func tagPath(tag string) ([]byte, error) {
	if tag == "" {
		return nil, errors.New("empty tag name")
	}
	var buf bytes.Buffer
	for _, part := range strings.Split(tag, ".") {
		name, idx, hasIdx := strings.Cut(part, "[")
		if name == "" || len(name) > 255 {
			return nil, fmt.Errorf("bad tag segment %q", part)
		}
		buf.WriteByte(segSymbolic)
		buf.WriteByte(byte(len(name)))
		buf.WriteString(name)
		if len(name)%2 == 1 {
			buf.WriteByte(0)
		}
		if !hasIdx {
			continue
		}
		idx = strings.TrimSuffix(idx, "]")
		n, err := strconv.ParseUint(idx, 10, 16)
		if err != nil {
			return nil, fmt.Errorf("bad array index in %q", part)
		}
		if n <= 0xFF {
			buf.WriteByte(segElem8)
			buf.WriteByte(byte(n))
		} else {
			buf.WriteByte(segElem16)
			buf.WriteByte(0)
			var b [2]byte
			le.PutUint16(b[:], uint16(n))
			buf.Write(b[:])
		}
	}
	return buf.Bytes(), nil
}

func readTagRequest(path []byte) []byte {
	out := make([]byte, 0, 2+len(path)+2)
	out = append(out, svcReadTag, byte(len(path)/2))
	out = append(out, path...)
	return append(out, 1, 0) // one element
}

// multipleServiceRequest bundles requests for the Message Router.
func multipleServiceRequest(reqs [][]byte) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{svcMultipleService, 0x02, 0x20, 0x02, 0x24, 0x01})

	hdr := make([]byte, 2+2*len(reqs))
	le.PutUint16(hdr[0:], uint16(len(reqs)))
	offset := len(hdr)
	for i, r := range reqs {
		le.PutUint16(hdr[2+2*i:], uint16(offset))
		offset += len(r)
	}
	buf.Write(hdr)
	for _, r := range reqs {
		buf.Write(r)
	}
	return buf.Bytes()
}

// unconnectedSend routes an embedded message through the Connection Manager
// to the controller in the given backplane slot.
func unconnectedSend(msg []byte, slot byte) []byte {
	var buf bytes.Buffer
	buf.Write([]byte{svcUnconnectedSend, 0x02, 0x20, 0x06, 0x24, 0x01})
	buf.Write([]byte{0x0A, 0x0E}) // priority/tick, timeout ticks
	var l [2]byte
	le.PutUint16(l[:], uint16(len(msg)))
	buf.Write(l[:])
	buf.Write(msg)
	if len(msg)%2 == 1 {
		buf.WriteByte(0)
	}
	buf.Write([]byte{0x01, 0x00, 0x01, slot}) // route path: 1 word, backplane port 1
	return buf.Bytes()
}

func sendRRDataBody(mr []byte, timeout uint16) []byte {
	out := make([]byte, 16+len(mr))
	// interface handle (4) is zero
	le.PutUint16(out[4:], timeout)
	le.PutUint16(out[6:], 2)
	le.PutUint16(out[8:], itemNullAddress)
	le.PutUint16(out[10:], 0)
	le.PutUint16(out[12:], itemUnconnectedDT)
	le.PutUint16(out[14:], uint16(len(mr)))
	copy(out[16:], mr)
	return out
}

// unconnectedData extracts the 0x00B2 item from a SendRRData reply.
func unconnectedData(body []byte) ([]byte, error) {
	if len(body) < 8 {
		return nil, errors.New("short SendRRData reply")
	}
	count := int(le.Uint16(body[6:]))
	pos := 8
	for i := 0; i < count; i++ {
		if pos+4 > len(body) {
			return nil, errors.New("truncated CPF item")
		}
		typ := le.Uint16(body[pos:])
		n := int(le.Uint16(body[pos+2:]))
		pos += 4
		if pos+n > len(body) {
			return nil, errors.New("truncated CPF item data")
		}
		if typ == itemUnconnectedDT {
			return body[pos : pos+n], nil
		}
		pos += n
	}
	return nil, errors.New("no unconnected data item in reply")
}

type cipReply struct {
	service byte
	status  byte
	data    []byte
}

func parseReply(b []byte) (cipReply, error) {
	if len(b) < 4 {
		return cipReply{}, errors.New("short CIP reply")
	}
	ext := int(b[3]) * 2
	if len(b) < 4+ext {
		return cipReply{}, errors.New("truncated CIP extended status")
	}
	return cipReply{service: b[0], status: b[2], data: b[4+ext:]}, nil
}

// splitMultipleReply returns each embedded reply of a Multiple Service Packet.
func splitMultipleReply(data []byte, want int) ([][]byte, error) {
	if len(data) < 2 {
		return nil, errors.New("short multiple service reply")
	}
	n := int(le.Uint16(data))
	if n != want {
		return nil, fmt.Errorf("multiple service reply has %d entries, want %d", n, want)
	}
	if len(data) < 2+2*n {
		return nil, errors.New("truncated multiple service offsets")
	}
	out := make([][]byte, n)
	for i := 0; i < n; i++ {
		start := int(le.Uint16(data[2+2*i:]))
		end := len(data)
		if i+1 < n {
			end = int(le.Uint16(data[2+2*(i+1):]))
		}
		if start > end || end > len(data) {
			return nil, errors.New("bad multiple service offset")
		}
		out[i] = data[start:end]
	}
	return out, nil
}

func decodeValue(data []byte) (float64, error) {
	if len(data) < 2 {
		return 0, errors.New("missing CIP type code")
	}
	typ := le.Uint16(data)
	v := data[2:]
	need := map[uint16]int{
		typeBOOL: 1, typeSINT: 1, typeUSINT: 1,
		typeINT: 2, typeUINT: 2,
		typeDINT: 4, typeUDINT: 4, typeREAL: 4,
		typeLINT: 8, typeLREAL: 8,
	}[typ]
	if need == 0 {
		return 0, fmt.Errorf("unsupported CIP type 0x%04X", typ)
	}
	if len(v) < need {
		return 0, fmt.Errorf("short value for CIP type 0x%04X", typ)
	}
	switch typ {
	case typeBOOL:
		if v[0] != 0 {
			return 1, nil
		}
		return 0, nil
	case typeSINT:
		return float64(int8(v[0])), nil
	case typeUSINT:
		return float64(v[0]), nil
	case typeINT:
		return float64(int16(le.Uint16(v))), nil
	case typeUINT:
		return float64(le.Uint16(v)), nil
	case typeDINT:
		return float64(int32(le.Uint32(v))), nil
	case typeUDINT:
		return float64(le.Uint32(v)), nil
	case typeREAL:
		return float64(math.Float32frombits(le.Uint32(v))), nil
	case typeLINT:
		return float64(int64(le.Uint64(v))), nil
	default:
		return math.Float64frombits(le.Uint64(v)), nil
	}
}
