package wal

import (
	"bufio"
	"encoding/binary"
	"errors"
	"fmt"
	"hash/crc32"
	"io"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

// frame layout: [8 bytes id][4 bytes body len][4 bytes crc32c of body][body]
const (
	frameHeaderLen = 16
	maxFrameBody   = 16 << 20
)

var (
	castagnoli = crc32.MakeTable(crc32.Castagnoli)

	// errTornFrame marks a frame cut short or garbled, as left by a crash
	// while appending.
	errTornFrame = errors.New("torn wal frame")
)

func writeFrame(w io.Writer, id ports.WALEntryID, body []byte) (int, error) {
	if len(body) > maxFrameBody {
		return 0, fmt.Errorf("wal entry of %d bytes exceeds %d", len(body), maxFrameBody)
	}
	var hdr [frameHeaderLen]byte
	binary.BigEndian.PutUint64(hdr[0:8], uint64(id))
	binary.BigEndian.PutUint32(hdr[8:12], uint32(len(body)))
	binary.BigEndian.PutUint32(hdr[12:16], crc32.Checksum(body, castagnoli))
	if _, err := w.Write(hdr[:]); err != nil {
		return 0, err
	}
	if _, err := w.Write(body); err != nil {
		return 0, err
	}
	return frameHeaderLen + len(body), nil
}

type frameReader struct {
	r *bufio.Reader
	// offset is the end of the last intact frame
	offset int64
}

func newFrameReader(r io.Reader) *frameReader {
	return &frameReader{r: bufio.NewReader(r)}
}

// next returns io.EOF at a clean end of log and errTornFrame when the
// remaining bytes do not form a valid frame.
func (fr *frameReader) next() (ports.WALEntryID, []byte, error) {
	var hdr [frameHeaderLen]byte
	if _, err := io.ReadFull(fr.r, hdr[:]); err != nil {
		if err == io.EOF {
			return 0, nil, io.EOF
		}
		if errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, errTornFrame
		}
		return 0, nil, err
	}
	id := ports.WALEntryID(binary.BigEndian.Uint64(hdr[0:8]))
	length := binary.BigEndian.Uint32(hdr[8:12])
	sum := binary.BigEndian.Uint32(hdr[12:16])
	if length > maxFrameBody {
		return 0, nil, errTornFrame
	}

	body := make([]byte, length)
	if _, err := io.ReadFull(fr.r, body); err != nil {
		if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) {
			return 0, nil, errTornFrame
		}
		return 0, nil, err
	}
	if crc32.Checksum(body, castagnoli) != sum {
		return 0, nil, fmt.Errorf("%w: checksum mismatch at entry %d", errTornFrame, id)
	}
	fr.offset += int64(frameHeaderLen) + int64(length)
	return id, body, nil
}
