package protocol

import (
	"bufio"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"time"
)

const (
	// Version is the current wire protocol version.
	Version = 7
	// MaxPacketSize is the maximum accepted serialized packet size (512 KB).
	MaxPacketSize = 512 * 1024
)

// Well-known packet types handled by the core.
const (
	TypeIdentity = "kdeconnect.identity"
	TypePair     = "kdeconnect.pair"
	TypePing     = "kdeconnect.ping"
)

var (
	// ErrPacketTooLarge indicates a serialized packet exceeds MaxPacketSize.
	ErrPacketTooLarge = errors.New("protocol: packet exceeds max size")
	// ErrInvalidPacket indicates a packet is missing required fields.
	ErrInvalidPacket = errors.New("protocol: invalid packet")
)

// PayloadTransferInfo references a side-channel payload transfer.
type PayloadTransferInfo struct {
	Port int `json:"port"`
}

// Packet is the single unit of exchange on the control channel.
//
// Body schemas are plugin-specific; the core only inspects Type and the
// payload reference fields.
type Packet struct {
	ID                  int64                `json:"id"`
	Type                string               `json:"type"`
	Body                json.RawMessage      `json:"body"`
	PayloadSize         int64                `json:"payloadSize,omitempty"`
	PayloadTransferInfo *PayloadTransferInfo `json:"payloadTransferInfo,omitempty"`
}

// New builds a packet of the given type with a JSON-marshaled body and a
// monotonic timestamp ID.
func New(packetType string, body any) (Packet, error) {
	raw := json.RawMessage("{}")
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return Packet{}, fmt.Errorf("marshal packet body: %w", err)
		}
		raw = encoded
	}
	return Packet{
		ID:   time.Now().UnixMilli(),
		Type: packetType,
		Body: raw,
	}, nil
}

// HasPayload reports whether the packet references a side-channel transfer.
func (p Packet) HasPayload() bool {
	return p.PayloadSize > 0 && p.PayloadTransferInfo != nil && p.PayloadTransferInfo.Port > 0
}

// UnmarshalBody decodes the packet body into out.
func (p Packet) UnmarshalBody(out any) error {
	if len(p.Body) == 0 {
		return ErrInvalidPacket
	}
	if err := json.Unmarshal(p.Body, out); err != nil {
		return fmt.Errorf("decode %s body: %w", p.Type, err)
	}
	return nil
}

// Marshal serializes one packet as a newline-terminated JSON record.
func Marshal(p Packet) ([]byte, error) {
	if p.Type == "" {
		return nil, ErrInvalidPacket
	}
	if len(p.Body) == 0 {
		p.Body = json.RawMessage("{}")
	}
	raw, err := json.Marshal(p)
	if err != nil {
		return nil, fmt.Errorf("marshal packet: %w", err)
	}
	if len(raw) > MaxPacketSize {
		return nil, ErrPacketTooLarge
	}
	return append(raw, '\n'), nil
}

// Unmarshal parses one serialized packet record.
func Unmarshal(raw []byte) (Packet, error) {
	if len(raw) > MaxPacketSize {
		return Packet{}, ErrPacketTooLarge
	}

	var p Packet
	if err := json.Unmarshal(raw, &p); err != nil {
		return Packet{}, fmt.Errorf("parse packet: %w", err)
	}
	if p.Type == "" {
		return Packet{}, ErrInvalidPacket
	}
	return p, nil
}

// Reader decodes newline-delimited packets from a stream incrementally.
type Reader struct {
	r *bufio.Reader
}

// NewReader wraps r with a size-bounded packet reader.
func NewReader(r io.Reader) *Reader {
	return &Reader{r: bufio.NewReaderSize(r, 64*1024)}
}

// Next blocks until one full packet line is read and parsed.
//
// A line exceeding MaxPacketSize returns ErrPacketTooLarge; the stream cannot
// be resynchronized afterwards and the caller must drop the connection.
func (pr *Reader) Next() (Packet, error) {
	var line []byte
	for {
		chunk, err := pr.r.ReadSlice('\n')
		line = append(line, chunk...)
		if len(line) > MaxPacketSize {
			return Packet{}, ErrPacketTooLarge
		}
		if err == nil {
			break
		}
		if errors.Is(err, bufio.ErrBufferFull) {
			continue
		}
		return Packet{}, err
	}

	line = line[:len(line)-1]
	if len(line) == 0 {
		return pr.Next()
	}
	return Unmarshal(line)
}
