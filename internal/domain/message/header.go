package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
)

// HeaderSize is the fixed wire size of a frame header in bytes.
const HeaderSize = 24

// Header prefixes every frame that traverses a mailbox. TimestampNS is the
// single source of truth for time semantics; payloads never carry timestamps.
type Header struct {
	MsgType     uint32
	MsgSize     uint32
	TimestampNS uint64
	SeqNumber   uint32
	Flags       uint32
}

// Bytes serializes the header in network byte order.
func (h *Header) Bytes() ([]byte, error) {
	var buf bytes.Buffer
	buf.Grow(HeaderSize)
	if err := binary.Write(&buf, binary.BigEndian, h); err != nil {
		return nil, fmt.Errorf("header: encode: %w", err)
	}
	return buf.Bytes(), nil
}

// HeaderFromBytes parses a header from the first HeaderSize bytes of a frame.
func HeaderFromBytes(b []byte) (Header, error) {
	var h Header
	if len(b) < HeaderSize {
		return h, fmt.Errorf("header: frame too short: %d bytes", len(b))
	}
	if err := binary.Read(bytes.NewReader(b[:HeaderSize]), binary.BigEndian, &h); err != nil {
		return h, fmt.Errorf("header: decode: %w", err)
	}
	return h, nil
}

// BuildFrame concatenates a header and an encoded payload, filling MsgSize.
func BuildFrame(h Header, payload []byte) ([]byte, error) {
	h.MsgSize = uint32(len(payload))
	hb, err := h.Bytes()
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, HeaderSize+len(payload))
	frame = append(frame, hb...)
	frame = append(frame, payload...)
	return frame, nil
}

// SplitFrame parses a frame into its header and payload bytes. The payload
// slice aliases the input.
func SplitFrame(frame []byte) (Header, []byte, error) {
	h, err := HeaderFromBytes(frame)
	if err != nil {
		return h, nil, err
	}
	payload := frame[HeaderSize:]
	if uint32(len(payload)) < h.MsgSize {
		return h, nil, fmt.Errorf("header: truncated payload: have %d bytes, header says %d", len(payload), h.MsgSize)
	}
	return h, payload[:h.MsgSize], nil
}
