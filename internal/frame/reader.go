package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/israelio/simpleamqp/internal/protocol"
)

// Reader reads frames from a byte stream.
type Reader struct {
	r         *bufio.Reader
	maxFrame  uint32
	headerBuf [protocol.FrameHeaderSize]byte
}

// NewReader returns a Reader that rejects payloads larger than
// maxFrameSize. Zero means the protocol minimum.
func NewReader(r io.Reader, maxFrameSize uint32) *Reader {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.FrameMinSize
	}

	return &Reader{
		r:        bufio.NewReaderSize(r, protocol.FrameMinSize*2),
		maxFrame: maxFrameSize,
	}
}

// Ready blocks until at least one byte of the next frame is available. It
// consumes nothing, so a deadline expiring inside Ready leaves the stream
// positioned at a frame boundary.
func (fr *Reader) Ready() error {
	_, err := fr.r.Peek(1)
	return err
}

// Buffered reports whether bytes of a further frame are already buffered.
func (fr *Reader) Buffered() bool {
	return fr.r.Buffered() > 0
}

// ReadFrame reads one complete frame including its end marker.
func (fr *Reader) ReadFrame() (*Frame, error) {
	if _, err := io.ReadFull(fr.r, fr.headerBuf[:]); err != nil {
		return nil, fmt.Errorf("read frame header: %w", err)
	}

	kind := Kind(fr.headerBuf[0])
	channel := binary.BigEndian.Uint16(fr.headerBuf[1:3])
	size := binary.BigEndian.Uint32(fr.headerBuf[3:7])

	switch kind {
	case KindMethod, KindHeader, KindBody, KindHeartbeat:
	default:
		return nil, fmt.Errorf("%w: frame type %d", ErrMalformed, uint8(kind))
	}

	if size > fr.maxFrame {
		return nil, fmt.Errorf("%w: payload of %d bytes exceeds frame max %d", ErrMalformed, size, fr.maxFrame)
	}

	payload := make([]byte, size)
	if _, err := io.ReadFull(fr.r, payload); err != nil {
		return nil, fmt.Errorf("read frame payload: %w", err)
	}

	end, err := fr.r.ReadByte()
	if err != nil {
		return nil, fmt.Errorf("read frame end: %w", err)
	}
	if end != protocol.FrameEnd {
		return nil, fmt.Errorf("%w: frame end 0x%02X", ErrMalformed, end)
	}

	return &Frame{Kind: kind, Channel: channel, Payload: payload}, nil
}

// ReadProtocolHeader reads the 8 byte protocol header. Brokers send it back
// when they reject the client's protocol version.
func (fr *Reader) ReadProtocolHeader() (string, error) {
	header := make([]byte, len(protocol.ProtocolHeader))
	if _, err := io.ReadFull(fr.r, header); err != nil {
		return "", fmt.Errorf("read protocol header: %w", err)
	}
	return string(header), nil
}

// SetMaxFrameSize updates the negotiated frame max.
func (fr *Reader) SetMaxFrameSize(size uint32) {
	if size > 0 {
		fr.maxFrame = size
	}
}
