package frame

import (
	"bufio"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/israelio/simpleamqp/internal/protocol"
)

// Writer writes frames to a byte stream. It is not safe for concurrent use.
type Writer struct {
	w         *bufio.Writer
	maxFrame  uint32
	headerBuf [protocol.FrameHeaderSize]byte
}

// NewWriter returns a Writer that refuses payloads larger than maxFrameSize.
func NewWriter(w io.Writer, maxFrameSize uint32) *Writer {
	if maxFrameSize == 0 {
		maxFrameSize = protocol.FrameMinSize
	}

	return &Writer{
		w:        bufio.NewWriterSize(w, protocol.FrameMinSize*2),
		maxFrame: maxFrameSize,
	}
}

// WriteFrames writes frames back to back and flushes once, so a method and
// its content reach the socket together.
func (fw *Writer) WriteFrames(frames ...*Frame) error {
	for _, f := range frames {
		if err := fw.write(f); err != nil {
			return err
		}
	}
	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush frames: %w", err)
	}
	return nil
}

func (fw *Writer) write(f *Frame) error {
	if uint32(len(f.Payload)) > fw.maxFrame {
		return fmt.Errorf("%w: payload of %d bytes exceeds frame max %d", ErrMalformed, len(f.Payload), fw.maxFrame)
	}

	fw.headerBuf[0] = uint8(f.Kind)
	binary.BigEndian.PutUint16(fw.headerBuf[1:3], f.Channel)
	binary.BigEndian.PutUint32(fw.headerBuf[3:7], uint32(len(f.Payload)))

	if _, err := fw.w.Write(fw.headerBuf[:]); err != nil {
		return fmt.Errorf("write frame header: %w", err)
	}
	if _, err := fw.w.Write(f.Payload); err != nil {
		return fmt.Errorf("write frame payload: %w", err)
	}
	if err := fw.w.WriteByte(protocol.FrameEnd); err != nil {
		return fmt.Errorf("write frame end: %w", err)
	}
	return nil
}

// WriteProtocolHeader writes the protocol header that opens a connection.
func (fw *Writer) WriteProtocolHeader() error {
	if _, err := fw.w.WriteString(protocol.ProtocolHeader); err != nil {
		return fmt.Errorf("write protocol header: %w", err)
	}
	if err := fw.w.Flush(); err != nil {
		return fmt.Errorf("flush protocol header: %w", err)
	}
	return nil
}

// SetMaxFrameSize updates the negotiated frame max.
func (fw *Writer) SetMaxFrameSize(size uint32) {
	if size > 0 {
		fw.maxFrame = size
	}
}
