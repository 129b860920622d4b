package frame

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"

	"github.com/israelio/simpleamqp/internal/protocol"
)

// ErrMalformed is returned when a frame payload cannot be decoded.
var ErrMalformed = errors.New("frame: malformed payload")

// Kind is the frame type byte.
type Kind uint8

// Frame kinds
const (
	KindMethod    Kind = protocol.FrameMethod
	KindHeader    Kind = protocol.FrameHeader
	KindBody      Kind = protocol.FrameBody
	KindHeartbeat Kind = protocol.FrameHeartbeat
)

func (k Kind) String() string {
	switch k {
	case KindMethod:
		return "method"
	case KindHeader:
		return "header"
	case KindBody:
		return "body"
	case KindHeartbeat:
		return "heartbeat"
	default:
		return fmt.Sprintf("unknown(%d)", uint8(k))
	}
}

// Frame is one frame read from or written to the wire. Frames are not
// modified once built.
type Frame struct {
	Kind    Kind
	Channel uint16
	Payload []byte
}

// Method is a decoded method frame payload.
type Method struct {
	ID   protocol.MethodID
	Args []byte
}

// Header is a decoded content header payload.
type Header struct {
	ClassID    uint16
	Weight     uint16
	BodySize   uint64
	Properties []byte
}

// NewMethod builds a method frame.
func NewMethod(channel uint16, id protocol.MethodID, args []byte) *Frame {
	payload := make([]byte, 4+len(args))
	binary.BigEndian.PutUint16(payload[0:2], id.ClassID())
	binary.BigEndian.PutUint16(payload[2:4], id.MethodNum())
	copy(payload[4:], args)

	return &Frame{Kind: KindMethod, Channel: channel, Payload: payload}
}

// NewHeader builds a content header frame.
func NewHeader(channel uint16, classID uint16, bodySize uint64, properties []byte) *Frame {
	payload := make([]byte, 12+len(properties))
	binary.BigEndian.PutUint16(payload[0:2], classID)
	binary.BigEndian.PutUint64(payload[4:12], bodySize)
	copy(payload[12:], properties)

	return &Frame{Kind: KindHeader, Channel: channel, Payload: payload}
}

// NewBody builds a content body frame.
func NewBody(channel uint16, data []byte) *Frame {
	return &Frame{Kind: KindBody, Channel: channel, Payload: data}
}

// NewHeartbeat builds a heartbeat frame on channel 0.
func NewHeartbeat() *Frame {
	return &Frame{Kind: KindHeartbeat}
}

// MethodID returns the method id of a method frame without copying its
// arguments. ok is false for other kinds.
func (f *Frame) MethodID() (id protocol.MethodID, ok bool) {
	if f.Kind != KindMethod || len(f.Payload) < 4 {
		return 0, false
	}
	return protocol.NewMethodID(
		binary.BigEndian.Uint16(f.Payload[0:2]),
		binary.BigEndian.Uint16(f.Payload[2:4]),
	), true
}

// Is reports whether f is a method frame carrying one of ids.
func (f *Frame) Is(ids ...protocol.MethodID) bool {
	id, ok := f.MethodID()
	if !ok {
		return false
	}
	for _, want := range ids {
		if id == want {
			return true
		}
	}
	return false
}

// Method decodes a method frame payload.
func (f *Frame) Method() (*Method, error) {
	id, ok := f.MethodID()
	if !ok {
		return nil, fmt.Errorf("%w: %s frame is not a method", ErrMalformed, f.Kind)
	}
	return &Method{ID: id, Args: f.Payload[4:]}, nil
}

// Header decodes a content header payload.
func (f *Frame) Header() (*Header, error) {
	if f.Kind != KindHeader {
		return nil, fmt.Errorf("%w: %s frame is not a header", ErrMalformed, f.Kind)
	}
	if len(f.Payload) < 14 {
		return nil, fmt.Errorf("%w: header payload of %d bytes", ErrMalformed, len(f.Payload))
	}

	return &Header{
		ClassID:    binary.BigEndian.Uint16(f.Payload[0:2]),
		Weight:     binary.BigEndian.Uint16(f.Payload[2:4]),
		BodySize:   binary.BigEndian.Uint64(f.Payload[4:12]),
		Properties: f.Payload[12:],
	}, nil
}

// BodySize returns the declared body size of a header frame, or false when
// f is not a well formed header.
func (f *Frame) BodySize() (uint64, bool) {
	if f.Kind != KindHeader || len(f.Payload) < 12 {
		return 0, false
	}
	return binary.BigEndian.Uint64(f.Payload[4:12]), true
}

func (f *Frame) String() string {
	if id, ok := f.MethodID(); ok {
		return fmt.Sprintf("Frame{method=%s, channel=%d, size=%d}", id, f.Channel, len(f.Payload))
	}
	return fmt.Sprintf("Frame{kind=%s, channel=%d, size=%d}", f.Kind, f.Channel, len(f.Payload))
}

// MethodArgs reads method arguments in wire order.
type MethodArgs struct {
	buf *bytes.Reader
}

// NewMethodArgs wraps an argument payload.
func NewMethodArgs(data []byte) *MethodArgs {
	return &MethodArgs{buf: bytes.NewReader(data)}
}

// ReadBool reads a single bit field occupying a whole octet.
func (ma *MethodArgs) ReadBool() (bool, error) {
	b, err := ma.buf.ReadByte()
	return b&1 != 0, err
}

// ReadFlags reads one octet of packed bit fields, least significant bit
// first.
func (ma *MethodArgs) ReadFlags(n int) ([]bool, error) {
	b, err := ma.buf.ReadByte()
	if err != nil {
		return nil, err
	}
	flags := make([]bool, n)
	for i := range flags {
		flags[i] = b&(1<<uint(i)) != 0
	}
	return flags, nil
}

func (ma *MethodArgs) ReadUint8() (uint8, error) {
	return ma.buf.ReadByte()
}

func (ma *MethodArgs) ReadUint16() (uint16, error) {
	var v uint16
	err := binary.Read(ma.buf, binary.BigEndian, &v)
	return v, err
}

func (ma *MethodArgs) ReadUint32() (uint32, error) {
	var v uint32
	err := binary.Read(ma.buf, binary.BigEndian, &v)
	return v, err
}

func (ma *MethodArgs) ReadUint64() (uint64, error) {
	var v uint64
	err := binary.Read(ma.buf, binary.BigEndian, &v)
	return v, err
}

func (ma *MethodArgs) ReadShortString() (string, error) {
	return protocol.ReadShortString(ma.buf)
}

func (ma *MethodArgs) ReadLongString() ([]byte, error) {
	return protocol.ReadLongString(ma.buf)
}

func (ma *MethodArgs) ReadTable() (protocol.Table, error) {
	return protocol.ReadTable(ma.buf)
}

// MethodArgsBuilder writes method arguments in wire order. The first write
// error is kept and returned by Bytes.
type MethodArgsBuilder struct {
	buf bytes.Buffer
	err error
}

// NewMethodArgsBuilder returns an empty builder.
func NewMethodArgsBuilder() *MethodArgsBuilder {
	return &MethodArgsBuilder{}
}

// WriteFlags packs bit fields into octets, least significant bit first,
// eight to an octet.
func (mab *MethodArgsBuilder) WriteFlags(flags ...bool) *MethodArgsBuilder {
	var packed byte
	for i, flag := range flags {
		if flag {
			packed |= 1 << uint(i%8)
		}
		if i%8 == 7 || i == len(flags)-1 {
			mab.buf.WriteByte(packed)
			packed = 0
		}
	}
	return mab
}

func (mab *MethodArgsBuilder) WriteUint8(v uint8) *MethodArgsBuilder {
	mab.buf.WriteByte(v)
	return mab
}

func (mab *MethodArgsBuilder) WriteUint16(v uint16) *MethodArgsBuilder {
	mab.buf.Write(binary.BigEndian.AppendUint16(nil, v))
	return mab
}

func (mab *MethodArgsBuilder) WriteUint32(v uint32) *MethodArgsBuilder {
	mab.buf.Write(binary.BigEndian.AppendUint32(nil, v))
	return mab
}

func (mab *MethodArgsBuilder) WriteUint64(v uint64) *MethodArgsBuilder {
	mab.buf.Write(binary.BigEndian.AppendUint64(nil, v))
	return mab
}

func (mab *MethodArgsBuilder) WriteShortString(s string) *MethodArgsBuilder {
	if mab.err == nil {
		mab.err = protocol.WriteShortString(&mab.buf, s)
	}
	return mab
}

func (mab *MethodArgsBuilder) WriteLongString(data []byte) *MethodArgsBuilder {
	if mab.err == nil {
		mab.err = protocol.WriteLongString(&mab.buf, data)
	}
	return mab
}

func (mab *MethodArgsBuilder) WriteTable(table protocol.Table) *MethodArgsBuilder {
	if mab.err == nil {
		mab.err = protocol.WriteTable(&mab.buf, table)
	}
	return mab
}

// Bytes returns the encoded arguments or the first encoding error.
func (mab *MethodArgsBuilder) Bytes() ([]byte, error) {
	if mab.err != nil {
		return nil, mab.err
	}
	return mab.buf.Bytes(), nil
}
