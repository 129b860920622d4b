package rabbitmq

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"time"

	"github.com/israelio/simpleamqp/internal/protocol"
)

// Table is an AMQP field table.
type Table = protocol.Table

// Properties are the basic class content properties. A field is sent only
// when it is set, and a decoded field stays at its zero value unless its
// flag bit was present.
type Properties struct {
	ContentType     string
	ContentEncoding string
	Headers         Table
	DeliveryMode    uint8
	Priority        uint8
	CorrelationID   string
	ReplyTo         string
	Expiration      string
	MessageID       string
	Timestamp       time.Time
	Type            string
	UserID          string
	AppID           string
	ClusterID       string
}

// Message is a message body with its properties.
type Message struct {
	Properties
	Body []byte
}

// NewMessage returns a message carrying body with no properties set.
func NewMessage(body []byte) *Message {
	return &Message{Body: body}
}

const (
	flagContentType     = 0x8000
	flagContentEncoding = 0x4000
	flagHeaders         = 0x2000
	flagDeliveryMode    = 0x1000
	flagPriority        = 0x0800
	flagCorrelationID   = 0x0400
	flagReplyTo         = 0x0200
	flagExpiration      = 0x0100
	flagMessageID       = 0x0080
	flagTimestamp       = 0x0040
	flagType            = 0x0020
	flagUserID          = 0x0010
	flagAppID           = 0x0008
	flagClusterID       = 0x0004
)

// shortFields lists the short string properties in wire order after the
// priority octet.
func (p *Properties) shortFields() []struct {
	flag uint16
	val  *string
} {
	return []struct {
		flag uint16
		val  *string
	}{
		{flagCorrelationID, &p.CorrelationID},
		{flagReplyTo, &p.ReplyTo},
		{flagExpiration, &p.Expiration},
		{flagMessageID, &p.MessageID},
	}
}

func (p *Properties) tailFields() []struct {
	flag uint16
	val  *string
} {
	return []struct {
		flag uint16
		val  *string
	}{
		{flagType, &p.Type},
		{flagUserID, &p.UserID},
		{flagAppID, &p.AppID},
		{flagClusterID, &p.ClusterID},
	}
}

func (p *Properties) flags() uint16 {
	var flags uint16
	if p.ContentType != "" {
		flags |= flagContentType
	}
	if p.ContentEncoding != "" {
		flags |= flagContentEncoding
	}
	if len(p.Headers) > 0 {
		flags |= flagHeaders
	}
	if p.DeliveryMode != 0 {
		flags |= flagDeliveryMode
	}
	if p.Priority != 0 {
		flags |= flagPriority
	}
	if !p.Timestamp.IsZero() {
		flags |= flagTimestamp
	}
	for _, f := range append(p.shortFields(), p.tailFields()...) {
		if *f.val != "" {
			flags |= f.flag
		}
	}
	return flags
}

// EncodeProperties encodes p as a content header property list.
func EncodeProperties(p Properties) ([]byte, error) {
	var buf bytes.Buffer
	flags := p.flags()
	binary.Write(&buf, binary.BigEndian, flags)

	writeShort := func(flag uint16, s string) error {
		if flags&flag == 0 {
			return nil
		}
		return protocol.WriteShortString(&buf, s)
	}

	if err := writeShort(flagContentType, p.ContentType); err != nil {
		return nil, fmt.Errorf("content type: %w", err)
	}
	if err := writeShort(flagContentEncoding, p.ContentEncoding); err != nil {
		return nil, fmt.Errorf("content encoding: %w", err)
	}
	if flags&flagHeaders != 0 {
		if err := protocol.WriteTable(&buf, p.Headers); err != nil {
			return nil, fmt.Errorf("headers: %w", err)
		}
	}
	if flags&flagDeliveryMode != 0 {
		buf.WriteByte(p.DeliveryMode)
	}
	if flags&flagPriority != 0 {
		buf.WriteByte(p.Priority)
	}
	for _, f := range p.shortFields() {
		if err := writeShort(f.flag, *f.val); err != nil {
			return nil, err
		}
	}
	if flags&flagTimestamp != 0 {
		binary.Write(&buf, binary.BigEndian, uint64(p.Timestamp.Unix()))
	}
	for _, f := range p.tailFields() {
		if err := writeShort(f.flag, *f.val); err != nil {
			return nil, err
		}
	}

	return buf.Bytes(), nil
}

// DecodeProperties decodes a content header property list.
func DecodeProperties(data []byte) (Properties, error) {
	var p Properties
	r := bytes.NewReader(data)

	var flags uint16
	if err := binary.Read(r, binary.BigEndian, &flags); err != nil {
		return p, fmt.Errorf("property flags: %w", err)
	}

	readShort := func(flag uint16, dst *string) error {
		if flags&flag == 0 {
			return nil
		}
		s, err := protocol.ReadShortString(r)
		if err != nil {
			return err
		}
		*dst = s
		return nil
	}

	if err := readShort(flagContentType, &p.ContentType); err != nil {
		return p, fmt.Errorf("content type: %w", err)
	}
	if err := readShort(flagContentEncoding, &p.ContentEncoding); err != nil {
		return p, fmt.Errorf("content encoding: %w", err)
	}
	if flags&flagHeaders != 0 {
		headers, err := protocol.ReadTable(r)
		if err != nil {
			return p, fmt.Errorf("headers: %w", err)
		}
		p.Headers = headers
	}
	if flags&flagDeliveryMode != 0 {
		if err := binary.Read(r, binary.BigEndian, &p.DeliveryMode); err != nil {
			return p, fmt.Errorf("delivery mode: %w", err)
		}
	}
	if flags&flagPriority != 0 {
		if err := binary.Read(r, binary.BigEndian, &p.Priority); err != nil {
			return p, fmt.Errorf("priority: %w", err)
		}
	}
	for _, f := range p.shortFields() {
		if err := readShort(f.flag, f.val); err != nil {
			return p, err
		}
	}
	if flags&flagTimestamp != 0 {
		var ts uint64
		if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
			return p, fmt.Errorf("timestamp: %w", err)
		}
		p.Timestamp = time.Unix(int64(ts), 0)
	}
	for _, f := range p.tailFields() {
		if err := readShort(f.flag, f.val); err != nil {
			return p, err
		}
	}

	return p, nil
}
