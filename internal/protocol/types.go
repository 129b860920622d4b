package protocol

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
	"io"
	"time"
)

// Table represents an AMQP field table
type Table map[string]interface{}

// Decimal is the AMQP decimal field value.
type Decimal struct {
	Scale uint8
	Value int32
}

// ErrShortStringTooLong is returned when a short string exceeds 255 bytes.
var ErrShortStringTooLong = errors.New("protocol: short string longer than 255 bytes")

// String returns the value of key as a string when it holds a string or
// byte slice.
func (t Table) String(key string) (string, bool) {
	switch v := t[key].(type) {
	case string:
		return v, true
	case []byte:
		return string(v), true
	default:
		return "", false
	}
}

// ReadShortString reads a short string (max 255 bytes)
func ReadShortString(r io.Reader) (string, error) {
	var length [1]byte
	if _, err := io.ReadFull(r, length[:]); err != nil {
		return "", err
	}
	buf := make([]byte, length[0])
	if _, err := io.ReadFull(r, buf); err != nil {
		return "", err
	}
	return string(buf), nil
}

// WriteShortString writes a short string
func WriteShortString(w io.Writer, s string) error {
	if len(s) > 255 {
		return fmt.Errorf("%w: %d", ErrShortStringTooLong, len(s))
	}
	if _, err := w.Write([]byte{byte(len(s))}); err != nil {
		return err
	}
	_, err := io.WriteString(w, s)
	return err
}

// ReadLongString reads a long string
func ReadLongString(r io.Reader) ([]byte, error) {
	var length uint32
	if err := binary.Read(r, binary.BigEndian, &length); err != nil {
		return nil, err
	}
	buf := make([]byte, length)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}

// WriteLongString writes a long string
func WriteLongString(w io.Writer, data []byte) error {
	if err := binary.Write(w, binary.BigEndian, uint32(len(data))); err != nil {
		return err
	}
	_, err := w.Write(data)
	return err
}

// ReadTable reads an AMQP field table
func ReadTable(r io.Reader) (Table, error) {
	data, err := ReadLongString(r)
	if err != nil {
		return nil, err
	}

	table := make(Table)
	buf := bytes.NewReader(data)
	for buf.Len() > 0 {
		name, err := ReadShortString(buf)
		if err != nil {
			return nil, fmt.Errorf("table key: %w", err)
		}
		value, err := readFieldValue(buf)
		if err != nil {
			return nil, fmt.Errorf("table field %q: %w", name, err)
		}
		table[name] = value
	}
	return table, nil
}

// WriteTable writes an AMQP field table
func WriteTable(w io.Writer, table Table) error {
	var buf bytes.Buffer
	for name, value := range table {
		if err := WriteShortString(&buf, name); err != nil {
			return err
		}
		if err := writeFieldValue(&buf, value); err != nil {
			return fmt.Errorf("table field %q: %w", name, err)
		}
	}
	return WriteLongString(w, buf.Bytes())
}

func readFieldValue(r *bytes.Reader) (interface{}, error) {
	kind, err := r.ReadByte()
	if err != nil {
		return nil, err
	}

	switch kind {
	case 't':
		b, err := r.ReadByte()
		return b != 0, err
	case 'b':
		var v int8
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'B':
		var v uint8
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 's':
		var v int16
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'u':
		var v uint16
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'I':
		var v int32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'i':
		var v uint32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'l':
		var v int64
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'f':
		var v float32
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'd':
		var v float64
		err := binary.Read(r, binary.BigEndian, &v)
		return v, err
	case 'D':
		var v Decimal
		if err := binary.Read(r, binary.BigEndian, &v.Scale); err != nil {
			return nil, err
		}
		err := binary.Read(r, binary.BigEndian, &v.Value)
		return v, err
	case 'S':
		s, err := ReadLongString(r)
		return string(s), err
	case 'x':
		return ReadLongString(r)
	case 'A':
		return readArray(r)
	case 'T':
		var ts uint64
		if err := binary.Read(r, binary.BigEndian, &ts); err != nil {
			return nil, err
		}
		return time.Unix(int64(ts), 0), nil
	case 'F':
		return ReadTable(r)
	case 'V':
		return nil, nil
	default:
		return nil, fmt.Errorf("unknown field type: %q", kind)
	}
}

func writeFieldValue(w *bytes.Buffer, value interface{}) error {
	switch v := value.(type) {
	case bool:
		w.WriteByte('t')
		if v {
			return w.WriteByte(1)
		}
		return w.WriteByte(0)
	case int8:
		w.WriteByte('b')
		return binary.Write(w, binary.BigEndian, v)
	case uint8:
		w.WriteByte('B')
		return w.WriteByte(v)
	case int16:
		w.WriteByte('s')
		return binary.Write(w, binary.BigEndian, v)
	case uint16:
		w.WriteByte('u')
		return binary.Write(w, binary.BigEndian, v)
	case int32:
		w.WriteByte('I')
		return binary.Write(w, binary.BigEndian, v)
	case int:
		w.WriteByte('I')
		return binary.Write(w, binary.BigEndian, int32(v))
	case uint32:
		w.WriteByte('i')
		return binary.Write(w, binary.BigEndian, v)
	case int64:
		w.WriteByte('l')
		return binary.Write(w, binary.BigEndian, v)
	case float32:
		w.WriteByte('f')
		return binary.Write(w, binary.BigEndian, v)
	case float64:
		w.WriteByte('d')
		return binary.Write(w, binary.BigEndian, v)
	case Decimal:
		w.WriteByte('D')
		w.WriteByte(v.Scale)
		return binary.Write(w, binary.BigEndian, v.Value)
	case string:
		w.WriteByte('S')
		return WriteLongString(w, []byte(v))
	case []byte:
		w.WriteByte('x')
		return WriteLongString(w, v)
	case time.Time:
		w.WriteByte('T')
		return binary.Write(w, binary.BigEndian, uint64(v.Unix()))
	case Table:
		w.WriteByte('F')
		return WriteTable(w, v)
	case map[string]interface{}:
		w.WriteByte('F')
		return WriteTable(w, Table(v))
	case []interface{}:
		w.WriteByte('A')
		return writeArray(w, v)
	case nil:
		return w.WriteByte('V')
	default:
		return fmt.Errorf("unsupported field value type: %T", value)
	}
}

func readArray(r io.Reader) ([]interface{}, error) {
	data, err := ReadLongString(r)
	if err != nil {
		return nil, err
	}

	values := []interface{}{}
	buf := bytes.NewReader(data)
	for buf.Len() > 0 {
		value, err := readFieldValue(buf)
		if err != nil {
			return nil, err
		}
		values = append(values, value)
	}
	return values, nil
}

func writeArray(w io.Writer, values []interface{}) error {
	var buf bytes.Buffer
	for _, value := range values {
		if err := writeFieldValue(&buf, value); err != nil {
			return err
		}
	}
	return WriteLongString(w, buf.Bytes())
}
