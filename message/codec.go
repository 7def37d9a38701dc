package message

import (
	"bytes"
	"encoding/binary"
	"fmt"
	"io"

	"github.com/google/uuid"
)

// MaxFrameSize is the largest serialized frame accepted at read time.
const MaxFrameSize = 1 << 20 // 1 MiB

// ErrFrameTooLarge is returned by ReadFrame when the length prefix exceeds
// MaxFrameSize. The caller should drop the stream without reading the body.
var ErrFrameTooLarge = fmt.Errorf("frame exceeds %d bytes", MaxFrameSize)

// Encode serializes the frame. Equal frames yield equal bytes: all integers
// are big-endian and every string, byte slice and list is length-prefixed.
// Layout: 16-byte id, 1-byte type tag, 1-byte priority, 1-byte require_ack,
// then the variant fields in declaration order.
func (f *Frame) Encode() ([]byte, error) {
	var buf bytes.Buffer
	buf.Write(f.ID[:])
	buf.WriteByte(byte(f.Body.Type()))
	buf.WriteByte(f.Priority)
	putBool(&buf, f.RequireAck)

	switch m := f.Body.(type) {
	case Handshake:
		putOptString(&buf, m.ClientName)
		putString(&buf, m.ProtocolVersion)
	case HandshakeResponse:
		buf.Write(m.ClientID[:])
		putString(&buf, m.ServerName)
		putBool(&buf, m.Accepted)
		putOptString(&buf, m.Reason)
	case Text:
		putString(&buf, m.Content)
		putU64(&buf, m.Timestamp)
	case Binary:
		putBytes(&buf, m.Data)
		putU64(&buf, m.Timestamp)
	case Broadcast:
		buf.Write(m.From[:])
		putString(&buf, m.Content)
		putU64(&buf, m.Timestamp)
	case DirectMessage:
		buf.Write(m.From[:])
		buf.Write(m.To[:])
		putString(&buf, m.Content)
		putU64(&buf, m.Timestamp)
	case Ping:
		putU64(&buf, m.Timestamp)
	case Pong:
		putU64(&buf, m.Timestamp)
	case ListClients:
	case ClientList:
		putU32(&buf, uint32(len(m.Clients)))
		for _, c := range m.Clients {
			buf.Write(c.ID[:])
			putOptString(&buf, c.Name)
			putU64(&buf, c.ConnectedAt)
			putU64(&buf, c.LastSeen)
		}
	case Close:
		putU16(&buf, m.Code)
		putString(&buf, m.Reason)
	case Error:
		putU16(&buf, m.Code)
		putString(&buf, m.Message)
	case Subscribe:
		putStrings(&buf, m.Topics)
	case Unsubscribe:
		putStrings(&buf, m.Topics)
	case ServerPush:
		putString(&buf, m.Topic)
		putString(&buf, m.Content)
		putU64(&buf, m.Timestamp)
	default:
		return nil, fmt.Errorf("unencodable message type %T", f.Body)
	}
	return buf.Bytes(), nil
}

// Decode deserializes a frame produced by Encode. Truncated or trailing
// bytes are errors.
func Decode(data []byte) (*Frame, error) {
	d := &decoder{data: data}
	f := &Frame{}
	if err := d.uuid(&f.ID); err != nil {
		return nil, err
	}
	tag, err := d.u8()
	if err != nil {
		return nil, err
	}
	if f.Priority, err = d.u8(); err != nil {
		return nil, err
	}
	if f.RequireAck, err = d.bool(); err != nil {
		return nil, err
	}

	switch Type(tag) {
	case TypeHandshake:
		var m Handshake
		if m.ClientName, err = d.optString(); err == nil {
			m.ProtocolVersion, err = d.string()
		}
		f.Body = m
	case TypeHandshakeResponse:
		var m HandshakeResponse
		if err = d.uuid(&m.ClientID); err == nil {
			if m.ServerName, err = d.string(); err == nil {
				if m.Accepted, err = d.bool(); err == nil {
					m.Reason, err = d.optString()
				}
			}
		}
		f.Body = m
	case TypeText:
		var m Text
		if m.Content, err = d.string(); err == nil {
			m.Timestamp, err = d.u64()
		}
		f.Body = m
	case TypeBinary:
		var m Binary
		if m.Data, err = d.bytes(); err == nil {
			m.Timestamp, err = d.u64()
		}
		f.Body = m
	case TypeBroadcast:
		var m Broadcast
		if err = d.uuid(&m.From); err == nil {
			if m.Content, err = d.string(); err == nil {
				m.Timestamp, err = d.u64()
			}
		}
		f.Body = m
	case TypeDirectMessage:
		var m DirectMessage
		if err = d.uuid(&m.From); err == nil {
			if err = d.uuid(&m.To); err == nil {
				if m.Content, err = d.string(); err == nil {
					m.Timestamp, err = d.u64()
				}
			}
		}
		f.Body = m
	case TypePing:
		var m Ping
		m.Timestamp, err = d.u64()
		f.Body = m
	case TypePong:
		var m Pong
		m.Timestamp, err = d.u64()
		f.Body = m
	case TypeListClients:
		f.Body = ListClients{}
	case TypeClientList:
		var m ClientList
		var n uint32
		if n, err = d.u32(); err == nil {
			if int(n) > len(d.data)/16 {
				return nil, fmt.Errorf("client list count %d exceeds frame size", n)
			}
			m.Clients = make([]ClientInfo, 0, n)
			for i := uint32(0); i < n && err == nil; i++ {
				var c ClientInfo
				if err = d.uuid(&c.ID); err == nil {
					if c.Name, err = d.optString(); err == nil {
						if c.ConnectedAt, err = d.u64(); err == nil {
							c.LastSeen, err = d.u64()
						}
					}
				}
				m.Clients = append(m.Clients, c)
			}
		}
		f.Body = m
	case TypeClose:
		var m Close
		if m.Code, err = d.u16(); err == nil {
			m.Reason, err = d.string()
		}
		f.Body = m
	case TypeError:
		var m Error
		if m.Code, err = d.u16(); err == nil {
			m.Message, err = d.string()
		}
		f.Body = m
	case TypeSubscribe:
		var m Subscribe
		m.Topics, err = d.strings()
		f.Body = m
	case TypeUnsubscribe:
		var m Unsubscribe
		m.Topics, err = d.strings()
		f.Body = m
	case TypeServerPush:
		var m ServerPush
		if m.Topic, err = d.string(); err == nil {
			if m.Content, err = d.string(); err == nil {
				m.Timestamp, err = d.u64()
			}
		}
		f.Body = m
	default:
		return nil, fmt.Errorf("unknown message type tag %d", tag)
	}
	if err != nil {
		return nil, err
	}
	if d.off != len(d.data) {
		return nil, fmt.Errorf("%d trailing bytes after frame", len(d.data)-d.off)
	}
	return f, nil
}

// WriteTo writes the frame with its u32 big-endian length prefix.
func (f *Frame) WriteTo(w io.Writer) error {
	payload, err := f.Encode()
	if err != nil {
		return err
	}
	var prefix [4]byte
	binary.BigEndian.PutUint32(prefix[:], uint32(len(payload)))
	if _, err := w.Write(prefix[:]); err != nil {
		return err
	}
	_, err = w.Write(payload)
	return err
}

// ReadFrame reads one length-prefixed frame. Oversize frames are rejected
// before the body is read.
func ReadFrame(r io.Reader) (*Frame, error) {
	var prefix [4]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, err
	}
	n := binary.BigEndian.Uint32(prefix[:])
	if n > MaxFrameSize {
		return nil, ErrFrameTooLarge
	}
	payload := make([]byte, n)
	if _, err := io.ReadFull(r, payload); err != nil {
		return nil, err
	}
	return Decode(payload)
}

func putU16(buf *bytes.Buffer, v uint16) {
	var b [2]byte
	binary.BigEndian.PutUint16(b[:], v)
	buf.Write(b[:])
}

func putU32(buf *bytes.Buffer, v uint32) {
	var b [4]byte
	binary.BigEndian.PutUint32(b[:], v)
	buf.Write(b[:])
}

func putU64(buf *bytes.Buffer, v uint64) {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	buf.Write(b[:])
}

func putBool(buf *bytes.Buffer, v bool) {
	if v {
		buf.WriteByte(1)
	} else {
		buf.WriteByte(0)
	}
}

func putBytes(buf *bytes.Buffer, b []byte) {
	putU32(buf, uint32(len(b)))
	buf.Write(b)
}

func putString(buf *bytes.Buffer, s string) {
	putU32(buf, uint32(len(s)))
	buf.WriteString(s)
}

// putOptString writes a presence byte followed by the string when non-empty.
func putOptString(buf *bytes.Buffer, s string) {
	if s == "" {
		buf.WriteByte(0)
		return
	}
	buf.WriteByte(1)
	putString(buf, s)
}

func putStrings(buf *bytes.Buffer, ss []string) {
	putU32(buf, uint32(len(ss)))
	for _, s := range ss {
		putString(buf, s)
	}
}

type decoder struct {
	data []byte
	off  int
}

func (d *decoder) take(n int) ([]byte, error) {
	if n < 0 || len(d.data)-d.off < n {
		return nil, io.ErrUnexpectedEOF
	}
	b := d.data[d.off : d.off+n]
	d.off += n
	return b, nil
}

func (d *decoder) u8() (uint8, error) {
	b, err := d.take(1)
	if err != nil {
		return 0, err
	}
	return b[0], nil
}

func (d *decoder) u16() (uint16, error) {
	b, err := d.take(2)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint16(b), nil
}

func (d *decoder) u32() (uint32, error) {
	b, err := d.take(4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

func (d *decoder) u64() (uint64, error) {
	b, err := d.take(8)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint64(b), nil
}

func (d *decoder) bool() (bool, error) {
	v, err := d.u8()
	return v != 0, err
}

func (d *decoder) uuid(id *uuid.UUID) error {
	b, err := d.take(16)
	if err != nil {
		return err
	}
	copy(id[:], b)
	return nil
}

func (d *decoder) bytes() ([]byte, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	b, err := d.take(int(n))
	if err != nil {
		return nil, err
	}
	out := make([]byte, n)
	copy(out, b)
	return out, nil
}

func (d *decoder) string() (string, error) {
	n, err := d.u32()
	if err != nil {
		return "", err
	}
	b, err := d.take(int(n))
	if err != nil {
		return "", err
	}
	return string(b), nil
}

func (d *decoder) optString() (string, error) {
	present, err := d.bool()
	if err != nil || !present {
		return "", err
	}
	return d.string()
}

func (d *decoder) strings() ([]string, error) {
	n, err := d.u32()
	if err != nil {
		return nil, err
	}
	if int(n) > len(d.data) {
		return nil, fmt.Errorf("string list count %d exceeds frame size", n)
	}
	out := make([]string, 0, n)
	for i := uint32(0); i < n; i++ {
		s, err := d.string()
		if err != nil {
			return nil, err
		}
		out = append(out, s)
	}
	return out, nil
}
