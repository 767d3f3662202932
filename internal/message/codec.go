package message

import (
	"fmt"
	"time"

	"google.golang.org/protobuf/encoding/protowire"

	"SwarmSync/internal/account"
)

// Content field numbers. Exactly one body field is set.
const (
	fieldVisible     protowire.Number = 1
	fieldReceipt     protowire.Number = 2
	fieldTyping      protowire.Number = 3
	fieldUnsend      protowire.Number = 4
	fieldExpiration  protowire.Number = 5
	fieldGroupUpdate protowire.Number = 6
	fieldSyncTarget  protowire.Number = 7
	fieldSentAt      protowire.Number = 8
	fieldExpiresInMs protowire.Number = 9
)

// EncodeContent serializes the body and metadata of m. Sender and Hash
// are transport facts and are not encoded.
func EncodeContent(m *Message) ([]byte, error) {
	if m.Body == nil {
		return nil, ErrEmpty
	}

	var b []byte

	switch body := m.Body.(type) {
	case *Visible:
		b = appendMessage(b, fieldVisible, encodeVisible(body))
	case *ReadReceipt:
		b = appendMessage(b, fieldReceipt, encodeReceipt(body))
	case *Typing:
		b = appendMessage(b, fieldTyping, protowire.AppendVarint(protowire.AppendTag(nil, 1, protowire.VarintType), protowire.EncodeBool(body.Started)))
	case *Unsend:
		b = appendMessage(b, fieldUnsend, encodeUnsend(body))
	case *ExpirationTimerUpdate:
		b = appendMessage(b, fieldExpiration, appendUint(nil, 1, uint64(body.Seconds)))
	case *GroupUpdate:
		b = appendMessage(b, fieldGroupUpdate, encodeGroupUpdate(body))
	default:
		return nil, fmt.Errorf("encode %T: unsupported body", m.Body)
	}

	if m.SyncTarget != "" {
		b = appendString(b, fieldSyncTarget, m.SyncTarget)
	}
	b = appendUint(b, fieldSentAt, uint64(m.SentAt))
	if m.ExpiresIn > 0 {
		b = appendUint(b, fieldExpiresInMs, uint64(m.ExpiresIn/time.Millisecond))
	}

	return b, nil
}

// DecodeContent parses data written by EncodeContent. Unknown fields are skipped.
func DecodeContent(data []byte) (*Message, error) {
	m := &Message{}

	err := walk(data, func(num protowire.Number, typ protowire.Type, v []byte, n uint64) error {
		var err error

		switch {
		case num == fieldVisible && typ == protowire.BytesType:
			m.Body, err = decodeVisible(v)
		case num == fieldReceipt && typ == protowire.BytesType:
			m.Body, err = decodeReceipt(v)
		case num == fieldTyping && typ == protowire.BytesType:
			t := &Typing{}
			err = walk(v, func(num protowire.Number, _ protowire.Type, _ []byte, n uint64) error {
				if num == 1 {
					t.Started = protowire.DecodeBool(n)
				}
				return nil
			})
			m.Body = t
		case num == fieldUnsend && typ == protowire.BytesType:
			m.Body, err = decodeUnsend(v)
		case num == fieldExpiration && typ == protowire.BytesType:
			e := &ExpirationTimerUpdate{}
			err = walk(v, func(num protowire.Number, _ protowire.Type, _ []byte, n uint64) error {
				if num == 1 {
					e.Seconds = uint32(n)
				}
				return nil
			})
			m.Body = e
		case num == fieldGroupUpdate && typ == protowire.BytesType:
			m.Body, err = decodeGroupUpdate(v)
		case num == fieldSyncTarget && typ == protowire.BytesType:
			m.SyncTarget = string(v)
		case num == fieldSentAt && typ == protowire.VarintType:
			m.SentAt = int64(n)
		case num == fieldExpiresInMs && typ == protowire.VarintType:
			m.ExpiresIn = time.Duration(n) * time.Millisecond
		}

		return err
	})
	if err != nil {
		return nil, err
	}

	if m.Body == nil {
		return nil, fmt.Errorf("%w: no body", ErrMalformed)
	}

	return m, nil
}

// ===== bodies =====

func encodeVisible(v *Visible) []byte {
	var b []byte
	b = appendString(b, 1, v.Text)
	if v.ProfileName != "" {
		b = appendString(b, 2, v.ProfileName)
	}
	if v.ExpireTimer > 0 {
		b = appendUint(b, 3, uint64(v.ExpireTimer))
	}

	return b
}

func decodeVisible(data []byte) (*Visible, error) {
	v := &Visible{}

	err := walk(data, func(num protowire.Number, _ protowire.Type, raw []byte, n uint64) error {
		switch num {
		case 1:
			v.Text = string(raw)
		case 2:
			v.ProfileName = string(raw)
		case 3:
			v.ExpireTimer = uint32(n)
		}
		return nil
	})

	return v, err
}

func encodeReceipt(r *ReadReceipt) []byte {
	var packed []byte
	for _, ts := range r.Timestamps {
		packed = protowire.AppendVarint(packed, uint64(ts))
	}

	return appendBytes(nil, 1, packed)
}

func decodeReceipt(data []byte) (*ReadReceipt, error) {
	r := &ReadReceipt{}

	err := walk(data, func(num protowire.Number, typ protowire.Type, raw []byte, n uint64) error {
		if num != 1 {
			return nil
		}

		if typ == protowire.VarintType {
			r.Timestamps = append(r.Timestamps, int64(n))
			return nil
		}

		for len(raw) > 0 {
			v, l := protowire.ConsumeVarint(raw)
			if l < 0 {
				return fmt.Errorf("%w: receipt timestamps: %v", ErrMalformed, protowire.ParseError(l))
			}
			r.Timestamps = append(r.Timestamps, int64(v))
			raw = raw[l:]
		}
		return nil
	})

	return r, err
}

func encodeUnsend(u *Unsend) []byte {
	b := appendBytes(nil, 1, u.Author[:])
	return appendUint(b, 2, uint64(u.Timestamp))
}

func decodeUnsend(data []byte) (*Unsend, error) {
	u := &Unsend{}

	err := walk(data, func(num protowire.Number, _ protowire.Type, raw []byte, n uint64) error {
		switch num {
		case 1:
			if len(raw) != len(u.Author) {
				return fmt.Errorf("%w: unsend author length %d", ErrMalformed, len(raw))
			}
			copy(u.Author[:], raw)
		case 2:
			u.Timestamp = int64(n)
		}
		return nil
	})

	return u, err
}

func encodeGroupUpdate(g *GroupUpdate) []byte {
	b := appendUint(nil, 1, uint64(g.Type))
	if len(g.GroupKey) > 0 {
		b = appendBytes(b, 2, g.GroupKey)
	}
	if g.Name != "" {
		b = appendString(b, 3, g.Name)
	}
	for _, m := range g.Members {
		b = appendBytes(b, 4, m[:])
	}
	for _, a := range g.Admins {
		b = appendBytes(b, 5, a[:])
	}
	if len(g.KeyPublic) > 0 {
		b = appendBytes(b, 6, g.KeyPublic)
		b = appendBytes(b, 7, g.KeyPrivate)
	}

	return b
}

func decodeGroupUpdate(data []byte) (*GroupUpdate, error) {
	g := &GroupUpdate{}

	err := walk(data, func(num protowire.Number, _ protowire.Type, raw []byte, n uint64) error {
		switch num {
		case 1:
			g.Type = GroupUpdateType(n)
		case 2:
			g.GroupKey = raw
		case 3:
			g.Name = string(raw)
		case 4, 5:
			var id account.ID
			if len(raw) != len(id) {
				return fmt.Errorf("%w: member id length %d", ErrMalformed, len(raw))
			}
			copy(id[:], raw)
			if num == 4 {
				g.Members = append(g.Members, id)
			} else {
				g.Admins = append(g.Admins, id)
			}
		case 6:
			g.KeyPublic = raw
		case 7:
			g.KeyPrivate = raw
		}
		return nil
	})

	return g, err
}

// ===== wire helpers =====

func appendUint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendString(b []byte, num protowire.Number, s string) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendString(b, s)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

func appendMessage(b []byte, num protowire.Number, body []byte) []byte {
	return appendBytes(b, num, body)
}

// walk visits each field of data. Bytes fields pass their value in raw,
// varint and fixed fields pass it in n. Groups are skipped.
func walk(data []byte, visit func(num protowire.Number, typ protowire.Type, raw []byte, n uint64) error) error {
	for len(data) > 0 {
		num, typ, l := protowire.ConsumeTag(data)
		if l < 0 {
			return fmt.Errorf("%w: %v", ErrMalformed, protowire.ParseError(l))
		}
		data = data[l:]

		var (
			raw []byte
			n   uint64
		)

		switch typ {
		case protowire.VarintType:
			n, l = protowire.ConsumeVarint(data)
		case protowire.Fixed32Type:
			var v uint32
			v, l = protowire.ConsumeFixed32(data)
			n = uint64(v)
		case protowire.Fixed64Type:
			n, l = protowire.ConsumeFixed64(data)
		case protowire.BytesType:
			raw, l = protowire.ConsumeBytes(data)
		default:
			l = protowire.ConsumeFieldValue(num, typ, data)
			if l >= 0 {
				data = data[l:]
				continue
			}
		}

		if l < 0 {
			return fmt.Errorf("%w: field %d: %v", ErrMalformed, num, protowire.ParseError(l))
		}
		data = data[l:]

		if err := visit(num, typ, raw, n); err != nil {
			return err
		}
	}

	return nil
}
