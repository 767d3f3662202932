package config

import (
	"google.golang.org/protobuf/encoding/protowire"
)

// record is a small field map used as the value encoding of typed views.
// Field numbers are owned by each view.
type record map[protowire.Number]any

func (r record) encode() []byte {
	var b []byte

	for num := protowire.Number(1); num <= 16; num++ {
		v, ok := r[num]
		if !ok {
			continue
		}

		switch v := v.(type) {
		case string:
			if v != "" {
				b = appendBytes(b, num, []byte(v))
			}
		case []byte:
			if len(v) > 0 {
				b = appendBytes(b, num, v)
			}
		case bool:
			if v {
				b = appendVarint(b, num, 1)
			}
		case int64:
			if v != 0 {
				b = appendVarint(b, num, protowire.EncodeZigZag(v))
			}
		case [][]byte:
			for _, item := range v {
				b = appendBytes(b, num, item)
			}
		}
	}

	return b
}

// fields is the decoded form of a record, read by typed accessors.
type fields struct {
	raw    map[protowire.Number][][]byte
	varint map[protowire.Number]uint64
}

func decodeRecord(data []byte) fields {
	f := fields{raw: make(map[protowire.Number][][]byte), varint: make(map[protowire.Number]uint64)}

	// Records are produced locally or by verified deltas; a malformed
	// tail leaves the fields decoded so far.
	_ = walk(data, func(num protowire.Number, raw []byte, n uint64) error {
		if raw != nil {
			f.raw[num] = append(f.raw[num], raw)
		} else {
			f.varint[num] = n
		}
		return nil
	})

	return f
}

func (f fields) str(num protowire.Number) string {
	if v := f.raw[num]; len(v) > 0 {
		return string(v[0])
	}

	return ""
}

func (f fields) bytes(num protowire.Number) []byte {
	if v := f.raw[num]; len(v) > 0 {
		return append([]byte(nil), v[0]...)
	}

	return nil
}

func (f fields) list(num protowire.Number) [][]byte {
	return f.raw[num]
}

func (f fields) flag(num protowire.Number) bool {
	return f.varint[num] != 0
}

func (f fields) int(num protowire.Number) int64 {
	return protowire.DecodeZigZag(f.varint[num])
}
