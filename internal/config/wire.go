package config

import (
	"crypto/ed25519"
	"encoding/hex"
	"fmt"
	"sort"

	"google.golang.org/protobuf/encoding/protowire"

	"SwarmSync/internal/crypt"
)

// ===== dumps =====

// Dump serializes the object deterministically and clears NeedsDump.
// Identical merged states produce identical bytes.
func (o *Object) Dump() []byte {
	o.mu.Lock()
	defer o.mu.Unlock()

	keys := make([]string, 0, len(o.regs))
	for k := range o.regs {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	b := appendVarint(nil, 1, uint64(o.seqNo))
	b = protowire.AppendTag(b, 2, protowire.VarintType)
	b = protowire.AppendVarint(b, protowire.EncodeBool(o.dirty))

	for _, k := range keys {
		r := o.regs[k]

		var rb []byte
		rb = appendBytes(rb, 1, []byte(k))
		if !r.deleted {
			rb = appendBytes(rb, 2, r.value)
		}
		rb = protowire.AppendTag(rb, 3, protowire.VarintType)
		rb = protowire.AppendVarint(rb, protowire.EncodeBool(r.deleted))
		rb = appendVarint(rb, 4, uint64(r.seq))
		rb = appendBytes(rb, 5, []byte(r.author))
		rb = appendBytes(rb, 6, []byte(r.hash))

		b = appendBytes(b, 3, rb)
	}

	o.dumpDirty = false

	return b
}

// LoadObject restores an object from a Dump.
func LoadObject(author string, data []byte) (*Object, error) {
	o := NewObject(author)

	err := walk(data, func(num protowire.Number, raw []byte, n uint64) error {
		switch num {
		case 1:
			o.seqNo = int64(n)
		case 2:
			o.dirty = protowire.DecodeBool(n)
		case 3:
			var (
				key string
				r   register
			)
			err := walk(raw, func(num protowire.Number, raw []byte, n uint64) error {
				switch num {
				case 1:
					key = string(raw)
				case 2:
					r.value = append([]byte(nil), raw...)
				case 3:
					r.deleted = protowire.DecodeBool(n)
				case 4:
					r.seq = int64(n)
				case 5:
					r.author = string(raw)
				case 6:
					r.hash = string(raw)
				}
				return nil
			})
			if err != nil {
				return err
			}
			o.regs[key] = r
		}
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("load config dump:\n%w", err)
	}

	return o, nil
}

// ===== deltas =====

// encodeDelta serializes the signed body of d.
func encodeDelta(d Delta) []byte {
	b := appendVarint(nil, 1, uint64(d.SeqNo))
	b = appendBytes(b, 2, []byte(d.Author))

	for _, e := range d.Entries {
		var eb []byte
		eb = appendBytes(eb, 1, []byte(e.Key))
		if e.Deleted {
			eb = protowire.AppendTag(eb, 3, protowire.VarintType)
			eb = protowire.AppendVarint(eb, 1)
		} else {
			eb = appendBytes(eb, 2, e.Value)
		}
		b = appendBytes(b, 3, eb)
	}

	return b
}

func decodeDelta(data []byte) (Delta, error) {
	var d Delta

	err := walk(data, func(num protowire.Number, raw []byte, n uint64) error {
		switch num {
		case 1:
			d.SeqNo = int64(n)
		case 2:
			d.Author = string(raw)
		case 3:
			var e Entry
			err := walk(raw, func(num protowire.Number, raw []byte, n uint64) error {
				switch num {
				case 1:
					e.Key = string(raw)
				case 2:
					e.Value = append([]byte(nil), raw...)
				case 3:
					e.Deleted = n != 0
				}
				return nil
			})
			if err != nil {
				return err
			}
			d.Entries = append(d.Entries, e)
		}
		return nil
	})

	return d, err
}

// SealDelta signs d with priv, which also becomes its author, and
// encrypts it under key.
func SealDelta(d Delta, priv ed25519.PrivateKey, key []byte) ([]byte, error) {
	d.Author = hex.EncodeToString(priv.Public().(ed25519.PublicKey))
	body := encodeDelta(d)

	signed := appendBytes(nil, 1, body)
	signed = appendBytes(signed, 2, ed25519.Sign(priv, body))

	out, err := crypt.Encrypt(key, crypt.Pad(signed), nil)
	if err != nil {
		return nil, fmt.Errorf("encrypt delta:\n%w", err)
	}

	return out, nil
}

// OpenDelta decrypts data with the first key that works, checks the
// signature and that allowed accepts the author.
func OpenDelta(data []byte, keys [][]byte, allowed func(author ed25519.PublicKey) bool) (Delta, error) {
	var plain []byte

	for _, k := range keys {
		p, err := crypt.Decrypt(k, data, nil)
		if err == nil {
			plain = p
			break
		}
	}
	if plain == nil {
		return Delta{}, crypt.ErrDecrypt
	}

	unpadded, err := crypt.Unpad(plain)
	if err != nil {
		return Delta{}, err
	}

	var body, sig []byte
	err = walk(unpadded, func(num protowire.Number, raw []byte, _ uint64) error {
		switch num {
		case 1:
			body = raw
		case 2:
			sig = raw
		}
		return nil
	})
	if err != nil {
		return Delta{}, err
	}

	d, err := decodeDelta(body)
	if err != nil {
		return Delta{}, err
	}

	author, err := hex.DecodeString(d.Author)
	if err != nil || len(author) != ed25519.PublicKeySize {
		return Delta{}, fmt.Errorf("%w: bad author %q", ErrInvalidSignature, d.Author)
	}

	if !ed25519.Verify(author, body, sig) {
		return Delta{}, ErrInvalidSignature
	}
	if allowed != nil && !allowed(author) {
		return Delta{}, fmt.Errorf("%w: author %s not allowed", ErrInvalidSignature, d.Author[:16])
	}

	return d, nil
}

// ===== protowire helpers =====

func appendVarint(b []byte, num protowire.Number, v uint64) []byte {
	b = protowire.AppendTag(b, num, protowire.VarintType)
	return protowire.AppendVarint(b, v)
}

func appendBytes(b []byte, num protowire.Number, v []byte) []byte {
	b = protowire.AppendTag(b, num, protowire.BytesType)
	return protowire.AppendBytes(b, v)
}

// walk visits varint and bytes fields of data and skips the rest.
func walk(data []byte, visit func(num protowire.Number, raw []byte, n uint64) error) error {
	for len(data) > 0 {
		num, typ, l := protowire.ConsumeTag(data)
		if l < 0 {
			return protowire.ParseError(l)
		}
		data = data[l:]

		var (
			raw []byte
			n   uint64
		)

		switch typ {
		case protowire.VarintType:
			n, l = protowire.ConsumeVarint(data)
		case protowire.BytesType:
			raw, l = protowire.ConsumeBytes(data)
		default:
			l = protowire.ConsumeFieldValue(num, typ, data)
			if l < 0 {
				return protowire.ParseError(l)
			}
			data = data[l:]
			continue
		}

		if l < 0 {
			return protowire.ParseError(l)
		}
		data = data[l:]

		if err := visit(num, raw, n); err != nil {
			return err
		}
	}

	return nil
}
