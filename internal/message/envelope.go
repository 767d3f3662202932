package message

import (
	"fmt"

	"google.golang.org/protobuf/encoding/protowire"
)

// EnvelopeType tells the receiver how to open the content.
type EnvelopeType uint8

const (
	// EnvelopeSession carries content sealed to one recipient.
	EnvelopeSession EnvelopeType = 6

	// EnvelopeClosedGroup carries content encrypted to a group key.
	EnvelopeClosedGroup EnvelopeType = 7
)

// Envelope wraps encrypted content for storage on a swarm.
type Envelope struct {
	Type            EnvelopeType
	Source          string // Source is the hex group id for group envelopes, empty otherwise
	Timestamp       int64
	Content         []byte
	ServerTimestamp int64
}

// Marshal encodes the envelope.
func (e Envelope) Marshal() []byte {
	b := appendUint(nil, 1, uint64(e.Type))
	if e.Source != "" {
		b = appendString(b, 2, e.Source)
	}
	b = appendUint(b, 5, uint64(e.Timestamp))
	b = appendBytes(b, 8, e.Content)
	if e.ServerTimestamp > 0 {
		b = appendUint(b, 10, uint64(e.ServerTimestamp))
	}

	return b
}

// UnmarshalEnvelope decodes an envelope. Content is required.
func UnmarshalEnvelope(data []byte) (Envelope, error) {
	var e Envelope

	err := walk(data, func(num protowire.Number, _ protowire.Type, raw []byte, n uint64) error {
		switch num {
		case 1:
			e.Type = EnvelopeType(n)
		case 2:
			e.Source = string(raw)
		case 5:
			e.Timestamp = int64(n)
		case 8:
			e.Content = raw
		case 10:
			e.ServerTimestamp = int64(n)
		}
		return nil
	})
	if err != nil {
		return Envelope{}, err
	}

	if len(e.Content) == 0 {
		return Envelope{}, fmt.Errorf("%w: envelope without content", ErrMalformed)
	}
	if e.Type != EnvelopeSession && e.Type != EnvelopeClosedGroup {
		return Envelope{}, fmt.Errorf("%w: envelope type %d", ErrMalformed, e.Type)
	}

	return e, nil
}
