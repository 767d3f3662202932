package crypt

import "errors"

// paddingBlock is the message padding granularity.
const paddingBlock = 160

// ErrPadding is returned when padded data carries no terminator.
var ErrPadding = errors.New("invalid padding")

// Pad appends a 0x80 terminator and zero bytes so the result plus one
// byte is a multiple of paddingBlock.
func Pad(data []byte) []byte {
	size := paddedLength(len(data) + 1)

	out := make([]byte, size)
	copy(out, data)
	out[len(data)] = 0x80

	return out
}

// Unpad strips trailing zero bytes and the 0x80 terminator.
func Unpad(data []byte) ([]byte, error) {
	for i := len(data) - 1; i >= 0; i-- {
		switch data[i] {
		case 0x00:
			continue
		case 0x80:
			return data[:i], nil
		default:
			return nil, ErrPadding
		}
	}

	return nil, ErrPadding
}

func paddedLength(n int) int {
	withTerminator := n + 1
	parts := withTerminator / paddingBlock
	if withTerminator%paddingBlock != 0 {
		parts++
	}

	return parts*paddingBlock - 1
}
