package relay

import (
	"encoding/binary"
	"fmt"
	"io"
	"time"

	flatbuffers "github.com/google/flatbuffers/go"

	"SwarmSync/internal/types"
)

const (
	// maxFrameSize bounds one relay frame.
	maxFrameSize = 16 << 20

	// framePrefixSize is the size of the big-endian length prefix.
	framePrefixSize = 4
)

// writeFrame writes [4-byte big-endian length][payload].
func writeFrame(w io.Writer, data []byte) error {
	if len(data) > maxFrameSize {
		return fmt.Errorf("frame too large: %d > %d", len(data), maxFrameSize)
	}

	buf := make([]byte, framePrefixSize+len(data))
	binary.BigEndian.PutUint32(buf, uint32(len(data)))
	copy(buf[framePrefixSize:], data)

	if _, err := w.Write(buf); err != nil {
		return fmt.Errorf("write frame:\n%w", err)
	}

	return nil
}

// readFrame reads one frame written by writeFrame.
func readFrame(r io.Reader) ([]byte, error) {
	var prefix [framePrefixSize]byte
	if _, err := io.ReadFull(r, prefix[:]); err != nil {
		return nil, fmt.Errorf("read frame length:\n%w", err)
	}

	n := binary.BigEndian.Uint32(prefix[:])
	if n > maxFrameSize {
		return nil, fmt.Errorf("frame too large: %d > %d", n, maxFrameSize)
	}

	data := make([]byte, n)
	if _, err := io.ReadFull(r, data); err != nil {
		return nil, fmt.Errorf("read frame payload:\n%w", err)
	}

	return data, nil
}

// request is the decoded form of a RelayRequest.
type request struct {
	target  string
	payload []byte
	timeout time.Duration
}

// response is the decoded form of a RelayResponse.
type response struct {
	status int
	body   []byte
	err    string
}

func encodeRequest(r request) []byte {
	b := flatbuffers.NewBuilder(len(r.payload) + 128)

	target := b.CreateString(r.target)
	payload := b.CreateByteVector(r.payload)

	types.RelayRequestStart(b)
	types.RelayRequestAddTarget(b, target)
	types.RelayRequestAddPayload(b, payload)
	types.RelayRequestAddTimeoutMs(b, uint32(r.timeout/time.Millisecond))
	types.FinishRelayRequestBuffer(b, types.RelayRequestEnd(b))

	return b.FinishedBytes()
}

func decodeRequest(data []byte) (req request, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed relay request: %v", r)
		}
	}()

	fb := types.GetRootAsRelayRequest(data, 0)

	req = request{
		target:  string(fb.Target()),
		payload: fb.PayloadBytes(),
		timeout: time.Duration(fb.TimeoutMs()) * time.Millisecond,
	}
	if req.target == "" {
		return req, fmt.Errorf("relay request without target")
	}

	return req, nil
}

func encodeResponse(r response) []byte {
	b := flatbuffers.NewBuilder(len(r.body) + 64)

	var errOff flatbuffers.UOffsetT
	if r.err != "" {
		errOff = b.CreateString(r.err)
	}
	body := b.CreateByteVector(r.body)

	types.RelayResponseStart(b)
	types.RelayResponseAddStatus(b, int32(r.status))
	types.RelayResponseAddBody(b, body)
	if r.err != "" {
		types.RelayResponseAddError(b, errOff)
	}
	types.FinishRelayResponseBuffer(b, types.RelayResponseEnd(b))

	return b.FinishedBytes()
}

func decodeResponse(data []byte) (resp response, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("malformed relay response: %v", r)
		}
	}()

	fb := types.GetRootAsRelayResponse(data, 0)

	return response{
		status: int(fb.Status()),
		body:   fb.BodyBytes(),
		err:    string(fb.Error()),
	}, nil
}
