package swarm

import (
	"encoding/json"
	"fmt"
)

// BatchMethod selects independent or ordered sub-request evaluation.
type BatchMethod string

const (
	MethodBatch    BatchMethod = "batch"    // MethodBatch evaluates sub-requests independently
	MethodSequence BatchMethod = "sequence" // MethodSequence evaluates sub-requests in order
)

// BuildBatch wraps sub-requests in one batch or sequence request.
func BuildBatch(method BatchMethod, reqs []SubRequest) SubRequest {
	return SubRequest{
		Method: string(method),
		Params: map[string]any{"requests": reqs},
	}
}

// BatchResponse is the body of a batch or sequence call.
type BatchResponse struct {
	Results []BatchResult `json:"results"`
}

// BatchResult is one sub-response.
type BatchResult struct {
	Code int             `json:"code"`
	Body json.RawMessage `json:"body"`

	err error // err is the classified failure, set by Client.SendBatch
}

// OK reports whether the sub-request succeeded.
func (r BatchResult) OK() bool {
	return r.Code >= 200 && r.Code < 300
}

// Err returns the classified failure of the sub-request, or nil.
func (r BatchResult) Err() error {
	if r.OK() {
		return nil
	}
	if r.err != nil {
		return r.err
	}

	return &StatusError{Code: r.Code, Body: string(r.Body)}
}

// Decode unmarshals the sub-response body into out.
// A failed sub-request returns its error instead.
func (r BatchResult) Decode(out any) error {
	if err := r.Err(); err != nil {
		return err
	}

	if err := json.Unmarshal(r.Body, out); err != nil {
		return fmt.Errorf("decode %T:\n%w", out, err)
	}

	return nil
}

// DecodeBatchItem decodes result i of a batch into a typed response.
func DecodeBatchItem[T any](resp BatchResponse, i int) (T, error) {
	var out T

	if i >= len(resp.Results) {
		return out, fmt.Errorf("batch result %d missing (got %d)", i, len(resp.Results))
	}

	err := resp.Results[i].Decode(&out)

	return out, err
}
