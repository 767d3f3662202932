package swarm

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrBadNode marks a response that penalized the node; retry elsewhere.
	ErrBadNode = errors.New("bad node response")

	// ErrClockOutOfSync marks a 406: resync the clock and retry.
	ErrClockOutOfSync = errors.New("clock out of sync")

	// ErrSwarmMoved marks a 421: the node left the account's swarm.
	ErrSwarmMoved = errors.New("node no longer in swarm")

	// ErrNotFound marks a 404 for the operation.
	ErrNotFound = errors.New("not found")

	// ErrUnexpectedStatus marks any other non-success status.
	ErrUnexpectedStatus = errors.New("unexpected status")

	// ErrEmptyPool is returned when no node is available.
	ErrEmptyPool = errors.New("no nodes available")
)

// StatusError carries the status code of a rejected request.
type StatusError struct {
	Code int
	Body string
	kind error
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.kind != nil {
		return fmt.Sprintf("%v: status %d", e.kind, e.Code)
	}

	return fmt.Sprintf("status %d", e.Code)
}

// Unwrap exposes the classification sentinel.
func (e *StatusError) Unwrap() error { return e.kind }

// IsServerError reports a 5xx rejection.
func (e *StatusError) IsServerError() bool {
	return e.Code >= 500 && e.Code < 600
}

// IsRetryable reports whether err is worth retrying against the network.
// Authentication preconditions and 404s are final.
func IsRetryable(err error) bool {
	switch {
	case err == nil:
		return false
	case errors.Is(err, ErrNotAuthenticated), errors.Is(err, ErrNotFound):
		return false
	}

	return true
}

// IsNodeFault reports whether err should evict the node from a poll swarm:
// a server error or a swarm membership change.
func IsNodeFault(err error) bool {
	if errors.Is(err, ErrSwarmMoved) {
		return true
	}

	var se *StatusError
	return errors.As(err, &se) && se.IsServerError()
}

// penalizing reports whether a failed status counts against the node.
// Clock skew, swarm moves and missing data are not the node's fault.
func penalizing(code int) bool {
	switch code {
	case http.StatusNotAcceptable, http.StatusMisdirectedRequest, http.StatusNotFound:
		return false
	}

	return true
}

// classify maps a failed status to its sentinel and applies the node-health
// policy to the directory. account is empty when no swarm is involved
// (pool bootstrap, info calls). With penalty unset the failure counter is
// left alone, so one batch never counts more than once against a node.
func (c *Client) classify(code int, body []byte, node Node, account string, penalty bool) error {
	se := &StatusError{Code: code, Body: string(body)}

	if penalty && penalizing(code) {
		c.dir.penalize(node, account)
	}

	switch code {
	case http.StatusBadRequest, http.StatusInternalServerError,
		http.StatusBadGateway, http.StatusServiceUnavailable:
		se.kind = ErrBadNode

	case http.StatusNotAcceptable:
		c.log.Warn("clock out of sync", "node", node)
		c.notifyClockOutOfSync()
		se.kind = ErrClockOutOfSync

	case http.StatusMisdirectedRequest:
		c.handleMisdirected(body, node, account)
		se.kind = ErrSwarmMoved

	case http.StatusNotFound:
		se.kind = ErrNotFound

	default:
		se.kind = ErrUnexpectedStatus
	}

	if c.metrics != nil {
		c.metrics.ObserveNodeError(code)
	}

	return se
}

// handleMisdirected replaces the account's swarm with the list carried by
// a 421 body, or drops the node from the swarm when none is given.
func (c *Client) handleMisdirected(body []byte, node Node, account string) {
	if account == "" {
		return
	}

	var resp SwarmResponse
	if err := decodeJSON(body, &resp); err == nil {
		if nodes := resp.Nodes(); len(nodes) > 0 {
			c.log.Debug("swarm moved, replacing", "account", account, "nodes", len(nodes))
			c.dir.setSwarm(account, nodes)
			return
		}
	}

	c.log.Debug("node left swarm", "account", account, "node", node)
	c.dir.dropFromSwarm(account, node)
}
