package opengroup

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"net/http"
	"strconv"
)

// CapabilityBlind is advertised by servers that require blinded ids.
const CapabilityBlind = "blind"

// Server identifies a community server.
type Server struct {
	BaseURL string // BaseURL is the scheme and host, without trailing slash
	PubKey  []byte // PubKey is the 32-byte server key
}

// BatchRequest is one sub-request of a /sequence batch.
type BatchRequest struct {
	Method string `json:"method"`
	Path   string `json:"path"`
	JSON   any    `json:"json,omitempty"`
	B64    string `json:"b64,omitempty"`
}

// BatchResponse is one sub-response of a /sequence batch.
type BatchResponse struct {
	Code    int               `json:"code"`
	Headers map[string]string `json:"headers,omitempty"`
	Body    json.RawMessage   `json:"body"`
}

// OK reports a 2xx sub-response.
func (r BatchResponse) OK() bool { return r.Code >= 200 && r.Code < 300 }

// Decode unmarshals the body of a successful sub-response.
func (r BatchResponse) Decode(v any) error {
	if !r.OK() {
		return &StatusError{Code: r.Code}
	}

	if err := json.Unmarshal(r.Body, v); err != nil {
		return fmt.Errorf("decode sub-response:\n%w", err)
	}

	return nil
}

// StatusError is a rejected open-group request.
type StatusError struct {
	Code int
	Body string
}

// Error implements error.
func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("open group status %d %s", e.Code, http.StatusText(e.Code))
	}

	return fmt.Sprintf("open group status %d: %s", e.Code, e.Body)
}

// Reaction is the summary of one emoji on a message.
type Reaction struct {
	Index    int64    `json:"index"`
	Count    int64    `json:"count"`
	You      bool     `json:"you,omitempty"`
	Reactors []string `json:"reactors,omitempty"`
}

// Message is a room message as returned by the messages endpoints.
type Message struct {
	ID        int64               `json:"id"`
	SessionID string              `json:"session_id"`
	Posted    float64             `json:"posted"`
	Edited    float64             `json:"edited,omitempty"`
	Seqno     int64               `json:"seqno"`
	Deleted   bool                `json:"deleted,omitempty"`
	Whisper   bool                `json:"whisper,omitempty"`
	Data      string              `json:"data,omitempty"`
	Signature string              `json:"signature,omitempty"`
	Reactions map[string]Reaction `json:"reactions,omitempty"`
}

// PostedMillis returns the post time in milliseconds.
func (m Message) PostedMillis() int64 { return int64(m.Posted * 1000) }

// Payload decodes the base64 message data.
func (m Message) Payload() ([]byte, error) {
	return base64.StdEncoding.DecodeString(m.Data)
}

// DirectMessage is an inbox or outbox message.
type DirectMessage struct {
	ID        int64   `json:"id"`
	PostedAt  float64 `json:"posted_at"`
	ExpiresAt float64 `json:"expires_at,omitempty"`
	Message   string  `json:"message"`
	Sender    string  `json:"sender"`
	Recipient string  `json:"recipient"`
}

// PostedMillis returns the post time in milliseconds.
func (m DirectMessage) PostedMillis() int64 { return int64(m.PostedAt * 1000) }

// RoomInfo is the full description of a room.
type RoomInfo struct {
	Token           string   `json:"token"`
	Name            string   `json:"name"`
	Description     string   `json:"description,omitempty"`
	InfoUpdates     int64    `json:"info_updates"`
	MessageSequence int64    `json:"message_sequence"`
	Created         float64  `json:"created"`
	ActiveUsers     int64    `json:"active_users"`
	ImageID         int64    `json:"image_id,omitempty"`
	Admins          []string `json:"admins,omitempty"`
	Moderators      []string `json:"moderators,omitempty"`
}

// RoomPollInfo is the answer of pollInfo; Details is set only when the
// room info changed since the requested info_updates.
type RoomPollInfo struct {
	Token       string    `json:"token"`
	ActiveUsers int64     `json:"active_users"`
	Read        bool      `json:"read"`
	Write       bool      `json:"write"`
	Upload      bool      `json:"upload"`
	Moderator   bool      `json:"moderator,omitempty"`
	Admin       bool      `json:"admin,omitempty"`
	Details     *RoomInfo `json:"details,omitempty"`
}

// Capabilities is the answer of /capabilities.
type Capabilities struct {
	Capabilities []string `json:"capabilities"`
	Missing      []string `json:"missing,omitempty"`
}

// Has reports whether name is advertised.
func (c Capabilities) Has(name string) bool {
	for _, v := range c.Capabilities {
		if v == name {
			return true
		}
	}

	return false
}

// ===== request paths =====

// PollInfoRequest asks for room state changes since infoUpdates.
func PollInfoRequest(room string, infoUpdates int64) BatchRequest {
	return BatchRequest{Method: http.MethodGet, Path: "/room/" + room + "/pollInfo/" + strconv.FormatInt(infoUpdates, 10)}
}

// MessagesRequest asks for recent messages, or those after seqNo when it
// is positive.
func MessagesRequest(room string, seqNo int64) BatchRequest {
	path := "/room/" + room + "/messages/recent"
	if seqNo > 0 {
		path = "/room/" + room + "/messages/since/" + strconv.FormatInt(seqNo, 10)
	}

	return BatchRequest{Method: http.MethodGet, Path: path + "?t=r&reactors=5"}
}

// InboxRequest asks for direct messages after id, or all when id is zero.
// outbox selects the messages sent by the local account.
func InboxRequest(id int64, outbox bool) BatchRequest {
	path := "/inbox"
	if outbox {
		path = "/outbox"
	}
	if id > 0 {
		path += "/since/" + strconv.FormatInt(id, 10)
	}

	return BatchRequest{Method: http.MethodGet, Path: path}
}

// CapabilitiesRequest asks for the server capabilities.
func CapabilitiesRequest() BatchRequest {
	return BatchRequest{Method: http.MethodGet, Path: "/capabilities"}
}
