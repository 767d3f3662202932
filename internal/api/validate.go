package api

import (
	"encoding/hex"
	"fmt"
	"strings"
	"time"
	"unicode/utf8"

	"SwarmSync/internal/account"
	"SwarmSync/internal/message"
	"SwarmSync/internal/opengroup"
	"SwarmSync/internal/sender"
)

const (
	// maxTextSize is the maximum text length in bytes.
	maxTextSize = 6000

	// maxExpireTimer is the longest disappearing timer accepted, in seconds.
	maxExpireTimer = 14 * 24 * 60 * 60

	// serverKeySize is the size of a community server key.
	serverKeySize = 32
)

// sendRequest is the body of POST /send. To is a contact, closed group or
// legacy group id; communities are addressed with Server, ServerKey and
// Room, or Server, ServerKey and To for a blinded inbox.
type sendRequest struct {
	To          string `json:"to"`
	Legacy      bool   `json:"legacy,omitempty"`
	Server      string `json:"server,omitempty"`
	ServerKey   string `json:"serverKey,omitempty"`
	Room        string `json:"room,omitempty"`
	Text        string `json:"text"`
	ExpireTimer uint32 `json:"expireTimer,omitempty"`
}

// build validates the request and returns the message and its destination.
func (r sendRequest) build() (*message.Message, sender.Destination, error) {
	if err := validateText(r.Text); err != nil {
		return nil, nil, err
	}
	if r.ExpireTimer > maxExpireTimer {
		return nil, nil, fmt.Errorf("expire timer above %d seconds", maxExpireTimer)
	}

	dest, err := r.destination()
	if err != nil {
		return nil, nil, err
	}

	msg := message.New(&message.Visible{Text: r.Text, ExpireTimer: r.ExpireTimer})
	if r.ExpireTimer > 0 {
		msg.ExpiresIn = time.Duration(r.ExpireTimer) * time.Second
	}

	return msg, dest, nil
}

// destination resolves the addressing fields.
func (r sendRequest) destination() (sender.Destination, error) {
	if r.Server != "" {
		server, err := parseServer(r.Server, r.ServerKey)
		if err != nil {
			return nil, err
		}

		if r.Room != "" {
			return sender.OpenGroupRoom{Server: server, Room: r.Room}, nil
		}

		id, err := account.Parse(r.To)
		if err != nil {
			return nil, fmt.Errorf("invalid recipient: %v", err)
		}
		if !id.IsBlinded() {
			return nil, fmt.Errorf("inbox recipient must be blinded")
		}
		return sender.OpenGroupInbox{Server: server, Recipient: id}, nil
	}

	id, err := account.Parse(r.To)
	if err != nil {
		return nil, fmt.Errorf("invalid recipient: %v", err)
	}

	switch {
	case id.IsGroup():
		return sender.ClosedGroup{ID: id}, nil
	case id.Prefix() != account.PrefixStandard:
		return nil, fmt.Errorf("unsupported recipient prefix %02x", byte(id.Prefix()))
	case r.Legacy:
		return sender.LegacyClosedGroup{ID: id}, nil
	}

	return sender.Contact{ID: id}, nil
}

// validateText checks the message text.
func validateText(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("empty text")
	}
	if len(text) > maxTextSize {
		return fmt.Errorf("text too long: %d > %d", len(text), maxTextSize)
	}
	if !utf8.ValidString(text) {
		return fmt.Errorf("text is not valid utf-8")
	}

	return nil
}

// parseServer checks a community base URL and its key.
func parseServer(baseURL, key string) (opengroup.Server, error) {
	if !strings.HasPrefix(baseURL, "http://") && !strings.HasPrefix(baseURL, "https://") {
		return opengroup.Server{}, fmt.Errorf("server must be an http(s) url")
	}

	pub, err := hex.DecodeString(key)
	if err != nil || len(pub) != serverKeySize {
		return opengroup.Server{}, fmt.Errorf("invalid server key")
	}

	return opengroup.Server{BaseURL: strings.TrimSuffix(baseURL, "/"), PubKey: pub}, nil
}

// parseGroupID parses a closed group id.
func parseGroupID(s string) (account.ID, error) {
	id, err := account.Parse(s)
	if err != nil {
		return account.ID{}, fmt.Errorf("invalid group id: %v", err)
	}
	if !id.IsGroup() {
		return account.ID{}, fmt.Errorf("not a group id: %s", s)
	}

	return id, nil
}
