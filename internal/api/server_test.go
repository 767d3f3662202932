package api

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"golang.org/x/time/rate"

	"SwarmSync/internal/account"
	"SwarmSync/internal/message"
	"SwarmSync/internal/poller"
	"SwarmSync/internal/sender"
	"SwarmSync/internal/swarm"
)

// mockUser counts manual polls.
type mockUser struct {
	mu    sync.Mutex
	polls int
	err   error
}

func (m *mockUser) State() poller.State { return poller.StateIdle }

func (m *mockUser) PollOnce(context.Context) (poller.UserPass, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	m.polls++
	return poller.UserPass{Messages: 2}, m.err
}

// mockSender captures sent messages.
type mockSender struct {
	msgs  []*message.Message
	dests []sender.Destination
	err   error
}

func (m *mockSender) Send(_ context.Context, msg *message.Message, dest sender.Destination) (sender.Result, error) {
	if m.err != nil {
		return sender.Result{}, m.err
	}

	m.msgs = append(m.msgs, msg)
	m.dests = append(m.dests, dest)

	return sender.Result{ID: msg.ID, Hash: "abc", Timestamp: 42}, nil
}

func testID(t *testing.T, prefix account.Prefix) account.ID {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	id, err := account.New(prefix, pub)
	if err != nil {
		t.Fatal(err)
	}

	return id
}

func do(t *testing.T, s *Server, method, path string, body any) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		if err := json.NewEncoder(&buf).Encode(body); err != nil {
			t.Fatal(err)
		}
	}

	w := httptest.NewRecorder()
	s.Handler().ServeHTTP(w, httptest.NewRequest(method, path, &buf))

	var resp map[string]any
	if w.Body.Len() > 0 && strings.HasPrefix(w.Header().Get("Content-Type"), "application/json") {
		if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
			t.Fatalf("failed to parse response: %v", err)
		}
	}

	return w, resp
}

func TestHealthEndpoint(t *testing.T) {
	server := New(Config{})

	w, resp := do(t, server, "GET", "/health", nil)

	if w.Code != http.StatusOK {
		t.Errorf("expected status 200, got %d", w.Code)
	}
	if resp["status"] != "ok" {
		t.Errorf("expected status ok, got %v", resp["status"])
	}
}

func TestStatusEndpoint(t *testing.T) {
	self := testID(t, account.PrefixStandard)
	server := New(Config{Account: self, User: &mockUser{}})

	w, resp := do(t, server, "GET", "/status", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d", w.Code)
	}
	if resp["account"] != self.Hex() {
		t.Errorf("expected account %s, got %v", self.Hex(), resp["account"])
	}
	if resp["user"] != "idle" {
		t.Errorf("expected user idle, got %v", resp["user"])
	}
}

// ===== poll =====

func TestPollUser(t *testing.T) {
	user := &mockUser{}
	server := New(Config{User: user})

	w, resp := do(t, server, "POST", "/poll", nil)

	if w.Code != http.StatusOK {
		t.Fatalf("expected status 200, got %d: %s", w.Code, w.Body.String())
	}
	if resp["messages"] != 2.0 {
		t.Errorf("expected 2 messages, got %v", resp["messages"])
	}
	if user.polls != 1 {
		t.Errorf("expected 1 poll, got %d", user.polls)
	}
}

func TestPollRateLimited(t *testing.T) {
	server := New(Config{User: &mockUser{}})

	var limited bool
	for range pollBurst + 1 {
		w, _ := do(t, server, "POST", "/poll?target=user", nil)
		if w.Code == http.StatusTooManyRequests {
			limited = true
		}
	}

	if !limited {
		t.Error("expected a 429 after the burst")
	}
}

func TestPollErrors(t *testing.T) {
	user := &mockUser{err: poller.ErrStopped}
	server := New(Config{User: user})

	tests := []struct {
		target string
		status int
	}{
		{"user", http.StatusServiceUnavailable},
		{"zz", http.StatusBadRequest},
		{testID(t, account.PrefixStandard).Hex(), http.StatusBadRequest},
		{testID(t, account.PrefixGroup).Hex(), http.StatusNotFound},
	}

	server.limiter = rate.NewLimiter(rate.Inf, 0)

	for _, tt := range tests {
		w, _ := do(t, server, "POST", "/poll?target="+tt.target, nil)
		if w.Code != tt.status {
			t.Errorf("target %q: expected %d, got %d", tt.target, tt.status, w.Code)
		}
	}
}

// ===== send =====

func TestSendToContact(t *testing.T) {
	ms := &mockSender{}
	server := New(Config{Sender: ms})
	to := testID(t, account.PrefixStandard)

	w, resp := do(t, server, "POST", "/send", map[string]any{"to": to.Hex(), "text": "hello", "expireTimer": 60})

	if w.Code != http.StatusAccepted {
		t.Fatalf("expected status 202, got %d: %s", w.Code, w.Body.String())
	}
	if resp["hash"] != "abc" {
		t.Errorf("expected hash abc, got %v", resp["hash"])
	}

	if len(ms.msgs) != 1 {
		t.Fatalf("expected 1 message sent, got %d", len(ms.msgs))
	}
	if ms.dests[0] != (sender.Contact{ID: to}) {
		t.Errorf("unexpected destination %v", ms.dests[0])
	}
	if v := ms.msgs[0].Body.(*message.Visible); v.Text != "hello" || v.ExpireTimer != 60 {
		t.Errorf("unexpected body %+v", v)
	}
}

func TestSendDestinations(t *testing.T) {
	ms := &mockSender{}
	server := New(Config{Sender: ms})

	group := testID(t, account.PrefixGroup)
	legacy := testID(t, account.PrefixStandard)
	blinded := testID(t, account.PrefixBlinded15)
	key := hex.EncodeToString(make([]byte, 32))

	bodies := []map[string]any{
		{"to": group.Hex(), "text": "x"},
		{"to": legacy.Hex(), "legacy": true, "text": "x"},
		{"server": "https://og.example/", "serverKey": key, "room": "lobby", "text": "x"},
		{"server": "https://og.example", "serverKey": key, "to": blinded.Hex(), "text": "x"},
	}

	for _, b := range bodies {
		if w, _ := do(t, server, "POST", "/send", b); w.Code != http.StatusAccepted {
			t.Fatalf("body %v: expected 202, got %d: %s", b, w.Code, w.Body.String())
		}
	}

	want := []string{"closed_group", "legacy_closed_group", "open_group", "open_group_inbox"}
	for i, d := range ms.dests {
		if d.String() != want[i] {
			t.Errorf("destination %d: expected %s, got %s", i, want[i], d)
		}
	}

	if room := ms.dests[2].(sender.OpenGroupRoom); room.Server.BaseURL != "https://og.example" {
		t.Errorf("trailing slash kept: %s", room.Server.BaseURL)
	}
}

func TestSendValidation(t *testing.T) {
	server := New(Config{Sender: &mockSender{}})
	to := testID(t, account.PrefixStandard).Hex()

	tests := []struct {
		name string
		body map[string]any
	}{
		{"empty text", map[string]any{"to": to, "text": "  "}},
		{"long text", map[string]any{"to": to, "text": strings.Repeat("a", maxTextSize+1)}},
		{"bad recipient", map[string]any{"to": "05zz", "text": "x"}},
		{"unblinded prefix", map[string]any{"to": testID(t, account.PrefixUnblinded).Hex(), "text": "x"}},
		{"long timer", map[string]any{"to": to, "text": "x", "expireTimer": maxExpireTimer + 1}},
		{"bad server key", map[string]any{"server": "https://og.example", "serverKey": "00", "room": "r", "text": "x"}},
		{"unblinded inbox", map[string]any{"server": "https://og.example", "serverKey": hex.EncodeToString(make([]byte, 32)), "to": to, "text": "x"}},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if w, _ := do(t, server, "POST", "/send", tt.body); w.Code != http.StatusBadRequest {
				t.Errorf("expected 400, got %d", w.Code)
			}
		})
	}
}

func TestSendErrorStatus(t *testing.T) {
	to := testID(t, account.PrefixStandard).Hex()

	tests := []struct {
		err    error
		status int
	}{
		{fmt.Errorf("store:\n%w", swarm.ErrBadNode), http.StatusServiceUnavailable},
		{sender.ErrInvalidMessage, http.StatusBadRequest},
		{errors.Join(sender.ErrNoKeyPair), http.StatusBadRequest},
	}

	for _, tt := range tests {
		server := New(Config{Sender: &mockSender{err: tt.err}})

		if w, _ := do(t, server, "POST", "/send", map[string]any{"to": to, "text": "x"}); w.Code != tt.status {
			t.Errorf("%v: expected %d, got %d", tt.err, tt.status, w.Code)
		}
	}
}

func TestMetricsRoute(t *testing.T) {
	metrics := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("metric 1\n"))
	})

	w, _ := do(t, New(Config{Metrics: metrics}), "GET", "/metrics", nil)
	if w.Code != http.StatusOK || w.Body.String() != "metric 1\n" {
		t.Errorf("unexpected metrics response %d %q", w.Code, w.Body.String())
	}

	w, _ = do(t, New(Config{}), "GET", "/metrics", nil)
	if w.Code != http.StatusNotFound {
		t.Errorf("expected 404 without metrics, got %d", w.Code)
	}
}
