package client

import (
	"context"
	"crypto/ed25519"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"SwarmSync/internal/account"
	"SwarmSync/internal/api"
	"SwarmSync/internal/message"
	"SwarmSync/internal/poller"
	"SwarmSync/internal/sender"
)

// =============================================================================
// Fixtures
// =============================================================================

type stubUser struct{ messages int }

func (u *stubUser) State() poller.State { return poller.StateIdle }

func (u *stubUser) PollOnce(ctx context.Context) (poller.UserPass, error) {
	return poller.UserPass{Messages: u.messages}, nil
}

type stubSender struct {
	err  error
	last *message.Message
	dest sender.Destination
}

func (s *stubSender) Send(ctx context.Context, msg *message.Message, dest sender.Destination) (sender.Result, error) {
	if s.err != nil {
		return sender.Result{}, s.err
	}

	s.last, s.dest = msg, dest
	return sender.Result{ID: msg.ID, Hash: "h1", Timestamp: 42}, nil
}

func testID(t *testing.T) account.ID {
	t.Helper()

	pub, _, err := ed25519.GenerateKey(nil)
	if err != nil {
		t.Fatal(err)
	}

	id, err := account.New(account.PrefixStandard, pub)
	if err != nil {
		t.Fatal(err)
	}

	return id
}

func newTestDaemon(t *testing.T, snd *stubSender) (*Client, account.ID) {
	t.Helper()

	self := testID(t)
	srv := api.New(api.Config{
		Account: self,
		User:    &stubUser{messages: 3},
		Sender:  snd,
	})

	ts := httptest.NewServer(srv.Handler())
	t.Cleanup(ts.Close)

	return New(ts.URL + "/"), self
}

// =============================================================================
// Requests
// =============================================================================

func TestHealthAndStatus(t *testing.T) {
	c, self := newTestDaemon(t, &stubSender{})
	ctx := context.Background()

	if err := c.Health(ctx); err != nil {
		t.Fatalf("health: %v", err)
	}

	st, err := c.Status(ctx)
	if err != nil {
		t.Fatalf("status: %v", err)
	}
	if st.Account != self.Hex() || st.User != poller.StateIdle.String() {
		t.Errorf("unexpected status %+v", st)
	}
}

func TestPollUser(t *testing.T) {
	c, _ := newTestDaemon(t, &stubSender{})

	res, err := c.PollUser(context.Background())
	if err != nil {
		t.Fatalf("poll: %v", err)
	}
	if res.Messages != 3 || res.Target != "user" {
		t.Errorf("unexpected poll result %+v", res)
	}
}

func TestSendText(t *testing.T) {
	snd := &stubSender{}
	c, _ := newTestDaemon(t, snd)
	to := testID(t)

	res, err := c.Send(context.Background(), SendRequest{To: to.Hex(), Text: "hello"})
	if err != nil {
		t.Fatalf("send: %v", err)
	}

	if res.Hash != "h1" || res.Timestamp != 42 || res.ID == "" {
		t.Errorf("unexpected result %+v", res)
	}
	if v, ok := snd.last.Body.(*message.Visible); !ok || v.Text != "hello" {
		t.Errorf("unexpected message %+v", snd.last.Body)
	}
}

func TestSendErrors(t *testing.T) {
	snd := &stubSender{}
	c, _ := newTestDaemon(t, snd)
	ctx := context.Background()

	_, err := c.Send(ctx, SendRequest{To: "zz", Text: "hello"})
	var ae *APIError
	if !errors.As(err, &ae) || ae.Status != http.StatusBadRequest || ae.Message == "" {
		t.Fatalf("expected 400 with message, got %v", err)
	}
	if IsRetryable(err) {
		t.Error("validation failure reported as retryable")
	}

	snd.err = errors.New("connection reset")
	_, err = c.Send(ctx, SendRequest{To: testID(t).Hex(), Text: "hello"})
	if !IsRetryable(err) {
		t.Errorf("network failure should be retryable, got %v", err)
	}
}

func TestRateLimitedPoll(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		w.Write([]byte(`{"error":"too many manual polls"}`))
	}))
	defer ts.Close()

	_, err := New(ts.URL).PollGroup(context.Background(), "03aa")
	if !IsRateLimited(err) {
		t.Fatalf("expected rate limit error, got %v", err)
	}
	if err.Error() != "status 429: too many manual polls" {
		t.Errorf("unexpected message %q", err.Error())
	}
}
