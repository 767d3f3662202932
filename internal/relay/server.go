package relay

import (
	"bytes"
	"context"
	"crypto/ed25519"
	"crypto/tls"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/quic-go/quic-go"
)

const (
	// defaultForwardTimeout bounds one forwarded request.
	defaultForwardTimeout = 20 * time.Second

	// maxForwardTimeout caps a client-requested timeout.
	maxForwardTimeout = 60 * time.Second

	// maxForwardBody caps a forwarded response body.
	maxForwardBody = maxFrameSize - 1024
)

// ServerConfig configures a relay daemon.
type ServerConfig struct {
	PrivateKey ed25519.PrivateKey // PrivateKey is the relay identity, pinned by clients
	ListenAddr string             // ListenAddr is the UDP address to listen on (e.g., ":4433")
	HTTPClient *http.Client       // HTTPClient forwards requests; defaults to one skipping node certificate checks
	Logger     *slog.Logger
}

// Server accepts QUIC connections from clients and forwards each request
// frame to its storage node target over HTTPS.
type Server struct {
	publicKey  ed25519.PublicKey
	listenAddr string
	tlsConfig  *tls.Config
	quicConfig *quic.Config
	http       *http.Client
	log        *slog.Logger

	listener *quic.Listener

	forwarded atomic.Uint64 // forwarded counts relayed requests
	failed    atomic.Uint64 // failed counts requests whose target was unreachable

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewServer creates a relay daemon.
func NewServer(cfg ServerConfig) (*Server, error) {
	if cfg.PrivateKey == nil {
		return nil, fmt.Errorf("private key is required")
	}
	if cfg.ListenAddr == "" {
		return nil, fmt.Errorf("listen address is required")
	}

	cert, err := selfSignedCert(cfg.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("relay certificate:\n%w", err)
	}

	hc := cfg.HTTPClient
	if hc == nil {
		hc = &http.Client{
			Transport: &http.Transport{
				TLSClientConfig:     &tls.Config{InsecureSkipVerify: true},
				MaxIdleConnsPerHost: 4,
			},
		}
	}

	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		publicKey:  cfg.PrivateKey.Public().(ed25519.PublicKey),
		listenAddr: cfg.ListenAddr,
		tlsConfig: &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{alpnProtocol},
		},
		quicConfig: &quic.Config{
			MaxIdleTimeout:  30 * time.Second,
			KeepAlivePeriod: 10 * time.Second,
		},
		http:   hc,
		log:    log,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// PublicKey returns the relay identity clients pin.
func (s *Server) PublicKey() ed25519.PublicKey { return s.publicKey }

// Addr returns the bound address, or "" before Start.
func (s *Server) Addr() string {
	if s.listener == nil {
		return ""
	}

	return s.listener.Addr().String()
}

// Stats returns the forwarded and failed request counts.
func (s *Server) Stats() (forwarded, failed uint64) {
	return s.forwarded.Load(), s.failed.Load()
}

// Start binds the listener and begins accepting connections.
func (s *Server) Start() error {
	listener, err := quic.ListenAddr(s.listenAddr, s.tlsConfig, s.quicConfig)
	if err != nil {
		return fmt.Errorf("listen %s:\n%w", s.listenAddr, err)
	}
	s.listener = listener

	s.wg.Add(1)
	go s.acceptLoop()

	s.log.Info("relay listening", "addr", listener.Addr().String())

	return nil
}

// Close stops accepting, cancels in-flight forwards and waits for them.
func (s *Server) Close() error {
	s.cancel()

	if s.listener != nil {
		s.listener.Close()
	}

	s.wg.Wait()

	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()

	for {
		conn, err := s.listener.Accept(s.ctx)
		if err != nil {
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveConn(conn)
		}()
	}
}

// serveConn handles every request stream of one client connection.
func (s *Server) serveConn(conn *quic.Conn) {
	remote := conn.RemoteAddr().String()
	s.log.Debug("relay client connected", "remote", remote)

	go func() {
		<-s.ctx.Done()
		conn.CloseWithError(0, "relay shutting down")
	}()

	for {
		stream, err := conn.AcceptStream(s.ctx)
		if err != nil {
			s.log.Debug("relay client gone", "remote", remote, "error", err)
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			s.serveStream(stream)
		}()
	}
}

// serveStream reads one request frame, forwards it and writes the reply.
func (s *Server) serveStream(stream *quic.Stream) {
	defer stream.Close()

	stream.SetDeadline(time.Now().Add(maxForwardTimeout + 5*time.Second))

	data, err := readFrame(stream)
	if err != nil {
		s.log.Debug("relay read", "error", err)
		return
	}

	var resp response
	req, err := decodeRequest(data)
	if err != nil {
		resp = response{err: err.Error()}
	} else {
		resp = s.forward(req)
	}

	if err := writeFrame(stream, encodeResponse(resp)); err != nil {
		s.log.Debug("relay write", "error", err)
	}
}

// forward POSTs the payload to the target and captures the reply.
func (s *Server) forward(req request) response {
	timeout := req.timeout
	if timeout <= 0 {
		timeout = defaultForwardTimeout
	}
	if timeout > maxForwardTimeout {
		timeout = maxForwardTimeout
	}

	ctx, cancel := context.WithTimeout(s.ctx, timeout)
	defer cancel()

	hreq, err := http.NewRequestWithContext(ctx, http.MethodPost, req.target, bytes.NewReader(req.payload))
	if err != nil {
		return response{err: fmt.Sprintf("build request: %v", err)}
	}
	hreq.Header.Set("Content-Type", "application/json")

	hresp, err := s.http.Do(hreq)
	if err != nil {
		s.failed.Add(1)
		s.log.Debug("relay target unreachable", "target", req.target, "error", err)
		return response{err: err.Error()}
	}
	defer hresp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(hresp.Body, maxForwardBody))
	if err != nil {
		s.failed.Add(1)
		return response{err: fmt.Sprintf("read reply: %v", err)}
	}

	s.forwarded.Add(1)

	return response{status: hresp.StatusCode, body: body}
}
