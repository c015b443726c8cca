package smtp

import (
	"bufio"
	"context"
	"crypto/tls"
	"errors"
	"io"
	"net"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp-gate/internal/relay"
	smtptls "github.com/shineum/smtp-gate/internal/tls"
)

type upstreamMessage struct {
	from   string
	to     []string
	data   []byte
	tls    bool
	authed string
}

// upstreamBackend is a recording go-smtp backend standing in for the real
// upstream server.
type upstreamBackend struct {
	username   string
	password   string
	rejectRcpt string

	mu       sync.Mutex
	messages []upstreamMessage
}

func (b *upstreamBackend) NewSession(c *gosmtp.Conn) (gosmtp.Session, error) {
	return &upstreamSession{backend: b, conn: c}, nil
}

func (b *upstreamBackend) received() []upstreamMessage {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]upstreamMessage(nil), b.messages...)
}

type upstreamSession struct {
	backend *upstreamBackend
	conn    *gosmtp.Conn
	msg     upstreamMessage
}

func (s *upstreamSession) AuthMechanisms() []string {
	return []string{sasl.Plain}
}

func (s *upstreamSession) Auth(mech string) (sasl.Server, error) {
	return sasl.NewPlainServer(func(identity, username, password string) error {
		if username != s.backend.username || password != s.backend.password {
			return &gosmtp.SMTPError{Code: 535, EnhancedCode: gosmtp.EnhancedCode{5, 7, 8}, Message: "invalid credentials"}
		}
		s.msg.authed = username
		return nil
	}), nil
}

func (s *upstreamSession) Mail(from string, _ *gosmtp.MailOptions) error {
	s.msg.from = from
	return nil
}

func (s *upstreamSession) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	if to == s.backend.rejectRcpt {
		return &gosmtp.SMTPError{Code: 550, EnhancedCode: gosmtp.EnhancedCode{5, 1, 1}, Message: "no such user"}
	}
	s.msg.to = append(s.msg.to, to)
	return nil
}

func (s *upstreamSession) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}
	s.msg.data = data
	_, s.msg.tls = s.conn.TLSConnectionState()

	s.backend.mu.Lock()
	s.backend.messages = append(s.backend.messages, s.msg)
	s.backend.mu.Unlock()
	return nil
}

func (s *upstreamSession) Reset() {
	authed := s.msg.authed
	s.msg = upstreamMessage{authed: authed}
}

func (s *upstreamSession) Logout() error { return nil }

// startUpstream serves be on a loopback port. tlsMode selects how the
// listener is protected.
func startUpstream(t *testing.T, be *upstreamBackend, mode smtptls.Mode, cert *tls.Certificate) int {
	t.Helper()

	s := gosmtp.NewServer(be)
	s.Domain = "upstream.test"
	s.AllowInsecureAuth = true
	s.ReadTimeout = 5 * time.Second
	s.WriteTimeout = 5 * time.Second

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	if cert != nil {
		s.TLSConfig = &tls.Config{Certificates: []tls.Certificate{*cert}}
	}
	if mode == smtptls.ModeImplicit {
		ln = tls.NewListener(ln, s.TLSConfig)
	}

	go s.Serve(ln)
	t.Cleanup(func() { s.Close() })

	return ln.Addr().(*net.TCPAddr).Port
}

func TestDeliver_Upstream(t *testing.T) {
	t.Parallel()

	cert, err := smtptls.GenerateSelfSignedCert("127.0.0.1")
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	caFile := writeCA(t, cert)

	tests := []struct {
		name     string
		mode     smtptls.Mode
		username string
		password string
		wantTLS  bool
	}{
		{name: "none", mode: smtptls.ModeNone},
		{name: "none with auth", mode: smtptls.ModeNone, username: "relay", password: "secret"},
		{name: "start_tls with auth", mode: smtptls.ModeStartTLS, username: "relay", password: "secret", wantTLS: true},
		{name: "implicit_tls", mode: smtptls.ModeImplicit, wantTLS: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			be := &upstreamBackend{username: "relay", password: "secret"}
			port := startUpstream(t, be, tt.mode, cert)

			policy := mustPolicy(t, smtptls.PolicyConfig{Mode: tt.mode, CAFile: caFile, MinVersion: "1.2"})
			c := New(Target{
				Address:  "127.0.0.1",
				Port:     port,
				Username: tt.username,
				Password: tt.password,
				Timeout:  5 * time.Second,
			}, policy, nil)

			env := testEnvelope()
			if err := c.Deliver(context.Background(), env); err != nil {
				t.Fatalf("Deliver: %v", err)
			}

			msgs := be.received()
			if len(msgs) != 1 {
				t.Fatalf("upstream received %d messages, want 1", len(msgs))
			}
			got := msgs[0]
			if got.from != env.Sender {
				t.Errorf("from: got %q, want %q", got.from, env.Sender)
			}
			if len(got.to) != 2 || got.to[0] != "b@y.example" || got.to[1] != "c@z.example" {
				t.Errorf("to: got %v", got.to)
			}
			if string(got.data) != string(env.Data) {
				t.Errorf("data: got %q, want %q", got.data, env.Data)
			}
			if got.tls != tt.wantTLS {
				t.Errorf("tls: got %v, want %v", got.tls, tt.wantTLS)
			}
			if got.authed != tt.username {
				t.Errorf("authenticated as %q, want %q", got.authed, tt.username)
			}
		})
	}
}

func TestDeliver_UpstreamFailures(t *testing.T) {
	t.Parallel()

	cert, err := smtptls.GenerateSelfSignedCert("127.0.0.1")
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}
	other, err := smtptls.GenerateSelfSignedCert("127.0.0.1")
	if err != nil {
		t.Fatalf("GenerateSelfSignedCert: %v", err)
	}

	tests := []struct {
		name       string
		mode       smtptls.Mode
		serverCert *tls.Certificate
		caFile     string
		password   string
		reject     string
		wantKind   relay.Kind
	}{
		{
			name:       "untrusted certificate",
			mode:       smtptls.ModeStartTLS,
			serverCert: cert,
			caFile:     writeCA(t, other),
			wantKind:   relay.TLSFailed,
		},
		{
			name:     "starttls not offered",
			mode:     smtptls.ModeStartTLS,
			caFile:   writeCA(t, cert),
			wantKind: relay.TLSFailed,
		},
		{
			name:       "implicit against untrusted certificate",
			mode:       smtptls.ModeImplicit,
			serverCert: cert,
			caFile:     writeCA(t, other),
			wantKind:   relay.TLSFailed,
		},
		{
			name:     "wrong password",
			mode:     smtptls.ModeNone,
			password: "wrong",
			wantKind: relay.AuthFailed,
		},
		{
			name:     "recipient refused",
			mode:     smtptls.ModeNone,
			password: "secret",
			reject:   "c@z.example",
			wantKind: relay.Rejected,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			be := &upstreamBackend{username: "relay", password: "secret", rejectRcpt: tt.reject}
			port := startUpstream(t, be, tt.mode, tt.serverCert)

			policy := mustPolicy(t, smtptls.PolicyConfig{Mode: tt.mode, CAFile: tt.caFile})
			c := New(Target{
				Address:  "127.0.0.1",
				Port:     port,
				Username: "relay",
				Password: tt.password,
				Timeout:  5 * time.Second,
			}, policy, nil)

			err := c.Deliver(context.Background(), testEnvelope())
			if got := relay.KindOf(err); got != tt.wantKind {
				t.Fatalf("kind: got %v, want %v (err=%v)", got, tt.wantKind, err)
			}
			if n := len(be.received()); n != 0 {
				t.Errorf("upstream received %d messages after failure", n)
			}
		})
	}
}

func TestDeliver_ConnectRefused(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	port := ln.Addr().(*net.TCPAddr).Port
	ln.Close()

	c := New(Target{Address: "127.0.0.1", Port: port, Timeout: 5 * time.Second},
		mustPolicy(t, smtptls.PolicyConfig{Mode: smtptls.ModeNone}), nil)

	err = c.Deliver(context.Background(), testEnvelope())
	if relay.KindOf(err) != relay.ConnectFailed {
		t.Fatalf("kind: got %v, want connect_failed (err=%v)", relay.KindOf(err), err)
	}
}

func TestDeliver_SilentUpstreamTimesOut(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	closed := make(chan struct{})
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer close(closed)
		io.Copy(io.Discard, conn)
		conn.Close()
	}()

	c := New(Target{
		Address: "127.0.0.1",
		Port:    ln.Addr().(*net.TCPAddr).Port,
		Timeout: 200 * time.Millisecond,
	}, mustPolicy(t, smtptls.PolicyConfig{Mode: smtptls.ModeNone}), nil)

	start := time.Now()
	err = c.Deliver(context.Background(), testEnvelope())
	if relay.KindOf(err) != relay.Timeout {
		t.Fatalf("kind: got %v, want timeout (err=%v)", relay.KindOf(err), err)
	}
	if elapsed := time.Since(start); elapsed > 3*time.Second {
		t.Errorf("Deliver took %v after deadline", elapsed)
	}

	select {
	case <-closed:
	case <-time.After(3 * time.Second):
		t.Error("upstream connection was not closed")
	}
	if errors.Is(err, context.Canceled) {
		t.Error("timeout reported as cancellation")
	}
}

func TestDeliver_UnansweredQuitIsBoundedByTimeout(t *testing.T) {
	t.Parallel()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer ln.Close()

	// Scripted upstream that accepts the message and then never answers QUIT.
	go func() {
		conn, err := ln.Accept()
		if err != nil {
			return
		}
		defer conn.Close()

		r := bufio.NewReader(conn)
		io.WriteString(conn, "220 upstream.test ready\r\n")
		inData := false
		for {
			line, err := r.ReadString('\n')
			if err != nil {
				return
			}
			if inData {
				if line == ".\r\n" {
					inData = false
					io.WriteString(conn, "250 2.0.0 queued\r\n")
				}
				continue
			}
			switch cmd := strings.ToUpper(strings.TrimSpace(line)); {
			case strings.HasPrefix(cmd, "EHLO"):
				io.WriteString(conn, "250 upstream.test\r\n")
			case strings.HasPrefix(cmd, "MAIL"), strings.HasPrefix(cmd, "RCPT"):
				io.WriteString(conn, "250 2.0.0 ok\r\n")
			case cmd == "DATA":
				inData = true
				io.WriteString(conn, "354 go ahead\r\n")
			case cmd == "QUIT":
				io.Copy(io.Discard, conn)
				return
			default:
				io.WriteString(conn, "502 5.5.2 unknown command\r\n")
			}
		}
	}()

	c := New(Target{
		Address: "127.0.0.1",
		Port:    ln.Addr().(*net.TCPAddr).Port,
		Timeout: 300 * time.Millisecond,
	}, mustPolicy(t, smtptls.PolicyConfig{Mode: smtptls.ModeNone}), nil)

	start := time.Now()
	if err := c.Deliver(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("Deliver: %v", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Deliver blocked %v waiting for the QUIT reply", elapsed)
	}
}
