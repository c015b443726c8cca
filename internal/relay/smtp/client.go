// Package smtp implements the upstream relay client: one SMTP session per
// accepted envelope, protected according to the configured TLS policy.
package smtp

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"strconv"
	"time"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp-gate/internal/envelope"
	"github.com/shineum/smtp-gate/internal/relay"
	smtptls "github.com/shineum/smtp-gate/internal/tls"
)

// defaultHelo is the name announced in EHLO when none is configured.
const defaultHelo = "localhost"

// Target is the static upstream server configuration.
type Target struct {
	Address  string
	Port     int
	Username string
	Password string

	// HeloName is announced in EHLO. Defaults to "localhost".
	HeloName string

	// Timeout bounds a whole session from connect to QUIT. Zero means no
	// deadline besides the caller's context.
	Timeout time.Duration
}

// AuthEnabled reports whether AUTH is performed.
func (t Target) AuthEnabled() bool {
	return t.Username != "" && t.Password != ""
}

// HostPort returns the dial address of the target.
func (t Target) HostPort() string {
	return net.JoinHostPort(t.Address, strconv.Itoa(t.Port))
}

// session is the subset of the go-smtp client used for one delivery.
type session interface {
	Hello(localName string) error
	Auth(a sasl.Client) error
	Mail(from string, opts *gosmtp.MailOptions) error
	Rcpt(to string, opts *gosmtp.RcptOptions) error
	Data() (io.WriteCloser, error)
	Quit() error
	Close() error
}

type clientSession struct {
	*gosmtp.Client
}

func (s clientSession) Data() (io.WriteCloser, error) {
	return s.Client.Data()
}

var _ session = clientSession{}

// deadlineConn keeps every deadline go-smtp sets within the session
// deadline, and in the past once ctx is done.
type deadlineConn struct {
	net.Conn
	ctx   context.Context
	limit time.Time
}

func (c *deadlineConn) clamp(t time.Time) time.Time {
	if c.ctx.Err() != nil {
		return time.Now()
	}
	if !c.limit.IsZero() && (t.IsZero() || t.After(c.limit)) {
		return c.limit
	}
	return t
}

func (c *deadlineConn) SetDeadline(t time.Time) error {
	return c.Conn.SetDeadline(c.clamp(t))
}

func (c *deadlineConn) SetReadDeadline(t time.Time) error {
	return c.Conn.SetReadDeadline(c.clamp(t))
}

func (c *deadlineConn) SetWriteDeadline(t time.Time) error {
	return c.Conn.SetWriteDeadline(c.clamp(t))
}

// Client relays envelopes to a single upstream target. It holds no
// per-message state and is safe for concurrent use.
type Client struct {
	target Target
	policy *smtptls.Policy
	logger *slog.Logger

	dial               func(ctx context.Context, network, addr string) (net.Conn, error)
	newSession         func(conn net.Conn) session
	newStartTLSSession func(conn net.Conn, config *tls.Config) (session, error)
}

// New creates a Client for target using policy for TLS negotiation.
func New(target Target, policy *smtptls.Policy, logger *slog.Logger) *Client {
	if target.HeloName == "" {
		target.HeloName = defaultHelo
	}
	if logger == nil {
		logger = slog.Default()
	}
	dialer := &net.Dialer{}
	return &Client{
		target: target,
		policy: policy,
		logger: logger,
		dial:   dialer.DialContext,
		newSession: func(conn net.Conn) session {
			return clientSession{gosmtp.NewClient(conn)}
		},
		newStartTLSSession: func(conn net.Conn, config *tls.Config) (session, error) {
			c, err := gosmtp.NewClientStartTLS(conn, config)
			if err != nil {
				return nil, err
			}
			return clientSession{c}, nil
		},
	}
}

// Name returns the relay transport name.
func (c *Client) Name() string {
	return "smtp"
}

// Deliver runs one upstream session: connect, optional TLS, optional AUTH,
// a single MAIL/RCPT/DATA transaction, then QUIT. The session is always
// closed before Deliver returns; cleanup failures are logged only.
func (c *Client) Deliver(ctx context.Context, env *envelope.Envelope) error {
	if c.target.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.target.Timeout)
		defer cancel()
	}

	addr := c.target.HostPort()
	log := c.logger.With("envelope_id", env.ID, "upstream", addr, "tls_mode", c.policy.Mode())
	start := time.Now()

	// Connecting
	raw, err := c.dial(ctx, "tcp", addr)
	if err != nil {
		return classify(ctx, relay.ConnectFailed, err, "dial %s", addr)
	}
	limit, _ := ctx.Deadline()
	var conn net.Conn = &deadlineConn{Conn: raw, ctx: ctx, limit: limit}
	conn.SetDeadline(limit)
	stop := context.AfterFunc(ctx, func() {
		raw.SetDeadline(time.Now())
	})
	defer stop()

	var sess session
	defer func() {
		c.closeSession(log, sess, conn)
	}()

	switch c.policy.Mode() {
	case smtptls.ModeImplicit:
		tlsConn := tls.Client(conn, c.policy.Config(ctx, c.target.Address))
		if err := tlsConn.HandshakeContext(ctx); err != nil {
			return classify(ctx, relay.TLSFailed, err, "implicit TLS handshake")
		}
		conn = tlsConn
		sess = c.newSession(conn)
		if err := sess.Hello(c.target.HeloName); err != nil {
			return classify(ctx, relay.ConnectFailed, err, "greeting")
		}

	case smtptls.ModeStartTLS:
		sess, err = c.newStartTLSSession(conn, c.policy.Config(ctx, c.target.Address))
		if err != nil {
			return classify(ctx, startTLSKind(err), err, "STARTTLS")
		}
		// The handshake runs on the first command after the upgrade.
		if err := sess.Hello(c.target.HeloName); err != nil {
			kind := relay.TLSFailed
			if isSMTPReply(err) {
				kind = relay.ConnectFailed
			}
			return classify(ctx, kind, err, "EHLO after STARTTLS")
		}

	default:
		sess = c.newSession(conn)
		if err := sess.Hello(c.target.HeloName); err != nil {
			return classify(ctx, relay.ConnectFailed, err, "greeting")
		}
	}

	// Authenticating
	if c.target.AuthEnabled() {
		if err := sess.Auth(sasl.NewPlainClient("", c.target.Username, c.target.Password)); err != nil {
			return classify(ctx, relay.AuthFailed, err, "AUTH PLAIN as %s", c.target.Username)
		}
	}

	// Sending
	if err := sess.Mail(env.Sender, nil); err != nil {
		return classify(ctx, sendKind(err), err, "MAIL FROM:<%s>", env.Sender)
	}
	for _, rcpt := range env.Recipients {
		if err := sess.Rcpt(rcpt, nil); err != nil {
			return classify(ctx, sendKind(err), err, "RCPT TO:<%s>", rcpt)
		}
	}
	w, err := sess.Data()
	if err != nil {
		return classify(ctx, sendKind(err), err, "DATA")
	}
	if _, err := w.Write(env.Data); err != nil {
		w.Close()
		return classify(ctx, sendKind(err), err, "message body")
	}
	if err := w.Close(); err != nil {
		return classify(ctx, sendKind(err), err, "end of data")
	}

	log.Info("upstream accepted message",
		"recipients", len(env.Recipients),
		"size", len(env.Data),
		"duration", time.Since(start),
	)
	return nil
}

// closeSession terminates the session if one was established, otherwise the
// bare transport. It is safe to call with nil arguments.
func (c *Client) closeSession(log *slog.Logger, sess session, conn net.Conn) {
	if sess != nil {
		err := sess.Quit()
		if err == nil {
			return
		}
		log.Warn("upstream QUIT failed", "error", err)
		if err := sess.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warn("failed to close upstream session", "error", err)
		}
		return
	}
	if conn != nil {
		if err := conn.Close(); err != nil && !errors.Is(err, net.ErrClosed) {
			log.Warn("failed to close upstream connection", "error", err)
		}
	}
}

// sendKind maps an error from the transaction phase: SMTP replies are
// rejections, anything else means the connection broke.
func sendKind(err error) relay.Kind {
	if isSMTPReply(err) {
		return relay.Rejected
	}
	return relay.ConnectFailed
}

// startTLSKind maps a failed upgrade. Lost connections during the greeting
// are connect failures; a refused or unadvertised STARTTLS is a TLS failure.
func startTLSKind(err error) relay.Kind {
	var netErr net.Error
	if errors.Is(err, io.EOF) || errors.Is(err, io.ErrUnexpectedEOF) || errors.As(err, &netErr) {
		return relay.ConnectFailed
	}
	return relay.TLSFailed
}

func isSMTPReply(err error) bool {
	var smtpErr *gosmtp.SMTPError
	return errors.As(err, &smtpErr)
}

// classify wraps err as a DeliveryError, turning deadline expiry into
// Timeout regardless of the phase it hit.
func classify(ctx context.Context, kind relay.Kind, err error, format string, args ...any) error {
	var netErr net.Error
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || (errors.As(err, &netErr) && netErr.Timeout()) {
		kind = relay.Timeout
	}
	return relay.Errorf(kind, err, format, args...)
}

var _ relay.Relay = (*Client)(nil)

// String describes the client for startup logging.
func (c *Client) String() string {
	return fmt.Sprintf("smtp://%s (%s)", c.target.HostPort(), c.policy.Mode())
}
