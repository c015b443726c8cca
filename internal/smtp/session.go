package smtp

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/netip"

	"github.com/emersion/go-sasl"
	gosmtp "github.com/emersion/go-smtp"

	"github.com/shineum/smtp-gate/internal/proxy"
)

// Handler processes a completed inbound transaction.
type Handler interface {
	Handle(ctx context.Context, tx proxy.Transaction) (proxy.Disposition, error)
}

// session holds the state of one inbound connection. go-smtp drives it
// from the connection's goroutine, so it needs no locking.
type session struct {
	server *Server
	conn   *gosmtp.Conn
	peer   netip.AddrPort
	logger *slog.Logger

	user       string
	mailFrom   string
	recipients []string
}

func newSession(s *Server, c *gosmtp.Conn) *session {
	var peer netip.AddrPort
	if addr, ok := c.Conn().RemoteAddr().(*net.TCPAddr); ok {
		peer = addr.AddrPort()
	}
	return &session{
		server: s,
		conn:   c,
		peer:   peer,
		logger: s.logger.With("peer", peer.String()),
	}
}

func (s *session) AuthMechanisms() []string {
	return s.server.auth.Mechanisms()
}

func (s *session) Auth(mech string) (sasl.Server, error) {
	if mech != sasl.Plain || !s.server.auth.Enabled() {
		return nil, gosmtp.ErrAuthUnsupported
	}
	return s.server.auth.PlainServer(func(username string) {
		s.user = username
		s.logger.Debug("client authenticated", "username", username)
	}), nil
}

func (s *session) Mail(from string, _ *gosmtp.MailOptions) error {
	if s.server.auth.Enabled() && s.user == "" {
		return gosmtp.ErrAuthRequired
	}
	s.mailFrom = from
	s.recipients = nil
	return nil
}

func (s *session) Rcpt(to string, _ *gosmtp.RcptOptions) error {
	s.recipients = append(s.recipients, to)
	return nil
}

// Data reads the message and blocks until the controller has produced a
// disposition, which becomes the reply to the end of DATA.
func (s *session) Data(r io.Reader) error {
	data, err := io.ReadAll(r)
	if err != nil {
		return err
	}

	tx := proxy.Transaction{
		Peer:       s.peer,
		Helo:       s.conn.Hostname(),
		Sender:     s.mailFrom,
		Recipients: s.recipients,
		Data:       data,
	}
	d, err := s.server.handler.Handle(s.server.baseContext(), tx)
	return replyFor(d, err)
}

func (s *session) Reset() {
	s.mailFrom = ""
	s.recipients = nil
}

func (s *session) Logout() error {
	return nil
}

// replyFor maps a disposition onto the SMTP reply for the end of DATA.
// A nil error yields go-smtp's 250 reply.
func replyFor(d proxy.Disposition, err error) error {
	if err == nil && d.Kind == proxy.Delivered {
		return nil
	}
	if err == nil && d.Kind == proxy.Rejected {
		return &gosmtp.SMTPError{
			Code:         550,
			EnhancedCode: gosmtp.EnhancedCode{5, 7, 1},
			Message:      fmt.Sprintf("message refused (%s)", d.EnvelopeID),
		}
	}
	return &gosmtp.SMTPError{
		Code:         451,
		EnhancedCode: gosmtp.EnhancedCode{4, 3, 0},
		Message:      fmt.Sprintf("delivery failed, try again later (%s)", d.EnvelopeID),
	}
}
