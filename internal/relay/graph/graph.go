// Package graph implements a Relay that submits messages through the
// Microsoft Graph sendMail endpoint using OAuth2 client credentials.
package graph

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"golang.org/x/oauth2"
	"golang.org/x/oauth2/clientcredentials"

	"github.com/shineum/smtp-gate/internal/envelope"
	"github.com/shineum/smtp-gate/internal/message"
	"github.com/shineum/smtp-gate/internal/relay"
)

// maxErrorBody bounds how much of an error response is read.
const maxErrorBody = 64 << 10

const graphScope = "https://graph.microsoft.com/.default"

// Config holds the Graph application registration and mailbox.
type Config struct {
	TenantID     string
	ClientID     string
	ClientSecret string

	// Sender is the mailbox the message is sent as.
	Sender string
}

// Relay sends raw MIME messages via Graph. The HTTP client carries the
// bearer token and refreshes it when it expires.
type Relay struct {
	sendURL string
	client  *http.Client
	logger  *slog.Logger
}

// New creates a Graph relay for the given tenant.
func New(cfg Config, logger *slog.Logger) *Relay {
	tokenURL := fmt.Sprintf("https://login.microsoftonline.com/%s/oauth2/v2.0/token", url.PathEscape(cfg.TenantID))
	sendURL := fmt.Sprintf("https://graph.microsoft.com/v1.0/users/%s/sendMail", url.PathEscape(cfg.Sender))
	return newWithEndpoints(cfg, tokenURL, sendURL, logger)
}

func newWithEndpoints(cfg Config, tokenURL, sendURL string, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	cc := &clientcredentials.Config{
		ClientID:     cfg.ClientID,
		ClientSecret: cfg.ClientSecret,
		TokenURL:     tokenURL,
		Scopes:       []string{graphScope},
	}
	base := &http.Client{Timeout: 30 * time.Second}
	ctx := context.WithValue(context.Background(), oauth2.HTTPClient, base)

	client := cc.Client(ctx)
	client.Timeout = base.Timeout
	return &Relay{sendURL: sendURL, client: client, logger: logger}
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "graph"
}

// Deliver posts the message as base64 MIME. Graph addresses the message from
// its headers, so envelope recipients missing from To and Cc are added as a
// Bcc header.
func (r *Relay) Deliver(ctx context.Context, env *envelope.Envelope) error {
	data := env.Data
	if bcc := hiddenRecipients(env); len(bcc) > 0 {
		data = message.PrependHeader(data, "Bcc", strings.Join(bcc, ", "))
	}
	body := base64.StdEncoding.EncodeToString(data)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, r.sendURL, strings.NewReader(body))
	if err != nil {
		return relay.Errorf(relay.ConnectFailed, err, "create request")
	}
	req.Header.Set("Content-Type", "text/plain")

	resp, err := r.client.Do(req)
	if err != nil {
		return classifyTransport(ctx, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusAccepted || resp.StatusCode == http.StatusOK {
		r.logger.Info("Graph accepted message",
			"envelope_id", env.ID,
			"recipients", len(env.Recipients),
			"request_id", resp.Header.Get("request-id"),
		)
		return nil
	}

	raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
	return classifyStatus(resp.StatusCode, errorMessage(raw))
}

// hiddenRecipients returns envelope recipients not named in To or Cc.
func hiddenRecipients(env *envelope.Envelope) []string {
	listed := map[string]struct{}{}
	if s, err := message.Summarize(env.Data); err == nil {
		for _, a := range append(s.To, s.Cc...) {
			listed[strings.ToLower(a)] = struct{}{}
		}
	}

	var hidden []string
	for _, rcpt := range env.Recipients {
		if _, ok := listed[strings.ToLower(rcpt)]; !ok {
			hidden = append(hidden, rcpt)
		}
	}
	return hidden
}

type graphErrorResponse struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

func errorMessage(raw []byte) string {
	var resp graphErrorResponse
	if err := json.Unmarshal(raw, &resp); err == nil && resp.Error.Message != "" {
		if resp.Error.Code != "" {
			return resp.Error.Code + ": " + resp.Error.Message
		}
		return resp.Error.Message
	}
	return string(bytes.TrimSpace(raw))
}

// StatusError is the Graph response of a refused send.
type StatusError struct {
	StatusCode int
	Message    string
}

func (e *StatusError) Error() string {
	return fmt.Sprintf("Graph API error (HTTP %d): %s", e.StatusCode, e.Message)
}

// classifyStatus maps a non-success HTTP status onto delivery error kinds.
func classifyStatus(status int, msg string) error {
	err := &StatusError{StatusCode: status, Message: msg}
	switch {
	case status == http.StatusUnauthorized || status == http.StatusForbidden:
		return relay.Errorf(relay.AuthFailed, err, "sendMail")
	case status == http.StatusRequestTimeout || status == http.StatusGatewayTimeout:
		return relay.Errorf(relay.Timeout, err, "sendMail")
	case status == http.StatusTooManyRequests || status >= 500:
		return relay.Errorf(relay.ConnectFailed, err, "sendMail")
	default:
		return relay.Errorf(relay.Rejected, err, "sendMail")
	}
}

// classifyTransport maps errors that happened before a response arrived.
func classifyTransport(ctx context.Context, err error) error {
	var retrieve *oauth2.RetrieveError
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded):
		return relay.Errorf(relay.Timeout, err, "sendMail")
	case errors.As(err, &retrieve):
		return relay.Errorf(relay.AuthFailed, err, "token request")
	default:
		var netErr interface{ Timeout() bool }
		if errors.As(err, &netErr) && netErr.Timeout() {
			return relay.Errorf(relay.Timeout, err, "sendMail")
		}
		return relay.Errorf(relay.ConnectFailed, err, "sendMail")
	}
}
