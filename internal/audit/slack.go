package audit

import (
	"context"
	"fmt"
	"strings"

	"github.com/lestrrat-go/slack"
)

const slackUsername = "smtp-gate"

// SlackHook posts a notification for every envelope that was not delivered.
type SlackHook struct {
	token   string
	channel string
	post    func(ctx context.Context, text string) error
}

// NewSlackHook creates a hook posting to channel with token.
func NewSlackHook(token, channel string) *SlackHook {
	return &SlackHook{token: token, channel: channel}
}

func (h *SlackHook) Name() string {
	return "slack"
}

func (h *SlackHook) Init(context.Context) error {
	if h.token == "" {
		return fmt.Errorf("missing token for slack")
	}
	if h.channel == "" {
		return fmt.Errorf("missing channel for slack")
	}
	if h.post == nil {
		cl := slack.New(h.token)
		h.post = func(ctx context.Context, text string) error {
			_, err := cl.Chat().PostMessage(h.channel).Username(slackUsername).Text(text).Do(ctx)
			return err
		}
	}
	return nil
}

func (h *SlackHook) Record(ctx context.Context, r *Record) error {
	if r.Disposition == "delivered" {
		return nil
	}
	if h.post == nil {
		return fmt.Errorf("slack hook not initialized")
	}
	return h.post(ctx, slackText(r))
}

func slackText(r *Record) string {
	var b strings.Builder
	fmt.Fprintf(&b, "*%s* `%s` from `%s` => `%s`", r.Disposition, r.EnvelopeID, r.Sender, strings.Join(r.Recipients, ", "))
	if r.Subject != "" {
		fmt.Fprintf(&b, " (%s)", r.Subject)
	}
	if r.Reason != "" {
		fmt.Fprintf(&b, "\n> %s", r.Reason)
	}
	return b.String()
}
