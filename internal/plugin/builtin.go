package plugin

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"strings"
	"time"

	"github.com/mjl-/mox/ratelimit"

	"github.com/shineum/smtp-gate/internal/envelope"
	"github.com/shineum/smtp-gate/internal/message"
)

type acceptAll struct{}

func newAcceptAll(Options, *slog.Logger) (Plugin, error) {
	return acceptAll{}, nil
}

func (acceptAll) Name() string { return "accept_all" }

func (acceptAll) Decide(_ context.Context, env *envelope.Envelope) (bool, *envelope.Envelope, error) {
	return true, env, nil
}

// whitelist accepts an envelope only if every recipient is an address in
// one of the listed domains.
type whitelist struct {
	domains           map[string]struct{}
	includeSubdomains bool
	logger            *slog.Logger
}

func newWhitelist(opts Options, logger *slog.Logger) (Plugin, error) {
	domains := opts.List("domains")
	if len(domains) == 0 {
		return nil, errors.New("option domains is required")
	}
	sub, err := opts.Bool("include_subdomains", false)
	if err != nil {
		return nil, err
	}

	w := &whitelist{
		domains:           make(map[string]struct{}, len(domains)),
		includeSubdomains: sub,
		logger:            logger,
	}
	for _, d := range domains {
		w.domains[strings.ToLower(strings.TrimSuffix(d, "."))] = struct{}{}
	}
	return w, nil
}

func (w *whitelist) Name() string { return "whitelist" }

func (w *whitelist) Decide(_ context.Context, env *envelope.Envelope) (bool, *envelope.Envelope, error) {
	for _, rcpt := range env.Recipients {
		parts := strings.Split(rcpt, "@")
		if len(parts) != 2 {
			w.logger.Info("malformed recipient",
				"envelope_id", env.ID,
				"peer", env.Peer.String(),
				"recipient", rcpt,
			)
			return false, env, nil
		}
		if !w.allowed(parts[1]) {
			w.logger.Info("recipient domain not whitelisted",
				"envelope_id", env.ID,
				"domain", parts[1],
			)
			return false, env, nil
		}
	}
	w.logger.Debug("all recipients whitelisted", "envelope_id", env.ID)
	return true, env, nil
}

func (w *whitelist) allowed(domain string) bool {
	domain = strings.ToLower(domain)
	if _, ok := w.domains[domain]; ok {
		return true
	}
	if !w.includeSubdomains {
		return false
	}
	for {
		_, parent, ok := strings.Cut(domain, ".")
		if !ok || parent == "" {
			return false
		}
		if _, ok := w.domains[parent]; ok {
			return true
		}
		domain = parent
	}
}

// addRecipients appends fixed recipients to every envelope.
type addRecipients struct {
	recipients []string
	logger     *slog.Logger
}

func newAddRecipients(opts Options, logger *slog.Logger) (Plugin, error) {
	rcpts := opts.List("recipients")
	if len(rcpts) == 0 {
		return nil, errors.New("option recipients is required")
	}
	return &addRecipients{recipients: rcpts, logger: logger}, nil
}

func (a *addRecipients) Name() string { return "add_recipients" }

func (a *addRecipients) Decide(_ context.Context, env *envelope.Envelope) (bool, *envelope.Envelope, error) {
	a.logger.Info("adding recipients",
		"envelope_id", env.ID,
		"recipients", strings.Join(a.recipients, ", "),
	)
	env.Recipients = append(env.Recipients, a.recipients...)
	return true, env, nil
}

// addHeader prepends a fixed header field to the message data.
type addHeader struct {
	name  string
	value string
}

func newAddHeader(opts Options, _ *slog.Logger) (Plugin, error) {
	line := opts.String("header", "")
	if line == "" {
		return nil, errors.New("option header is required")
	}
	name, value, err := message.ParseHeaderLine(line)
	if err != nil {
		return nil, err
	}
	return &addHeader{name: name, value: value}, nil
}

func (h *addHeader) Name() string { return "add_header" }

func (h *addHeader) Decide(_ context.Context, env *envelope.Envelope) (bool, *envelope.Envelope, error) {
	env.Data = message.PrependHeader(env.Data, h.name, h.value)
	return true, env, nil
}

// rateLimit rejects envelopes from peers that exceeded their message budget.
// Limits apply to the peer IP and, at 4 and 16 times the budget, to its
// surrounding subnets.
type rateLimit struct {
	limiter *ratelimit.Limiter
	now     func() time.Time
	logger  *slog.Logger
}

func newRateLimit(opts Options, logger *slog.Logger) (Plugin, error) {
	perMinute, err := opts.Int("per_minute", 0)
	if err != nil {
		return nil, err
	}
	perHour, err := opts.Int("per_hour", 0)
	if err != nil {
		return nil, err
	}

	var limits []ratelimit.WindowLimit
	for _, w := range []struct {
		window time.Duration
		n      int
	}{{time.Minute, perMinute}, {time.Hour, perHour}} {
		if w.n == 0 {
			continue
		}
		n := int64(w.n)
		limits = append(limits, ratelimit.WindowLimit{
			Window: w.window,
			Limits: [...]int64{n, 4 * n, 16 * n},
		})
	}
	if len(limits) == 0 {
		return nil, errors.New("at least one of per_minute or per_hour is required")
	}

	return &rateLimit{
		limiter: &ratelimit.Limiter{WindowLimits: limits},
		now:     time.Now,
		logger:  logger,
	}, nil
}

func (r *rateLimit) Name() string { return "rate_limit" }

func (r *rateLimit) Decide(_ context.Context, env *envelope.Envelope) (bool, *envelope.Envelope, error) {
	ip := net.IPv4zero
	if addr := env.Peer.Addr(); addr.IsValid() {
		ip = net.IP(addr.Unmap().AsSlice())
	}
	if !r.limiter.Add(ip, r.now(), 1) {
		r.logger.Info("peer exceeded message rate",
			"envelope_id", env.ID,
			"peer", ip.String(),
		)
		return false, env, nil
	}
	return true, env, nil
}

// chain runs plugins in order. The first rejection or error ends the chain;
// each accepted envelope is the input of the next plugin.
type chain struct {
	plugins []Plugin
}

func newChain(opts Options, logger *slog.Logger) (Plugin, error) {
	names := opts.List("plugins")
	if len(names) == 0 {
		return nil, errors.New("option plugins is required")
	}
	c := &chain{}
	for _, name := range names {
		if name == "chain" {
			return nil, errors.New("chain cannot contain itself")
		}
		p, err := New(name, opts.Sub(name), logger)
		if err != nil {
			return nil, err
		}
		c.plugins = append(c.plugins, p)
	}
	return c, nil
}

func (c *chain) Name() string { return "chain" }

func (c *chain) Decide(ctx context.Context, env *envelope.Envelope) (bool, *envelope.Envelope, error) {
	cur := env
	for _, p := range c.plugins {
		accept, out, err := p.Decide(ctx, cur)
		if err != nil {
			return false, nil, &ChainError{Plugin: p.Name(), Err: err}
		}
		if !accept {
			return false, cur, nil
		}
		if out == nil {
			return false, nil, &ChainError{Plugin: p.Name(), Err: errors.New("accepted without returning an envelope")}
		}
		cur = out
	}
	return true, cur, nil
}

// ChainError identifies the chained plugin that failed.
type ChainError struct {
	Plugin string
	Err    error
}

func (e *ChainError) Error() string {
	return e.Plugin + ": " + e.Err.Error()
}

func (e *ChainError) Unwrap() error {
	return e.Err
}
