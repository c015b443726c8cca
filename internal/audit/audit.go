// Package audit records the outcome of every processed envelope into
// external sinks. Sink failures are logged and never reach the sender.
package audit

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"

	"github.com/shineum/smtp-gate/internal/message"
	"github.com/shineum/smtp-gate/internal/proxy"
)

// Record is one audited disposition.
type Record struct {
	EnvelopeID  string        `json:"envelope_id"`
	OccurredAt  time.Time     `json:"occurred_at"`
	Peer        string        `json:"peer"`
	Helo        string        `json:"helo,omitempty"`
	Sender      string        `json:"sender"`
	Recipients  []string      `json:"recipients"`
	Subject     string        `json:"subject,omitempty"`
	Size        int           `json:"size"`
	Disposition string        `json:"disposition"`
	Reason      string        `json:"reason,omitempty"`
	Plugin      string        `json:"plugin"`
	Relay       string        `json:"relay"`
	Elapsed     time.Duration `json:"elapsed_ns"`
}

// Hook is an audit sink.
type Hook interface {
	Name() string
	Init(ctx context.Context) error
	Record(ctx context.Context, r *Record) error
}

// NewRecord builds a Record from a finished transaction.
func NewRecord(o *proxy.Outcome) *Record {
	env := o.Envelope
	r := &Record{
		EnvelopeID:  o.Disposition.EnvelopeID,
		OccurredAt:  time.Now().UTC(),
		Peer:        env.Peer.String(),
		Helo:        env.Helo,
		Sender:      env.Sender,
		Recipients:  append([]string(nil), env.Recipients...),
		Size:        len(env.Data),
		Disposition: o.Disposition.Kind.String(),
		Reason:      o.Disposition.Reason,
		Plugin:      o.Plugin,
		Relay:       o.Relay,
		Elapsed:     o.Elapsed,
	}
	if s, err := message.Summarize(env.Data); err == nil {
		r.Subject = s.Subject
	}
	return r
}

// Dispatcher fans outcomes out to hooks.
type Dispatcher struct {
	hooks  []Hook
	logger *slog.Logger
}

// NewDispatcher creates a Dispatcher over hooks.
func NewDispatcher(logger *slog.Logger, hooks ...Hook) *Dispatcher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Dispatcher{hooks: hooks, logger: logger}
}

// Init initializes every hook and reports all failures together.
func (d *Dispatcher) Init(ctx context.Context) error {
	var errs []error
	for _, h := range d.hooks {
		if err := h.Init(ctx); err != nil {
			errs = append(errs, fmt.Errorf("audit %s: %w", h.Name(), err))
			continue
		}
		d.logger.Info("audit hook initialized", "hook", h.Name())
	}
	return errors.Join(errs...)
}

// Observe implements proxy.Observer.
func (d *Dispatcher) Observe(ctx context.Context, o *proxy.Outcome) {
	if len(d.hooks) == 0 {
		return
	}
	r := NewRecord(o)
	for _, h := range d.hooks {
		if err := h.Record(ctx, r); err != nil {
			d.logger.Warn("audit hook failed",
				"hook", h.Name(),
				"envelope_id", r.EnvelopeID,
				"error", err,
			)
		}
	}
}

// Close releases hooks that hold resources.
func (d *Dispatcher) Close() error {
	var errs []error
	for _, h := range d.hooks {
		if c, ok := h.(io.Closer); ok {
			if err := c.Close(); err != nil {
				errs = append(errs, fmt.Errorf("audit %s: %w", h.Name(), err))
			}
		}
	}
	return errors.Join(errs...)
}
