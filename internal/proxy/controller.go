// Package proxy orchestrates one inbound transaction: build the envelope,
// ask the decision plugin, relay on accept and report a disposition.
package proxy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/netip"
	"time"

	"github.com/shineum/smtp-gate/internal/envelope"
	"github.com/shineum/smtp-gate/internal/plugin"
	"github.com/shineum/smtp-gate/internal/relay"
)

// Kind is the outcome class of a processed envelope.
type Kind int

const (
	Delivered Kind = iota + 1
	Rejected
	DeliveryFailed
)

func (k Kind) String() string {
	switch k {
	case Delivered:
		return "delivered"
	case Rejected:
		return "rejected"
	case DeliveryFailed:
		return "delivery_failed"
	default:
		return fmt.Sprintf("kind(%d)", int(k))
	}
}

// Disposition is the final result for one envelope, handed back to the
// inbound side to be turned into an SMTP reply.
type Disposition struct {
	Kind       Kind
	EnvelopeID string
	Reason     string
}

// Transaction is a completed inbound SMTP transaction.
type Transaction struct {
	Peer       netip.AddrPort
	Helo       string
	Sender     string
	Recipients []string
	Data       []byte
}

// PluginFault reports a decision plugin that failed instead of deciding.
type PluginFault struct {
	EnvelopeID string
	Plugin     string
	Err        error
}

func (e *PluginFault) Error() string {
	return fmt.Sprintf("plugin %s failed on envelope %s: %v", e.Plugin, e.EnvelopeID, e.Err)
}

func (e *PluginFault) Unwrap() error {
	return e.Err
}

// Outcome describes a finished transaction for observers.
type Outcome struct {
	// Envelope is the envelope as relayed on accept, otherwise as received.
	Envelope    *envelope.Envelope
	Disposition Disposition
	Plugin      string
	Relay       string

	// Err is the *relay.DeliveryError or *PluginFault behind a
	// DeliveryFailed disposition.
	Err error

	Elapsed      time.Duration
	RelayElapsed time.Duration
}

// Observer is notified after every disposition. Observers cannot affect
// the disposition and must not retain the envelope.
type Observer interface {
	Observe(ctx context.Context, o *Outcome)
}

// Controller runs the decision and relay pipeline. It is safe for
// concurrent use; each call to Handle owns its envelope.
type Controller struct {
	plugin    plugin.Plugin
	relay     relay.Relay
	logger    *slog.Logger
	observers []Observer
}

// New creates a Controller.
func New(p plugin.Plugin, r relay.Relay, logger *slog.Logger, observers ...Observer) *Controller {
	if logger == nil {
		logger = slog.Default()
	}
	return &Controller{
		plugin:    p,
		relay:     r,
		logger:    logger,
		observers: observers,
	}
}

// Handle processes one transaction and returns its disposition. The error
// is non-nil only when the plugin faulted, in which case the disposition is
// DeliveryFailed.
func (c *Controller) Handle(ctx context.Context, tx Transaction) (Disposition, error) {
	start := time.Now()
	env := envelope.New(tx.Peer, tx.Helo, tx.Sender, tx.Recipients, tx.Data)
	log := c.logger.With("envelope_id", env.ID)

	log.Info("received message",
		"peer", env.Peer.String(),
		"sender", env.Sender,
		"recipients", env.Recipients,
		"size", len(env.Data),
	)

	outcome := &Outcome{
		Envelope: env,
		Plugin:   c.plugin.Name(),
		Relay:    c.relay.Name(),
	}
	defer func() {
		outcome.Elapsed = time.Since(start)
		c.notify(ctx, outcome)
	}()

	accept, out, err := c.decide(ctx, env)
	if err != nil {
		fault := &PluginFault{EnvelopeID: env.ID, Plugin: c.plugin.Name(), Err: err}
		log.Error("decision plugin failed", "plugin", fault.Plugin, "error", err)
		outcome.Disposition = Disposition{Kind: DeliveryFailed, EnvelopeID: env.ID, Reason: "plugin fault"}
		outcome.Err = fault
		return outcome.Disposition, fault
	}
	if !accept {
		log.Info("message rejected by plugin", "plugin", c.plugin.Name())
		outcome.Disposition = Disposition{Kind: Rejected, EnvelopeID: env.ID, Reason: "rejected by policy"}
		return outcome.Disposition, nil
	}

	log.Info("message accepted by plugin",
		"plugin", c.plugin.Name(),
		"recipients", out.Recipients,
	)
	outcome.Envelope = out

	relayStart := time.Now()
	err = c.relay.Deliver(ctx, out)
	outcome.RelayElapsed = time.Since(relayStart)
	if err != nil {
		var de *relay.DeliveryError
		if !errors.As(err, &de) {
			de = &relay.DeliveryError{Kind: relay.ConnectFailed, Err: err}
		}
		log.Error("upstream delivery failed",
			"relay", c.relay.Name(),
			"kind", de.Kind.String(),
			"error", err,
		)
		outcome.Disposition = Disposition{Kind: DeliveryFailed, EnvelopeID: env.ID, Reason: de.Error()}
		outcome.Err = de
		return outcome.Disposition, nil
	}

	log.Info("message delivered",
		"relay", c.relay.Name(),
		"duration", outcome.RelayElapsed,
	)
	outcome.Disposition = Disposition{Kind: Delivered, EnvelopeID: env.ID}
	return outcome.Disposition, nil
}

// decide invokes the plugin on a copy of env, converting panics and broken
// results into errors.
func (c *Controller) decide(ctx context.Context, env *envelope.Envelope) (accept bool, out *envelope.Envelope, err error) {
	defer func() {
		if r := recover(); r != nil {
			accept, out, err = false, nil, fmt.Errorf("panic: %v", r)
		}
	}()

	accept, out, err = c.plugin.Decide(ctx, env.Clone())
	if err != nil || !accept {
		return false, nil, err
	}
	if out == nil {
		return false, nil, errors.New("accepted without returning an envelope")
	}
	if out.ID != env.ID {
		return false, nil, fmt.Errorf("envelope ID changed to %q", out.ID)
	}
	return true, out, nil
}

// notify runs observers after the disposition is final. They outlive a
// cancelled inbound context so the outcome is still recorded.
func (c *Controller) notify(ctx context.Context, o *Outcome) {
	ctx = context.WithoutCancel(ctx)
	for _, obs := range c.observers {
		func() {
			defer func() {
				if r := recover(); r != nil {
					c.logger.Error("observer panicked",
						"envelope_id", o.Disposition.EnvelopeID,
						"panic", fmt.Sprint(r),
					)
				}
			}()
			obs.Observe(ctx, o)
		}()
	}
}
