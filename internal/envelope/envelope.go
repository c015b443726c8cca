// Package envelope defines the per-message record that flows through the
// decision and relay pipeline.
package envelope

import (
	"crypto/rand"
	"net/netip"
	"time"

	"github.com/oklog/ulid"
)

// Envelope represents one in-flight message. Its ID is assigned once, before
// any plugin or relay step, and never changes afterwards.
type Envelope struct {
	ID         string
	Peer       netip.AddrPort
	Helo       string
	ReceivedAt time.Time

	Sender     string
	Recipients []string
	Data       []byte
}

// New creates an Envelope with a freshly generated ID. Recipients and data
// are copied so the caller's buffers can be reused.
func New(peer netip.AddrPort, helo, sender string, recipients []string, data []byte) *Envelope {
	now := time.Now()
	return &Envelope{
		ID:         NewID(now),
		Peer:       peer,
		Helo:       helo,
		ReceivedAt: now,
		Sender:     sender,
		Recipients: append([]string(nil), recipients...),
		Data:       append([]byte(nil), data...),
	}
}

// NewID returns a new lexically sortable identifier for the given time.
func NewID(t time.Time) string {
	return ulid.MustNew(ulid.Timestamp(t), rand.Reader).String()
}

// Clone returns a deep copy of the envelope.
func (e *Envelope) Clone() *Envelope {
	c := *e
	c.Recipients = append([]string(nil), e.Recipients...)
	c.Data = append([]byte(nil), e.Data...)
	return &c
}
