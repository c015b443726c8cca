// Package stdout implements a Relay that prints envelopes instead of
// delivering them, for dry runs.
package stdout

import (
	"context"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/shineum/smtp-gate/internal/envelope"
	"github.com/shineum/smtp-gate/internal/message"
)

// Relay prints envelope summaries in a human-readable format.
type Relay struct {
	// writer is the output destination, defaulting to os.Stdout.
	writer io.Writer
}

// New creates a Relay that writes to os.Stdout.
func New() *Relay {
	return &Relay{writer: os.Stdout}
}

// NewWithWriter creates a Relay that writes to the given writer.
func NewWithWriter(w io.Writer) *Relay {
	return &Relay{writer: w}
}

// Deliver prints the envelope. It fails only if the writer does.
func (r *Relay) Deliver(_ context.Context, env *envelope.Envelope) error {
	var b strings.Builder

	b.WriteString("========================================\n")
	fmt.Fprintf(&b, "Envelope: %s\n", env.ID)
	fmt.Fprintf(&b, "Peer: %s\n", env.Peer)
	fmt.Fprintf(&b, "Mail From: %s\n", env.Sender)
	fmt.Fprintf(&b, "Rcpt To: %s\n", strings.Join(env.Recipients, ", "))

	if s, err := message.Summarize(env.Data); err == nil {
		if s.From != "" {
			fmt.Fprintf(&b, "From: %s\n", s.From)
		}
		if len(s.To) > 0 {
			fmt.Fprintf(&b, "To: %s\n", strings.Join(s.To, ", "))
		}
		if len(s.Cc) > 0 {
			fmt.Fprintf(&b, "Cc: %s\n", strings.Join(s.Cc, ", "))
		}
		fmt.Fprintf(&b, "Subject: %s\n", s.Subject)
		fmt.Fprintf(&b, "Content-Type: %s (%d parts)\n", s.ContentType, s.Parts)
		if len(s.Attachments) > 0 {
			fmt.Fprintf(&b, "Attachments: %s\n", strings.Join(s.Attachments, ", "))
		}
		for _, problem := range s.Problems {
			fmt.Fprintf(&b, "Warning: %v\n", problem)
		}
	}
	fmt.Fprintf(&b, "Size: %s\n", formatSize(len(env.Data)))

	b.WriteString("========================================\n")

	if _, err := io.WriteString(r.writer, b.String()); err != nil {
		return fmt.Errorf("failed to write envelope: %w", err)
	}
	return nil
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "stdout"
}

// formatSize formats a byte count into a human-readable string.
func formatSize(bytes int) string {
	const (
		kb = 1024
		mb = kb * 1024
	)

	switch {
	case bytes >= mb:
		return fmt.Sprintf("%.1f MB", float64(bytes)/float64(mb))
	case bytes >= kb:
		return fmt.Sprintf("%.1f KB", float64(bytes)/float64(kb))
	default:
		return fmt.Sprintf("%d B", bytes)
	}
}
