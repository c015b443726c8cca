// Package ses implements a Relay that submits envelopes through the AWS
// SES v2 raw send API.
package ses

import (
	"context"
	"errors"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-gate/internal/envelope"
	"github.com/shineum/smtp-gate/internal/relay"
)

// Config holds the configuration for creating a Relay.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string

	// Sender overrides the envelope sender as FromEmailAddress, for
	// accounts where only one identity is verified.
	Sender string
}

// SendEmailAPI is the interface for the SES v2 SendEmail operation.
// Used for testing with mock implementations.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Relay sends envelopes via AWS SES v2.
type Relay struct {
	sender string
	client SendEmailAPI
	logger *slog.Logger
}

// New creates a Relay from the AWS default credential chain, optionally
// pinned to static credentials.
func New(ctx context.Context, cfg Config, logger *slog.Logger) (*Relay, error) {
	opts := []func(*awsconfig.LoadOptions) error{
		awsconfig.WithRegion(cfg.Region),
		// One attempt per envelope; the sender retries.
		awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }),
	}

	if cfg.AccessKeyID != "" && cfg.SecretAccessKey != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKeyID, cfg.SecretAccessKey, ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return NewWithClient(cfg.Sender, sesv2.NewFromConfig(awsCfg), logger), nil
}

// NewWithClient creates a Relay with a custom client, used for testing.
func NewWithClient(sender string, client SendEmailAPI, logger *slog.Logger) *Relay {
	if logger == nil {
		logger = slog.Default()
	}
	return &Relay{
		sender: sender,
		client: client,
		logger: logger,
	}
}

// Name returns the relay name.
func (r *Relay) Name() string {
	return "ses"
}

// Deliver submits the message bytes unchanged. Envelope recipients are the
// destination regardless of the message headers.
func (r *Relay) Deliver(ctx context.Context, env *envelope.Envelope) error {
	from := env.Sender
	if r.sender != "" {
		from = r.sender
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(from),
		Destination: &types.Destination{
			ToAddresses: env.Recipients,
		},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{
				Data: env.Data,
			},
		},
	}

	out, err := r.client.SendEmail(ctx, input)
	if err != nil {
		return classify(ctx, err)
	}

	r.logger.Info("SES accepted message",
		"envelope_id", env.ID,
		"message_id", aws.ToString(out.MessageId),
		"recipients", len(env.Recipients),
	)
	return nil
}

// classify maps SES API errors onto delivery error kinds.
func classify(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return relay.Errorf(relay.Timeout, err, "SendEmail")
	}

	var (
		rejected    *types.MessageRejected
		notVerified *types.MailFromDomainNotVerifiedException
		paused      *types.SendingPausedException
		suspended   *types.AccountSuspendedException
		badRequest  *types.BadRequestException
	)
	switch {
	case errors.As(err, &rejected), errors.As(err, &notVerified), errors.As(err, &badRequest):
		return relay.Errorf(relay.Rejected, err, "SendEmail")
	case errors.As(err, &paused), errors.As(err, &suspended):
		return relay.Errorf(relay.AuthFailed, err, "SendEmail")
	default:
		return relay.Errorf(relay.ConnectFailed, err, "SendEmail")
	}
}
