package ses

import (
	"context"
	"errors"
	"net/netip"
	"reflect"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/shineum/smtp-gate/internal/envelope"
	"github.com/shineum/smtp-gate/internal/relay"
)

// mockSESClient implements SendEmailAPI for testing.
type mockSESClient struct {
	sendFn    func(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
	callCount int
	lastInput *sesv2.SendEmailInput
}

func (m *mockSESClient) SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
	m.callCount++
	m.lastInput = params
	if m.sendFn != nil {
		return m.sendFn(ctx, params, optFns...)
	}
	return &sesv2.SendEmailOutput{MessageId: aws.String("test-message-id")}, nil
}

func testEnvelope() *envelope.Envelope {
	return envelope.New(
		netip.MustParseAddrPort("192.0.2.10:40000"),
		"client.example",
		"a@x.example",
		[]string{"b@y.example", "bcc@corp.example"},
		[]byte("From: a@x.example\r\nTo: b@y.example\r\nSubject: hi\r\n\r\nbody\r\n"),
	)
}

func TestName(t *testing.T) {
	t.Parallel()
	r := NewWithClient("", &mockSESClient{}, nil)
	if got := r.Name(); got != "ses" {
		t.Errorf("Name(): got %q, want %q", got, "ses")
	}
}

func TestDeliver_RawWithEnvelopeRecipients(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	r := NewWithClient("", mock, nil)
	env := testEnvelope()

	if err := r.Deliver(context.Background(), env); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if mock.callCount != 1 {
		t.Errorf("call count: got %d, want 1", mock.callCount)
	}

	input := mock.lastInput
	if got := aws.ToString(input.FromEmailAddress); got != "a@x.example" {
		t.Errorf("FromEmailAddress: got %q", got)
	}
	if !reflect.DeepEqual(input.Destination.ToAddresses, env.Recipients) {
		t.Errorf("ToAddresses: got %v, want %v", input.Destination.ToAddresses, env.Recipients)
	}
	if input.Content.Simple != nil || input.Content.Raw == nil {
		t.Fatal("expected raw content only")
	}
	if string(input.Content.Raw.Data) != string(env.Data) {
		t.Errorf("raw data changed: %q", input.Content.Raw.Data)
	}
}

func TestDeliver_SenderOverride(t *testing.T) {
	t.Parallel()

	mock := &mockSESClient{}
	r := NewWithClient("relay@verified.example", mock, nil)
	if err := r.Deliver(context.Background(), testEnvelope()); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if got := aws.ToString(mock.lastInput.FromEmailAddress); got != "relay@verified.example" {
		t.Errorf("FromEmailAddress: got %q", got)
	}
}

func TestDeliver_ErrorKinds(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name string
		err  error
		want relay.Kind
	}{
		{name: "message rejected", err: &types.MessageRejected{Message: aws.String("Email address is not verified.")}, want: relay.Rejected},
		{name: "domain not verified", err: &types.MailFromDomainNotVerifiedException{}, want: relay.Rejected},
		{name: "bad request", err: &types.BadRequestException{}, want: relay.Rejected},
		{name: "sending paused", err: &types.SendingPausedException{}, want: relay.AuthFailed},
		{name: "account suspended", err: &types.AccountSuspendedException{}, want: relay.AuthFailed},
		{name: "network", err: errors.New("dial tcp: connection refused"), want: relay.ConnectFailed},
		{name: "deadline", err: context.DeadlineExceeded, want: relay.Timeout},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			mock := &mockSESClient{
				sendFn: func(context.Context, *sesv2.SendEmailInput, ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error) {
					return nil, tt.err
				},
			}
			err := NewWithClient("", mock, nil).Deliver(context.Background(), testEnvelope())
			if got := relay.KindOf(err); got != tt.want {
				t.Errorf("kind: got %v, want %v (err=%v)", got, tt.want, err)
			}
			if !errors.Is(err, tt.err) {
				t.Error("SES error not wrapped")
			}
			if mock.callCount != 1 {
				t.Errorf("call count: got %d, want 1 (no retries)", mock.callCount)
			}
		})
	}
}
