// Package ses implements a Deliverer that hands the rendered MIME document to
// AWS SES v2 as a raw message.
package ses

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	sesv2 "github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"

	"github.com/908Inc/ckanext-prettymail/internal/transport"
)

// Config holds the settings for creating a Deliverer. Empty credentials fall
// back to the SDK's default chain.
type Config struct {
	Region          string
	AccessKeyID     string
	SecretAccessKey string
}

// SendEmailAPI is the subset of the SES v2 client the deliverer uses.
type SendEmailAPI interface {
	SendEmail(ctx context.Context, params *sesv2.SendEmailInput, optFns ...func(*sesv2.Options)) (*sesv2.SendEmailOutput, error)
}

// Deliverer sends payloads through the SES v2 SendEmail API.
type Deliverer struct {
	client SendEmailAPI
	log    *slog.Logger
}

// New creates a Deliverer from the default AWS config, overridden by cfg.
func New(ctx context.Context, cfg Config) (*Deliverer, error) {
	var opts []func(*awsconfig.LoadOptions) error

	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
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

	return NewWithClient(sesv2.NewFromConfig(awsCfg)), nil
}

// NewWithClient creates a Deliverer around an existing client.
func NewWithClient(client SendEmailAPI) *Deliverer {
	return &Deliverer{client: client, log: slog.Default()}
}

// Deliver sends p as a raw message. The envelope sender becomes the SES
// From address and every envelope recipient a destination; SES reports no
// per-recipient refusals, so all of them are listed as accepted.
func (d *Deliverer) Deliver(ctx context.Context, p transport.Payload) (transport.Receipt, error) {
	env, err := p.Envelope()
	if err != nil {
		return transport.Receipt{}, err
	}
	body, err := p.Bytes()
	if err != nil {
		return transport.Receipt{}, fmt.Errorf("failed to render payload: %w", err)
	}

	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(env.From),
		Destination:      &types.Destination{ToAddresses: env.Recipients},
		Content: &types.EmailContent{
			Raw: &types.RawMessage{Data: body},
		},
	}

	out, err := d.client.SendEmail(ctx, input)
	if err != nil {
		return transport.Receipt{}, fmt.Errorf("SES SendEmail failed: %w", err)
	}

	d.log.Info("ses message delivered",
		"from", env.From,
		"recipients", len(env.Recipients),
		"message_id", aws.ToString(out.MessageId),
	)
	return transport.Receipt{
		Accepted: append([]string(nil), env.Recipients...),
		Rejected: map[string]error{},
	}, nil
}

// Name returns the deliverer name.
func (d *Deliverer) Name() string {
	return "ses"
}
