package mailer

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
	"go.uber.org/zap"
)

// SESConfig holds settings for the AWS SES transport.
type SESConfig struct {
	Region string
}

// SESSender sends mail through AWS SES. Selected with EMAIL_TRANSPORT=ses
// for deployments that route campaign mail through SES instead of a relay.
type SESSender struct {
	client *ses.Client
	logger *zap.Logger
}

// NewSESSender creates an SES transport using default AWS credentials.
func NewSESSender(ctx context.Context, cfg SESConfig, logger *zap.Logger) (*SESSender, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}

	return &SESSender{
		client: ses.NewFromConfig(awsCfg),
		logger: logger,
	}, nil
}

// Verify confirms SES is reachable with the configured credentials.
func (s *SESSender) Verify(ctx context.Context) error {
	if _, err := s.client.GetSendQuota(ctx, &ses.GetSendQuotaInput{}); err != nil {
		return fmt.Errorf("ses verify: %w", err)
	}
	return nil
}

// Send delivers one message via SES and returns the SES message ID.
func (s *SESSender) Send(ctx context.Context, msg Message) (string, error) {
	if err := msg.Validate(); err != nil {
		return "", err
	}

	source := msg.From
	if msg.FromName != "" {
		source = fmt.Sprintf("%s <%s>", msg.FromName, msg.From)
	}

	body := &types.Body{}
	if msg.HTML != "" {
		body.Html = &types.Content{Data: aws.String(msg.HTML), Charset: aws.String("UTF-8")}
	}
	if msg.Text != "" {
		body.Text = &types.Content{Data: aws.String(msg.Text), Charset: aws.String("UTF-8")}
	}

	input := &ses.SendEmailInput{
		Source: aws.String(source),
		Destination: &types.Destination{
			ToAddresses: []string{msg.To},
		},
		Message: &types.Message{
			Subject: &types.Content{Data: aws.String(msg.Subject), Charset: aws.String("UTF-8")},
			Body:    body,
		},
	}
	if msg.ReplyTo != "" {
		input.ReplyToAddresses = []string{msg.ReplyTo}
	}

	result, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return "", fmt.Errorf("ses send failed: %w", err)
	}

	s.logger.Debug("email sent via ses",
		zap.String("to", msg.To),
		zap.String("message_id", *result.MessageId),
	)

	return *result.MessageId, nil
}
