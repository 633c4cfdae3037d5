package services

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/BradenHooton/bastion/pkg/logger"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/ses"
	"github.com/aws/aws-sdk-go-v2/service/ses/types"
)

// Mailer is the outbound message dispatch capability
type Mailer interface {
	Send(ctx context.Context, to, subject, body string) error
}

// sesAPI is the subset of the SES client used by SESMailer
type sesAPI interface {
	SendEmail(ctx context.Context, params *ses.SendEmailInput, optFns ...func(*ses.Options)) (*ses.SendEmailOutput, error)
}

// SESMailer sends plain-text email using AWS SES
type SESMailer struct {
	client      sesAPI
	fromAddress string
	logger      *slog.Logger
}

// NewSESMailer creates a new AWS SES mailer
func NewSESMailer(ctx context.Context, region, fromAddress string, logger *slog.Logger) (*SESMailer, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	return &SESMailer{
		client:      ses.NewFromConfig(cfg),
		fromAddress: fromAddress,
		logger:      logger,
	}, nil
}

// Send delivers a single plain-text message
func (m *SESMailer) Send(ctx context.Context, to, subject, body string) error {
	input := &ses.SendEmailInput{
		Source: aws.String(m.fromAddress),
		Destination: &types.Destination{
			ToAddresses: []string{to},
		},
		Message: &types.Message{
			Subject: &types.Content{
				Data:    aws.String(subject),
				Charset: aws.String("UTF-8"),
			},
			Body: &types.Body{
				Text: &types.Content{
					Data:    aws.String(body),
					Charset: aws.String("UTF-8"),
				},
			},
		},
	}

	result, err := m.client.SendEmail(ctx, input)
	if err != nil {
		m.logger.Error("failed to send email via SES",
			slog.String("to", logger.SanitizedEmail(to)),
			slog.Any("error", err))
		return fmt.Errorf("failed to send email: %w", err)
	}

	m.logger.Info("email sent",
		slog.String("to", logger.SanitizedEmail(to)),
		slog.String("message_id", aws.ToString(result.MessageId)))

	return nil
}

// LogMailer writes messages to the log instead of sending them. Used when no
// SES sender is configured (local development).
type LogMailer struct {
	logger *slog.Logger
}

// NewLogMailer creates a mailer that only logs
func NewLogMailer(logger *slog.Logger) *LogMailer {
	return &LogMailer{logger: logger}
}

// Send logs the subject and recipient; the body is never logged
func (m *LogMailer) Send(ctx context.Context, to, subject, body string) error {
	m.logger.Info("email delivery disabled, message dropped",
		slog.String("to", logger.SanitizedEmail(to)),
		slog.String("subject", subject))
	return nil
}

func emailCodeMessage(code string) (subject, body string) {
	subject = "Your verification code"
	body = fmt.Sprintf(`Your verification code is: %s

The code expires in 10 minutes and can be used once.

If you did not just try to sign in, someone may know your password.
Change it as soon as possible.
`, code)
	return subject, body
}
