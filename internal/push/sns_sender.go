package push

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"
	"github.com/aws/smithy-go"
	"go.uber.org/zap"
)

// SNSSender publishes push notifications to AWS SNS platform endpoints.
// A token here is the endpoint ARN created when the device registered
// with the platform application.
type SNSSender struct {
	client      *sns.Client
	logger      *zap.Logger
	sendTimeout time.Duration
}

// SNSConfig holds the SNS transport settings.
type SNSConfig struct {
	Region      string
	SendTimeout time.Duration
}

// NewSNSSender creates a new SNS push sender.
func NewSNSSender(ctx context.Context, cfg SNSConfig, logger *zap.Logger) (*SNSSender, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config for SNS: %w", err)
	}

	timeout := cfg.SendTimeout
	if timeout == 0 {
		timeout = 10 * time.Second
	}

	return &SNSSender{
		client:      sns.NewFromConfig(awsCfg),
		logger:      logger,
		sendTimeout: timeout,
	}, nil
}

// platformMessage is the cross-platform SNS message envelope. APNS and
// FCM each parse their own key; "default" covers everything else.
type platformMessage struct {
	Default string `json:"default"`
	APNS    string `json:"APNS"`
	GCM     string `json:"GCM"`
}

// Send implements Sender. A send that outlives the configured timeout is
// a transport error, never an invalid-token signal.
func (s *SNSSender) Send(ctx context.Context, token string, n Notification) error {
	ctx, cancel := context.WithTimeout(ctx, s.sendTimeout)
	defer cancel()

	apns, err := json.Marshal(map[string]any{
		"aps": map[string]any{
			"alert": map[string]string{"title": n.Title, "body": n.Body},
			"badge": n.Badge,
		},
		"data": n.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal APNS payload: %w", err)
	}

	gcm, err := json.Marshal(map[string]any{
		"notification": map[string]any{"title": n.Title, "body": n.Body},
		"data":         n.Data,
	})
	if err != nil {
		return fmt.Errorf("marshal GCM payload: %w", err)
	}

	body, err := json.Marshal(platformMessage{
		Default: n.Body,
		APNS:    string(apns),
		GCM:     string(gcm),
	})
	if err != nil {
		return fmt.Errorf("marshal platform message: %w", err)
	}

	input := &sns.PublishInput{
		TargetArn:        aws.String(token),
		Message:          aws.String(string(body)),
		MessageStructure: aws.String("json"),
	}

	result, err := s.client.Publish(ctx, input)
	if err != nil {
		if isInvalidEndpoint(err) {
			return fmt.Errorf("%w: %s", ErrInvalidToken, token)
		}
		return fmt.Errorf("sns publish failed: %w", err)
	}

	s.logger.Debug("push delivered via sns",
		zap.String("message_id", aws.ToString(result.MessageId)),
	)

	return nil
}

// isInvalidEndpoint classifies SNS errors that mean the endpoint (token)
// is dead: disabled endpoints and malformed/deleted target ARNs.
func isInvalidEndpoint(err error) bool {
	var disabled *types.EndpointDisabledException
	if errors.As(err, &disabled) {
		return true
	}
	var notFound *types.NotFoundException
	if errors.As(err, &notFound) {
		return true
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		switch apiErr.ErrorCode() {
		case "EndpointDisabled", "InvalidParameter":
			return true
		}
	}
	return false
}
