// Package queue provides the SQS-based notification producer used to escalate
// scheduler events to downstream workers.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	sqsTypes "github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/google/uuid"

	"mailroom/internal/config"
)

// SQSSender abstracts the SQS SendMessage operation for testability.
// Production code uses the *sqs.Client from aws-sdk-go-v2.
type SQSSender interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// NotifyMessage is the JSON body placed on the notification queue.
type NotifyMessage struct {
	TraceID   string         `json:"trace_id"`
	Kind      string         `json:"kind"`
	Payload   map[string]any `json:"payload,omitempty"`
	EmittedAt time.Time      `json:"emitted_at"`
}

// SQSNotifier implements scheduler.FailureNotifier by serializing each event
// as a NotifyMessage and sending it to the notification queue. Delivery is
// fire-and-forget from the scheduler's perspective; callers log failures
// rather than retry inside the execution budget.
type SQSNotifier struct {
	client   SQSSender
	queueURL string
	logger   *slog.Logger
}

// NewSQSNotifier creates a notifier from the AWS configuration.
func NewSQSNotifier(client SQSSender, awsCfg config.AWSConfig, logger *slog.Logger) *SQSNotifier {
	if logger == nil {
		logger = slog.Default()
	}
	return &SQSNotifier{
		client:   client,
		queueURL: awsCfg.NotificationQueue,
		logger:   logger,
	}
}

// Notify enqueues one notification event.
func (n *SQSNotifier) Notify(ctx context.Context, kind string, payload map[string]any) error {
	msg := NotifyMessage{
		TraceID:   uuid.New().String(),
		Kind:      kind,
		Payload:   payload,
		EmittedAt: time.Now().UTC(),
	}

	body, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("queue: failed to marshal notify message: %w", err)
	}

	input := &sqs.SendMessageInput{
		QueueUrl:    aws.String(n.queueURL),
		MessageBody: aws.String(string(body)),
		MessageAttributes: map[string]sqsTypes.MessageAttributeValue{
			"kind": {
				DataType:    aws.String("String"),
				StringValue: aws.String(kind),
			},
		},
	}

	if _, err := n.client.SendMessage(ctx, input); err != nil {
		return fmt.Errorf("queue: failed to send notify message to %s: %w", n.queueURL, err)
	}

	n.logger.InfoContext(ctx, "notification message sent",
		"queue_url", n.queueURL,
		"trace_id", msg.TraceID,
		"kind", kind,
	)
	return nil
}
