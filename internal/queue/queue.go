// Package queue wraps Amazon SQS behind the four operations spec.md §4.5
// names: Publish, Receive, Delete, ChangeVisibility. The surface is
// narrow-interfaced the way internal/store narrows *pgxpool.Pool, so
// callers can inject a fake Client in tests.
package queue

import (
	"context"
	"fmt"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
)

// VisibilityTimeout is the default visibility window for received messages
// (spec.md §4.5, §6): long enough to cover one job's worst-case pipeline
// run before SQS makes it visible to another receiver.
const VisibilityTimeout = 600 * time.Second

// LongPollWait is the default wait time for Receive, a short long-poll per
// spec.md §6.
const LongPollWait = 10 * time.Second

// Message is a received queue message, carrying the provider-side receive
// count used only for logging (spec.md §4.5).
type Message struct {
	Body          string
	ReceiptHandle string
	ReceiveCount  int
}

// Client is the SQS surface this package depends on. *sqs.Client satisfies
// it.
type Client interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
	ChangeMessageVisibility(ctx context.Context, params *sqs.ChangeMessageVisibilityInput, optFns ...func(*sqs.Options)) (*sqs.ChangeMessageVisibilityOutput, error)
}

// Queue adapts a single named SQS queue to spec.md §4.5's four operations.
type Queue struct {
	client   Client
	queueURL string
}

// New returns a Queue bound to queueURL, using client for all SQS calls.
func New(client Client, queueURL string) *Queue {
	return &Queue{client: client, queueURL: queueURL}
}

// NewFromRegion loads the default AWS config for region and constructs a
// Queue against queueURL.
func NewFromRegion(ctx context.Context, region, queueURL string) (*Queue, error) {
	cfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("queue: load aws config: %w", err)
	}
	return New(sqs.NewFromConfig(cfg), queueURL), nil
}

// Publish sends a job descriptor payload onto the queue. Delivery is
// at-least-once and carries no ordering promise (spec.md §3, §5).
func (q *Queue) Publish(ctx context.Context, payload string) error {
	_, err := q.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(q.queueURL),
		MessageBody: aws.String(payload),
	})
	if err != nil {
		return fmt.Errorf("queue: publish: %w", err)
	}
	return nil
}

// Receive long-polls for up to maxMessages messages, setting visibility to
// visibility for the duration they are claimed.
func (q *Queue) Receive(ctx context.Context, maxMessages int32, visibility time.Duration) ([]Message, error) {
	if visibility <= 0 {
		visibility = VisibilityTimeout
	}
	out, err := q.client.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:              aws.String(q.queueURL),
		MaxNumberOfMessages:   maxMessages,
		WaitTimeSeconds:       int32(LongPollWait.Seconds()),
		VisibilityTimeout:     int32(visibility.Seconds()),
		AttributeNames:        []types.QueueAttributeName{types.QueueAttributeNameApproximateReceiveCount},
		MessageAttributeNames: []string{"All"},
	})
	if err != nil {
		return nil, fmt.Errorf("queue: receive: %w", err)
	}

	messages := make([]Message, 0, len(out.Messages))
	for _, m := range out.Messages {
		msg := Message{
			Body:          aws.ToString(m.Body),
			ReceiptHandle: aws.ToString(m.ReceiptHandle),
		}
		if raw, ok := m.Attributes[string(types.QueueAttributeNameApproximateReceiveCount)]; ok {
			fmt.Sscanf(raw, "%d", &msg.ReceiveCount)
		}
		messages = append(messages, msg)
	}
	return messages, nil
}

// Delete removes a message by receipt handle after successful processing.
func (q *Queue) Delete(ctx context.Context, receiptHandle string) error {
	_, err := q.client.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.queueURL),
		ReceiptHandle: aws.String(receiptHandle),
	})
	if err != nil {
		return fmt.Errorf("queue: delete: %w", err)
	}
	return nil
}

// ChangeVisibility extends or shortens how long a claimed message stays
// invisible to other receivers, used when a worker needs more time than
// the default visibility window.
func (q *Queue) ChangeVisibility(ctx context.Context, receiptHandle string, newVisibility time.Duration) error {
	_, err := q.client.ChangeMessageVisibility(ctx, &sqs.ChangeMessageVisibilityInput{
		QueueUrl:          aws.String(q.queueURL),
		ReceiptHandle:     aws.String(receiptHandle),
		VisibilityTimeout: int32(newVisibility.Seconds()),
	})
	if err != nil {
		return fmt.Errorf("queue: change visibility: %w", err)
	}
	return nil
}
