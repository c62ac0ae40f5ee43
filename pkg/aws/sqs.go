package aws

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
)

// MessageSender enqueues a message body.
type MessageSender interface {
	SendMessage(ctx context.Context, body string) error
}

// SQSProducer sends messages to a single queue.
type SQSProducer struct {
	client   *sqs.Client
	queueURL string
}

func NewSQSProducer(cfg aws.Config, queueURL string) *SQSProducer {
	return &SQSProducer{
		client:   sqs.NewFromConfig(cfg),
		queueURL: queueURL,
	}
}

// SendMessage sends a single message to the queue
func (p *SQSProducer) SendMessage(ctx context.Context, body string) error {
	if p.queueURL == "" {
		return fmt.Errorf("empty queue url")
	}
	_, err := p.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    aws.String(p.queueURL),
		MessageBody: aws.String(body),
	})
	if err != nil {
		return fmt.Errorf("failed to send message: %w", err)
	}
	return nil
}
