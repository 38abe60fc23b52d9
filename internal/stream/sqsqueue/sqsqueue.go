// Package sqsqueue adapts an SQS queue to stream.Transport. Messages that
// arrive through an SNS subscription are unwrapped from their notification
// envelope.
package sqsqueue

import (
	"context"
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"

	"github.com/edvin/cloudaccounts/internal/stream"
)

// maxBatch is the SQS limit for messages per receive call.
const maxBatch = 10

// API is the part of the SQS client used by Queue.
type API interface {
	ReceiveMessage(ctx context.Context, params *sqs.ReceiveMessageInput, optFns ...func(*sqs.Options)) (*sqs.ReceiveMessageOutput, error)
	DeleteMessage(ctx context.Context, params *sqs.DeleteMessageInput, optFns ...func(*sqs.Options)) (*sqs.DeleteMessageOutput, error)
}

// Queue receives from one SQS queue.
type Queue struct {
	api      API
	url      string
	kind     string
	waitTime time.Duration
}

// New creates a queue transport. Every delivery carries the given kind.
// waitTime enables long polling, capped at 20s by SQS.
func New(api API, queueURL, kind string, waitTime time.Duration) *Queue {
	return &Queue{api: api, url: queueURL, kind: kind, waitTime: waitTime}
}

func (q *Queue) Name() string { return "sqs:" + q.url }

func (q *Queue) Receive(ctx context.Context, max int, visibility time.Duration) ([]stream.Delivery, error) {
	if max > maxBatch {
		max = maxBatch
	}
	if max < 1 {
		max = 1
	}
	out, err := q.api.ReceiveMessage(ctx, &sqs.ReceiveMessageInput{
		QueueUrl:            aws.String(q.url),
		MaxNumberOfMessages: int32(max),
		VisibilityTimeout:   int32(visibility.Seconds()),
		WaitTimeSeconds:     int32(min(q.waitTime, 20*time.Second).Seconds()),
		MessageSystemAttributeNames: []types.MessageSystemAttributeName{
			types.MessageSystemAttributeNameApproximateReceiveCount,
			types.MessageSystemAttributeNameSentTimestamp,
		},
	})
	if err != nil {
		return nil, fmt.Errorf("receive from %s: %w", q.url, err)
	}

	deliveries := make([]stream.Delivery, 0, len(out.Messages))
	for _, m := range out.Messages {
		d := stream.Delivery{
			ID:      aws.ToString(m.MessageId),
			Kind:    q.kind,
			Receipt: aws.ToString(m.ReceiptHandle),
			Body:    unwrapNotification([]byte(aws.ToString(m.Body))),
		}
		if n, err := strconv.Atoi(m.Attributes[string(types.MessageSystemAttributeNameApproximateReceiveCount)]); err == nil && n > 0 {
			d.Redeliveries = n - 1
		}
		if ms, err := strconv.ParseInt(m.Attributes[string(types.MessageSystemAttributeNameSentTimestamp)], 10, 64); err == nil {
			d.SentAt = time.UnixMilli(ms).UTC()
		}
		deliveries = append(deliveries, d)
	}
	return deliveries, nil
}

func (q *Queue) Ack(ctx context.Context, d stream.Delivery) error {
	_, err := q.api.DeleteMessage(ctx, &sqs.DeleteMessageInput{
		QueueUrl:      aws.String(q.url),
		ReceiptHandle: aws.String(d.Receipt),
	})
	if err != nil {
		return fmt.Errorf("delete message %s from %s: %w", d.ID, q.url, err)
	}
	return nil
}

type snsEnvelope struct {
	Type    string `json:"Type"`
	Message string `json:"Message"`
}

func unwrapNotification(body []byte) []byte {
	var env snsEnvelope
	if err := json.Unmarshal(body, &env); err != nil || env.Type != "Notification" {
		return body
	}
	return []byte(env.Message)
}
