// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package sqs provides a webhook dispatcher which hands webhook deliveries to an
// AWS SQS queue. The HTTP delivery itself is done by whoever consumes the queue.
package sqs

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/aws/aws-sdk-go-v2/service/sqs/types"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/logger"
)

// Configuration contains the configuration for the SQS dispatcher
type Configuration struct {
	QueueURL  string
	AWSRegion string
	AccessID  string
	AccessKey string
}

// SendMessageAPI is the part of the SQS client the dispatcher uses
type SendMessageAPI interface {
	SendMessage(ctx context.Context, params *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// Dispatcher sends webhook deliveries to an SQS queue
type Dispatcher struct {
	client   SendMessageAPI
	queueURL string
}

var _ core.WebhookDispatcher = (*Dispatcher)(nil)

// New creates a dispatcher with static credentials
func New(ctx context.Context, sqsConfig Configuration) (*Dispatcher, error) {
	if sqsConfig.QueueURL == "" {
		return nil, fmt.Errorf("QueueURL must not be empty")
	}
	cfg, err := config.LoadDefaultConfig(
		ctx,
		config.WithRegion(sqsConfig.AWSRegion),
		config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(sqsConfig.AccessID, sqsConfig.AccessKey, "")),
	)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("webhook dispatch through SQS enabled")
	return NewWithClient(sqs.NewFromConfig(cfg), sqsConfig.QueueURL), nil
}

// NewWithClient creates a dispatcher on an existing client
func NewWithClient(client SendMessageAPI, queueURL string) *Dispatcher {
	return &Dispatcher{client: client, queueURL: queueURL}
}

// Dispatch sends the delivery as a json message. The webhook url, the collection and
// the event kind are also sent as message attributes so consumers can route without
// decoding the body.
func (d *Dispatcher) Dispatch(ctx context.Context, delivery core.WebhookDelivery) error {
	body, err := json.Marshal(delivery)
	if err != nil {
		return fmt.Errorf("cannot encode webhook delivery: %w", err)
	}
	trace := logger.TraceFromContext(ctx)
	attributes := map[string]types.MessageAttributeValue{
		"url":        stringAttribute(delivery.URL),
		"collection": stringAttribute(delivery.Event.Data.CollectionID),
		"event":      stringAttribute(string(delivery.Event.Event)),
	}
	if trace.RequestID != "" {
		attributes["requestID"] = stringAttribute(trace.RequestID)
	}
	out, err := d.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:          aws.String(d.queueURL),
		MessageBody:       aws.String(string(body)),
		MessageAttributes: attributes,
	})
	if err != nil {
		return fmt.Errorf("cannot send webhook delivery to SQS: %w", err)
	}
	logger.FromContext(ctx).Debugf("queued webhook %s for %s as message %s",
		delivery.Event.Event, delivery.URL, aws.ToString(out.MessageId))
	return nil
}

func stringAttribute(s string) types.MessageAttributeValue {
	return types.MessageAttributeValue{
		DataType:    aws.String("String"),
		StringValue: aws.String(s),
	}
}
