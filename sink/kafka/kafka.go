// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

// Package kafka provides a connection transport which publishes change events to a
// kafka topic. Messages are keyed by document id, so all events of one document land
// in the same partition and keep their order.
package kafka

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/connection"
	"github.com/relabs-tech/livestore/core/logger"
)

// TraceHeader is the message header carrying the serialized logger trace
const TraceHeader = "livestore-trace"

// EventHeader is the message header carrying the event kind
const EventHeader = "livestore-event"

// MessageWriter is the part of kafka.Writer the transport uses
type MessageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// Builder is a builder helper for the Transport
type Builder struct {
	// Brokers are the addresses of the kafka brokers. Mandatory unless Writer is set.
	Brokers []string
	// Topic is the topic the events are written to. Mandatory unless Writer is set.
	Topic string
	// Writer replaces the kafka writer, for example in tests
	Writer MessageWriter
}

// Transport publishes the events of one connection to kafka
type Transport struct {
	writer MessageWriter
	topic  string
	closed atomic.Bool
}

var _ connection.Transport = (*Transport)(nil)
var _ connection.ClosedReporter = (*Transport)(nil)

// New creates a new kafka transport
func New(bb *Builder) *Transport {
	writer := bb.Writer
	if writer == nil {
		if len(bb.Brokers) == 0 {
			panic("kafka brokers missing")
		}
		if bb.Topic == "" {
			panic("kafka topic missing")
		}
		rlog := logger.Default().WithField("topic", bb.Topic)
		writer = &kafka.Writer{
			Addr:                   kafka.TCP(bb.Brokers...),
			Topic:                  bb.Topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireAll,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
			ErrorLogger:            kafka.LoggerFunc(rlog.Errorf),
		}
	}
	return &Transport{writer: writer, topic: bb.Topic}
}

// Deliver writes the event as a json message
func (t *Transport) Deliver(ctx context.Context, event core.Event) error {
	if t.closed.Load() {
		return connection.ErrDisconnected
	}
	body, err := json.Marshal(event)
	if err != nil {
		return fmt.Errorf("cannot encode event: %w", err)
	}
	msg := kafka.Message{
		Key:   []byte(event.Data.CollectionID + "/" + event.Data.ID),
		Value: body,
		Headers: []kafka.Header{
			{Key: EventHeader, Value: []byte(event.Event)},
			{Key: TraceHeader, Value: logger.SerializeTrace(ctx)},
		},
	}
	if err = t.writer.WriteMessages(ctx, msg); err != nil {
		return fmt.Errorf("cannot write to kafka topic %s: %w", t.topic, err)
	}
	return nil
}

// Closed returns true once the transport has been closed
func (t *Transport) Closed() bool {
	return t.closed.Load()
}

// Close closes the kafka writer. Further deliveries report ErrDisconnected.
func (t *Transport) Close() error {
	if t.closed.Swap(true) {
		return nil
	}
	return t.writer.Close()
}
