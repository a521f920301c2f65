// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package test

import (
	"context"
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/joeshaw/envdecode"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/store"
	lskafka "github.com/relabs-tech/livestore/sink/kafka"
)

type EventsOrderTestSuite struct {
	IntegrationTestSuite
}

func TestEventsOrderTestSuite(t *testing.T) {
	ts := &EventsOrderTestSuite{}
	if err := envdecode.Decode(&ts.Service); err != nil {
		t.Fatal(err)
	}
	if testing.Short() || !ts.Service.Integration {
		t.Skip("set LIVESTORE_INTEGRATION to run the integration tests")
	}
	suite.Run(t, ts)
}

// TestEventOrdering updates documents in random order and checks that kafka
// receives the events of each document in revision order
func (s *EventsOrderTestSuite) TestEventOrdering() {
	ctx := context.Background()
	collectionID := "orders-" + uuid.NewString()
	topic := "livestore." + collectionID
	s.Require().NoError(s.CreateTopic(topic, 3))
	defer s.DeleteTopic(topic)

	_, err := s.Client.CreateCollection(map[string]string{"id": collectionID, "name": "Orders"}, nil)
	s.Require().NoError(err)

	transport := lskafka.New(&lskafka.Builder{Brokers: []string{s.KafkaAddr()}, Topic: topic})
	defer transport.Close()
	name := "kafka:" + collectionID
	_, err = s.Connections.Open(ctx, collectionID, nil, name, transport)
	s.Require().NoError(err)
	s.Require().NoError(s.Connections.Ready(name))
	defer s.Connections.Close(name)

	documents := s.Client.Collection(collectionID)
	keys := []string{"a", "b", "c", "d", "e"}
	for _, key := range keys {
		_, err = documents.WithParameter("id", key).Create(map[string]interface{}{"step": 0}, nil)
		s.Require().NoError(err)
	}
	updates := 50
	for i := 1; i <= updates; i++ {
		key := keys[rand.Intn(len(keys))]
		_, err = documents.Document(key).Merge(map[string]interface{}{"step": i}, nil)
		s.Require().NoError(err)
	}
	expected := len(keys) + updates

	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:     []string{s.KafkaAddr()},
		GroupID:     "livestore-test-" + uuid.NewString(),
		Topic:       topic,
		StartOffset: kafka.FirstOffset,
	})
	defer reader.Close()

	readCtx, cancel := context.WithTimeout(ctx, 30*time.Second)
	defer cancel()
	revisions := map[string][]int64{}
	for received := 0; received < expected; received++ {
		msg, err := reader.ReadMessage(readCtx)
		s.Require().NoError(err, "received %d of %d events", received, expected)
		var event core.Event
		s.Require().NoError(json.Unmarshal(msg.Value, &event))
		s.Equal(collectionID+"/"+event.Data.ID, string(msg.Key))
		revisions[event.Data.ID] = append(revisions[event.Data.ID], event.Data.Revision)
	}

	for key, list := range revisions {
		for i, revision := range list {
			s.Equal(int64(i+1), revision, fmt.Sprintf("document %s: events out of order: %v", key, list))
		}
	}
}

// TestRestart checks that a second store on the same database sees all data
func (s *EventsOrderTestSuite) TestRestart() {
	ctx := context.Background()
	collectionID := "restart-" + uuid.NewString()
	_, err := s.Client.CreateCollection(map[string]string{"id": collectionID, "name": "Restart"}, nil)
	s.Require().NoError(err)
	_, err = s.Client.Collection(collectionID).WithParameter("id", "d1").Create(map[string]interface{}{"title": "persisted"}, nil)
	s.Require().NoError(err)

	restarted := store.New(&store.Builder{Driver: s.Driver()})
	c, err := restarted.GetCollection(ctx, collectionID)
	s.Require().NoError(err)
	s.Equal("Restart", c.Name)
	doc, err := restarted.GetDocument(ctx, collectionID, "d1")
	s.Require().NoError(err)
	title, _ := doc.Data.Get("title")
	text, _ := title.AsString()
	s.Equal("persisted", text)
}
