// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/gorilla/mux"
	"github.com/joeshaw/envdecode"
	"github.com/sirupsen/logrus"

	"github.com/relabs-tech/livestore/core"
	"github.com/relabs-tech/livestore/core/access"
	"github.com/relabs-tech/livestore/core/connection"
	"github.com/relabs-tech/livestore/core/logger"
	"github.com/relabs-tech/livestore/core/notify"
	"github.com/relabs-tech/livestore/core/persistence"
	"github.com/relabs-tech/livestore/core/store"
	"github.com/relabs-tech/livestore/sink/kafka"
	"github.com/relabs-tech/livestore/sink/sqs"
	"github.com/relabs-tech/livestore/transport/rest"
	"github.com/relabs-tech/livestore/transport/ws"
)

// Service holds the configuration for this service
//
// For a postgres backend use PERSISTENCE="Postgres",
// POSTGRES="host=localhost port=5432 user=postgres dbname=postgres sslmode=disable"
// and POSTGRES_PASSWORD="docker"
type Service struct {
	Listen        string        `env:"LISTEN,default=:3000" description:"the address the server listens on"`
	LogLevel      string        `env:"LOG_LEVEL,default=info" description:"the logrus log level"`
	TokenSecret   string        `env:"TOKEN_SECRET,required" description:"the HMAC secret for session tokens"`
	TokenTTL      time.Duration `env:"TOKEN_TTL,optional" description:"the lifetime of session tokens, 0 means unlimited"`
	RequireAuth   bool          `env:"REQUIRE_AUTH,optional" description:"require an authenticated user for all mutations"`
	RequireAPIKey bool          `env:"REQUIRE_API_KEY,optional" description:"require the X-API-Key header on all requests"`
	QueueCapacity int           `env:"QUEUE_CAPACITY,optional" description:"the per-subscription event queue capacity"`

	Persistence      string `env:"PERSISTENCE,default=Memory" description:"the persistence driver: Memory, Postgres or AWSS3"`
	Postgres         string `env:"POSTGRES,optional" description:"the connection string for the Postgres DB without password"`
	PostgresPassword string `env:"POSTGRES_PASSWORD,optional" description:"password to the Postgres DB"`
	PostgresSchema   string `env:"POSTGRES_SCHEMA,default=livestore" description:"the Postgres schema"`
	AWSBucketName    string `env:"AWS_BUCKET_NAME,optional" description:"the S3 bucket for the AWSS3 driver"`
	AWSRegion        string `env:"AWS_REGION,optional" description:"the AWS region"`
	AWSAccessID      string `env:"AWS_ACCESS_ID,optional" description:"the AWS access key id"`
	AWSAccessKey     string `env:"AWS_ACCESS_KEY,optional" description:"the AWS secret access key"`
	S3KeyPrefix      string `env:"S3_KEY_PREFIX,optional" description:"prefix for all S3 object keys"`

	WebhookQueueURL  string `env:"WEBHOOK_QUEUE_URL,optional" description:"SQS queue receiving webhook deliveries"`
	KafkaBrokers     string `env:"KAFKA_BROKERS,optional" description:"comma separated list of kafka brokers"`
	KafkaTopic       string `env:"KAFKA_TOPIC,default=livestore-events" description:"the kafka topic for change events"`
	KafkaCollections string `env:"KAFKA_COLLECTIONS,optional" description:"comma separated list of collections published to kafka"`
}

type server struct {
	router      *mux.Router
	bus         *notify.Bus
	connections *connection.Registry
	documents   *store.Store
	kafka       []*kafka.Transport
}

func splitList(s string) []string {
	var list []string
	for _, item := range strings.Split(s, ",") {
		if item = strings.TrimSpace(item); item != "" {
			list = append(list, item)
		}
	}
	return list
}

func (service *Service) persistenceConfiguration() persistence.Configuration {
	config := persistence.Configuration{DriverType: persistence.DriverType(service.Persistence)}
	switch config.DriverType {
	case persistence.DriverTypePostgres:
		config.PostgresConfiguration = &persistence.PostgresConfiguration{
			DataSourceName: service.Postgres,
			Password:       service.PostgresPassword,
			Schema:         service.PostgresSchema,
		}
	case persistence.DriverTypeAWSS3:
		config.S3Configuration = &persistence.S3Configuration{
			AWSBucketName: service.AWSBucketName,
			AWSRegion:     service.AWSRegion,
			AccessID:      service.AWSAccessID,
			AccessKey:     service.AWSAccessKey,
			KeyPrefix:     service.S3KeyPrefix,
		}
	}
	return config
}

func newServer(ctx context.Context, service *Service) (*server, error) {
	driver, err := persistence.New(ctx, service.persistenceConfiguration())
	if err != nil {
		return nil, err
	}

	var webhooks core.WebhookDispatcher
	if service.WebhookQueueURL != "" {
		webhooks, err = sqs.New(ctx, sqs.Configuration{
			QueueURL:  service.WebhookQueueURL,
			AWSRegion: service.AWSRegion,
			AccessID:  service.AWSAccessID,
			AccessKey: service.AWSAccessKey,
		})
		if err != nil {
			return nil, err
		}
	}

	s := &server{
		router: mux.NewRouter(),
		bus:    notify.New(&notify.Builder{QueueCapacity: service.QueueCapacity}),
	}
	s.connections = connection.New(&connection.Builder{
		Bus: s.bus,
		OnClose: func(info connection.Info) {
			if info.Stats.Dropped > 0 {
				logger.Default().WithField("connection", info.Name).Warnf("connection closed after dropping %d events", info.Stats.Dropped)
			}
		},
	})
	documents := store.New(&store.Builder{
		Driver:   driver,
		Notifier: s.bus,
		Webhooks: webhooks,
	})
	s.documents = documents
	sessions := access.New(&access.Builder{
		Driver:   driver,
		Secret:   []byte(service.TokenSecret),
		TokenTTL: service.TokenTTL,
	})
	rest.New(&rest.Builder{
		Router:        s.router,
		Store:         documents,
		Access:        sessions,
		Connections:   s.connections,
		RequireAuth:   service.RequireAuth,
		RequireAPIKey: service.RequireAPIKey,
	})
	ws.New(&ws.Builder{
		Router:      s.router,
		Store:       documents,
		Access:      sessions,
		Connections: s.connections,
	})

	brokers := splitList(service.KafkaBrokers)
	for _, collectionID := range splitList(service.KafkaCollections) {
		if len(brokers) == 0 {
			return nil, errors.New("KAFKA_COLLECTIONS requires KAFKA_BROKERS")
		}
		if _, err = documents.GetCollection(ctx, collectionID); err != nil {
			logger.Default().WithError(err).Warnln("not publishing collection to kafka:", collectionID)
			continue
		}
		t := kafka.New(&kafka.Builder{Brokers: brokers, Topic: service.KafkaTopic})
		name := "kafka:" + collectionID
		if _, err = s.connections.Open(ctx, collectionID, nil, name, t); err != nil {
			return nil, err
		}
		if err = s.connections.Ready(name); err != nil {
			return nil, err
		}
		s.kafka = append(s.kafka, t)
	}
	return s, nil
}

func (s *server) close() {
	s.connections.CloseAll()
	for _, t := range s.kafka {
		if err := t.Close(); err != nil {
			logger.Default().WithError(err).Errorln("Error 4790: cannot close kafka writer")
		}
	}
	s.documents.Close()
	s.bus.Close()
}

func main() {
	service := &Service{}
	if err := envdecode.Decode(service); err != nil {
		panic(err)
	}
	level, err := logrus.ParseLevel(service.LogLevel)
	if err != nil {
		panic(err)
	}
	logger.InitLogger(level)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	s, err := newServer(ctx, service)
	if err != nil {
		panic(err)
	}
	defer s.close()

	httpServer := &http.Server{Addr: service.Listen, Handler: s.router}
	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		httpServer.Shutdown(shutdownCtx)
	}()

	logger.Default().Infoln("listen on", service.Listen)
	if err = httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		logger.Default().WithError(err).Errorln("Error 4791: server failed")
	}
}
