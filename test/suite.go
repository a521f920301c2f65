// Copyright 2021 Dalarub & Ettrich GmbH - All Rights Reserved
// Unauthorized copying of this file, via any medium is strictly prohibited
// Proprietary and confidential
// info@dalarub.com
//

/*Package test contains integration tests which run the complete server against
Postgres and Kafka in docker containers.

The tests are skipped unless LIVESTORE_INTEGRATION is set.
*/
package test

import (
	"context"
	"fmt"
	"net/http/httptest"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"golang.org/x/crypto/bcrypt"

	"github.com/relabs-tech/livestore/core/access"
	"github.com/relabs-tech/livestore/core/client"
	"github.com/relabs-tech/livestore/core/connection"
	"github.com/relabs-tech/livestore/core/csql"
	"github.com/relabs-tech/livestore/core/notify"
	"github.com/relabs-tech/livestore/core/persistence"
	"github.com/relabs-tech/livestore/core/store"
	"github.com/relabs-tech/livestore/transport/rest"
	"github.com/relabs-tech/livestore/transport/ws"
)

// TestService holds the configuration of the integration tests
type TestService struct {
	Integration    bool   `env:"LIVESTORE_INTEGRATION,optional" description:"run the integration tests"`
	PostgresImage  string `env:"POSTGRES_IMAGE,default=postgres:15" description:"the postgres docker image"`
	ZookeeperImage string `env:"ZOOKEEPER_IMAGE,default=confluentinc/cp-zookeeper:7.5.0" description:"the zookeeper docker image"`
	KafkaImage     string `env:"KAFKA_IMAGE,default=confluentinc/cp-kafka:7.5.0" description:"the kafka docker image"`
}

// IntegrationTestSuite starts postgres and kafka and serves a complete livestore
// on top of them
type IntegrationTestSuite struct {
	suite.Suite
	Service TestService

	network           testcontainers.Network
	kafkaContainer    testcontainers.Container
	postgresContainer testcontainers.Container
	kafkaConn         *kafka.Conn
	kafkaAddr         string

	db          *csql.DB
	driver      persistence.Driver
	bus         *notify.Bus
	Store       *store.Store
	Access      *access.Manager
	Connections *connection.Registry
	server      *httptest.Server

	// Client is an unauthenticated client for the server
	Client client.Client
}

// KafkaAddr returns the address of the kafka broker
func (s *IntegrationTestSuite) KafkaAddr() string {
	return s.kafkaAddr
}

// Driver returns the postgres persistence driver
func (s *IntegrationTestSuite) Driver() persistence.Driver {
	return s.driver
}

// CreateTopic creates a kafka topic
func (s *IntegrationTestSuite) CreateTopic(topic string, numPartitions int) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}
	err := s.kafkaConn.CreateTopics(kafka.TopicConfig{
		Topic:             topic,
		NumPartitions:     numPartitions,
		ReplicationFactor: 1,
	})
	if err != nil {
		return fmt.Errorf("failed to create topic %s: %w", topic, err)
	}
	return nil
}

// DeleteTopic deletes a kafka topic
func (s *IntegrationTestSuite) DeleteTopic(topic string) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}
	if err := s.kafkaConn.DeleteTopics(topic); err != nil {
		return fmt.Errorf("failed to delete topic %s: %w", topic, err)
	}
	return nil
}

// SetupSuite starts the containers and the server
func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	// a shared docker network for kafka and zookeeper
	networkName := fmt.Sprintf("livestore-test-network_%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        s.Service.PostgresImage,
			ExposedPorts: []string{"5432/tcp"},
			Env: map[string]string{
				"POSTGRES_USER":     "testuser",
				"POSTGRES_PASSWORD": "testpass",
				"POSTGRES_DB":       "testdb",
			},
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"postgres"}},
			WaitingFor:     wait.ForListeningPort("5432/tcp"),
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC
	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	_, err = testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        s.Service.ZookeeperImage,
			ExposedPorts: []string{"2181/tcp"},
			Env: map[string]string{
				"ZOOKEEPER_CLIENT_PORT": "2181",
				"ZOOKEEPER_TICK_TIME":   "2000",
			},
			WaitingFor:     wait.ForListeningPort("2181/tcp"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"zookeeper"}},
		},
		Started: true,
	})
	s.Require().NoError(err)

	kafkaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        s.Service.KafkaImage,
			ExposedPorts: []string{"9092:9092/tcp", "29092:29092/tcp"},
			Env: map[string]string{
				"KAFKA_BROKER_ID":                        "1",
				"KAFKA_ZOOKEEPER_CONNECT":                "zookeeper:2181",
				"KAFKA_LISTENERS":                        "PLAINTEXT://0.0.0.0:9092,PLAINTEXT_HOST://0.0.0.0:29092,EXTERNAL://0.0.0.0:9093",
				"KAFKA_ADVERTISED_LISTENERS":             "PLAINTEXT://localhost:9092,PLAINTEXT_HOST://localhost:29092,EXTERNAL://kafka:9093",
				"KAFKA_LISTENER_SECURITY_PROTOCOL_MAP":   "PLAINTEXT:PLAINTEXT,PLAINTEXT_HOST:PLAINTEXT,EXTERNAL:PLAINTEXT",
				"KAFKA_OFFSETS_TOPIC_REPLICATION_FACTOR": "1",
				"ALLOW_PLAINTEXT_LISTENER":               "yes",
			},
			WaitingFor:     wait.ForLog("started (kafka.server.KafkaServer)"),
			Networks:       []string{networkName},
			NetworkAliases: map[string][]string{networkName: {"kafka"}},
		},
		Started: true,
	})
	s.Require().NoError(err)
	s.kafkaContainer = kafkaC
	kafkaHost, err := kafkaC.Host(ctx)
	s.Require().NoError(err)
	kafkaPort, err := kafkaC.MappedPort(ctx, "9092")
	s.Require().NoError(err)
	s.kafkaAddr = fmt.Sprintf("%s:%s", kafkaHost, kafkaPort.Port())
	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)

	s.db, err = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=testuser dbname=testdb sslmode=disable",
		pgHost, pgPort.Port()), "testpass", "_livestore_integration_")
	s.Require().NoError(err)
	s.driver, err = persistence.NewPostgresWithDB(ctx, s.db)
	s.Require().NoError(err)

	s.bus = notify.New(&notify.Builder{})
	s.Store = store.New(&store.Builder{Driver: s.driver, Notifier: s.bus})
	s.Access = access.New(&access.Builder{Driver: s.driver, Secret: []byte("integration"), BcryptCost: bcrypt.MinCost})
	s.Connections = connection.New(&connection.Builder{Bus: s.bus})

	router := mux.NewRouter()
	rest.New(&rest.Builder{Router: router, Store: s.Store, Access: s.Access, Connections: s.Connections})
	ws.New(&ws.Builder{Router: router, Store: s.Store, Access: s.Access, Connections: s.Connections})
	s.server = httptest.NewServer(router)
	s.Client = client.NewWithURL(s.server.URL)
}

// TearDownSuite stops the server and the containers
func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.server != nil {
		s.server.Close()
	}
	if s.Connections != nil {
		s.Connections.CloseAll()
	}
	if s.Store != nil {
		s.Store.Close()
	}
	if s.bus != nil {
		s.bus.Close()
	}
	if s.db != nil {
		s.db.ClearSchema()
		s.db.Close()
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.kafkaContainer != nil {
		s.Require().NoError(s.kafkaContainer.Terminate(ctx))
	}
	if s.postgresContainer != nil {
		s.Require().NoError(s.postgresContainer.Terminate(ctx))
	}
	if s.network != nil {
		s.network.Remove(ctx)
	}
}
