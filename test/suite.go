// Package test holds the container based integration suite. The suite
// starts Postgres and Redpanda in Docker, assembles a full gateway with
// a change feed consumer and serves it on :8080. It is opt-in: the
// TestXxx entry points skip unless INTEGRATION is set.
package test

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/suite"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"

	"github.com/coder/websocket"
	"github.com/coder/websocket/wsjson"

	"github.com/relabs-tech/limen/core"
	"github.com/relabs-tech/limen/core/access"
	"github.com/relabs-tech/limen/core/csql"
	"github.com/relabs-tech/limen/core/feed"
	"github.com/relabs-tech/limen/core/gateway"
	"github.com/relabs-tech/limen/core/realtime"
	"github.com/relabs-tech/limen/core/rules"
)

// feedTopic is the Kafka topic the suite's change feed consumer reads.
const feedTopic = "resource-changes"

const serverAddr = "http://localhost:8080"

var testRules = rules.MustNew(rules.Configuration{
	Resources: []rules.ResourceRule{
		{Resource: "tickets", OwnerOnly: true},
	},
})

var testVerifier = access.StaticVerifier{
	"alice-token": {Subject: "alice"},
	"root-token":  {Subject: "root", Roles: []string{access.AdminRole}},
}

type IntegrationTestSuite struct {
	suite.Suite

	network           testcontainers.Network
	postgresContainer testcontainers.Container
	redpandaContainer testcontainers.Container
	kafkaConn         *kafka.Conn
	kafkaAddr         string

	db     *csql.DB
	router *mux.Router
	hub    *realtime.Hub
	srv    *http.Server

	consumerCancel context.CancelFunc
	consumerDone   chan error
}

func (s *IntegrationTestSuite) createTopic(topic string, numPartitions int) error {
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

func (s *IntegrationTestSuite) deleteTopic(topic string) error {
	if s.kafkaConn == nil {
		return fmt.Errorf("kafka connection is not established")
	}

	err := s.kafkaConn.DeleteTopics(topic)
	if err != nil {
		return fmt.Errorf("failed to delete topic %s: %w", topic, err)
	}
	return nil
}

func (s *IntegrationTestSuite) SetupSuite() {
	ctx := context.Background()

	networkName := "limen-test-network_" + fmt.Sprintf("%d", time.Now().Unix())
	network, err := testcontainers.GenericNetwork(ctx, testcontainers.GenericNetworkRequest{
		NetworkRequest: testcontainers.NetworkRequest{
			Name:           networkName,
			CheckDuplicate: true,
		},
	})
	s.Require().NoError(err)
	s.network = network

	postgresUser := "testuser"
	postgresPassword := "testpass"
	postgresDB := "testdb"

	pgReq := testcontainers.ContainerRequest{
		Image:        "postgres:15",
		ExposedPorts: []string{"5432/tcp"},
		Env: map[string]string{
			"POSTGRES_USER":     postgresUser,
			"POSTGRES_PASSWORD": postgresPassword,
			"POSTGRES_DB":       postgresDB,
		},
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"postgres"}},
		WaitingFor:     wait.ForListeningPort("5432/tcp"),
	}
	pgC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: pgReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.postgresContainer = pgC

	pgHost, err := pgC.Host(ctx)
	s.Require().NoError(err)
	pgPort, err := pgC.MappedPort(ctx, "5432")
	s.Require().NoError(err)

	// the advertised listener must match what the host dials, hence the
	// fixed host port binding
	redpandaReq := testcontainers.ContainerRequest{
		Image:        "redpandadata/redpanda:v24.1.7",
		ExposedPorts: []string{"9092:9092/tcp"},
		Cmd: []string{
			"redpanda", "start",
			"--mode", "dev-container",
			"--smp", "1",
			"--kafka-addr", "PLAINTEXT://0.0.0.0:29092,OUTSIDE://0.0.0.0:9092",
			"--advertise-kafka-addr", "PLAINTEXT://redpanda:29092,OUTSIDE://localhost:9092",
		},
		Networks:       []string{networkName},
		NetworkAliases: map[string][]string{networkName: {"redpanda"}},
		WaitingFor:     wait.ForLog("Successfully started Redpanda!"),
	}
	redpandaC, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: redpandaReq,
		Started:          true,
	})
	s.Require().NoError(err)
	s.redpandaContainer = redpandaC
	s.kafkaAddr = "localhost:9092"

	s.kafkaConn, err = kafka.Dial("tcp", s.kafkaAddr)
	s.Require().NoError(err)

	s.db = csql.OpenWithSchema(fmt.Sprintf("host=%s port=%s user=%s password=%s dbname=%s sslmode=disable",
		pgHost, pgPort.Port(), postgresUser, postgresPassword, postgresDB), "_integration_test_")
	s.db.ClearSchema()
	_, err = s.db.Exec(`CREATE TABLE ` + s.db.Schema + `."tickets" (
id uuid NOT NULL DEFAULT uuid_generate_v4(),
user_id varchar NOT NULL,
subject varchar NOT NULL,
status varchar NOT NULL DEFAULT 'open',
PRIMARY KEY (id)
);`)
	s.Require().NoError(err)

	s.router = mux.NewRouter()
	s.hub = realtime.NewHub(&realtime.HubBuilder{})
	gateway.New(&gateway.Builder{
		Rules:    testRules,
		DB:       s.db,
		Router:   s.router,
		Verifier: testVerifier,
		Hub:      s.hub,
		OnChange: func(ctx context.Context, resource string, kind core.ChangeKind, record, oldRecord map[string]any) {
			s.hub.Notify(resource, kind, record, oldRecord)
		},
	})

	s.Require().NoError(s.createTopic(feedTopic, 3))
	consumer := feed.NewConsumer(&feed.ConsumerBuilder{
		Brokers:  []string{s.kafkaAddr},
		Topic:    feedTopic,
		GroupID:  "limen-integration",
		Notifier: s.hub,
	})
	var consumerCtx context.Context
	consumerCtx, s.consumerCancel = context.WithCancel(context.Background())
	s.consumerDone = make(chan error, 1)
	go func() {
		s.consumerDone <- consumer.Run(consumerCtx)
	}()

	s.srv = &http.Server{
		Addr:    ":8080",
		Handler: s.router,
	}
	go func() {
		err := s.srv.ListenAndServe()
		if err != nil && err != http.ErrServerClosed {
			s.T().Errorf("Failed to start HTTP server: %v", err)
		}
	}()
}

func (s *IntegrationTestSuite) TearDownSuite() {
	ctx := context.Background()
	if s.srv != nil {
		err := s.srv.Shutdown(ctx)
		s.Require().NoError(err)
	}
	if s.consumerCancel != nil {
		s.consumerCancel()
		s.Require().NoError(<-s.consumerDone)
	}
	if s.kafkaConn != nil {
		s.kafkaConn.Close()
	}
	if s.db != nil {
		s.db.Close()
	}
	if s.redpandaContainer != nil {
		err := s.redpandaContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
	if s.postgresContainer != nil {
		err := s.postgresContainer.Terminate(ctx)
		s.Require().NoError(err)
	}
	if s.network != nil {
		s.network.Remove(ctx)
	}
}

// dialRealtime connects a websocket session and consumes the welcome
// frame.
func (s *IntegrationTestSuite) dialRealtime(ctx context.Context, token string) *websocket.Conn {
	url := "ws://localhost:8080/realtime"
	if token != "" {
		url += "?token=" + token
	}
	conn, _, err := websocket.Dial(ctx, url, nil)
	s.Require().NoError(err)
	var welcome realtime.Frame
	s.Require().NoError(wsjson.Read(ctx, conn, &welcome))
	s.Require().Equal(realtime.EventWelcome, welcome.Event)
	return conn
}

// awaitPong sends a ping and reads the pong. The hub handles a
// session's frames in order, so the pong proves every frame sent before
// the ping has taken effect.
func (s *IntegrationTestSuite) awaitPong(ctx context.Context, conn *websocket.Conn) {
	s.Require().NoError(wsjson.Write(ctx, conn, realtime.Frame{
		Type:  realtime.FrameSystem,
		Event: realtime.EventPing,
	}))
	var pong realtime.Frame
	s.Require().NoError(wsjson.Read(ctx, conn, &pong))
	s.Require().Equal(realtime.EventPong, pong.Event)
}
