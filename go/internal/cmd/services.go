package main

import (
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"

	"github.com/courtside/scoreboard/go/clients/auth_client"
	"github.com/courtside/scoreboard/go/internal/engine"
	"github.com/courtside/scoreboard/go/internal/gateway"
	"github.com/courtside/scoreboard/go/internal/outbox"
	"github.com/courtside/scoreboard/go/internal/store"
)

type Services struct {
	Store             *store.Store
	Engine            *engine.Engine
	ConnectionManager *gateway.ConnectionManager
	CommandHandler    *gateway.CommandHandler
	WebSocketHandler  *gateway.WebSocketHandler
	Auth              *gateway.AuthMiddleware
	OutboxWorker      *outbox.Worker
	OutboxListener    *outbox.Listener
}

func setupServices(pool *pgxpool.Pool, dsn string, config *Config) (*Services, error) {
	clock := clockwork.NewRealClock()

	// Persistence with transient-failure retries.
	st := store.New(pool, clock, store.DefaultRetryConfig())

	// Websocket fan-out.
	wsConfig := gateway.DefaultConnectionConfig()
	wsConfig.SendBuffer = config.Websocket.SendBuffer
	wsConfig.MaxMessageSize = int64(config.Websocket.MaxMessageSize)
	wsConfig.PingInterval = config.pingInterval()
	connectionManager := gateway.NewConnectionManager(wsConfig)

	// Engine: one actor per live match, broadcasting through the
	// connection manager and persisting through the store.
	engineConfig := engine.DefaultConfig()
	engineConfig.DefaultQuarterSec = config.Match.QuarterSeconds
	engineConfig.TimeoutSec = config.Match.TimeoutSeconds
	engineConfig.IdleEviction = config.idleEviction()
	eng := engine.New(st, connectionManager, connectionManager, clock, engineConfig)

	// Late joiners resync through the engine so reads are serialized
	// behind pending commands.
	connectionManager.SetSnapshotProvider(eng)

	// Auth
	var resolver auth_client.Resolver
	if config.Auth.BaseURL != "" {
		resolver = auth_client.NewClient(config.Auth.BaseURL)
	} else if !config.Auth.AllowAnonymous {
		return nil, fmt.Errorf("auth.base_url is required unless auth.allow_anonymous is set")
	}
	auth := gateway.NewAuthMiddleware(resolver, config.Auth.AllowAnonymous)

	// HTTP surface
	commandHandler := gateway.NewCommandHandler(eng, st)
	websocketHandler := gateway.NewWebSocketHandler(connectionManager, auth)

	// Outbox relay
	publisher, err := setupPublisher(config)
	if err != nil {
		return nil, err
	}
	drainer := outbox.NewRepositoryDrainer(outbox.NewRepository(pool))
	worker := outbox.NewWorker(drainer, publisher, outbox.DefaultConfig())
	listener, err := outbox.NewListener(worker, outbox.DefaultListenerConfig(dsn, store.NotifyChannel))
	if err != nil {
		return nil, fmt.Errorf("failed to create outbox listener: %w", err)
	}

	return &Services{
		Store:             st,
		Engine:            eng,
		ConnectionManager: connectionManager,
		CommandHandler:    commandHandler,
		WebSocketHandler:  websocketHandler,
		Auth:              auth,
		OutboxWorker:      worker,
		OutboxListener:    listener,
	}, nil
}

func setupPublisher(config *Config) (outbox.EventPublisher, error) {
	switch config.Broker.Kind {
	case "nats":
		return outbox.NewNATSPublisher(config.Broker.NATSURL, config.Broker.StreamName, config.Broker.SubjectPrefix)
	case "kafka":
		return outbox.NewKafkaPublisher(config.Broker.KafkaBrokers, config.Broker.KafkaTopic), nil
	case "rabbitmq":
		return outbox.NewAMQPPublisher(config.Broker.AMQPURL, config.Broker.AMQPExchange)
	case "log", "":
		return outbox.NewLogPublisher(), nil
	default:
		return nil, fmt.Errorf("unknown broker kind: %s", config.Broker.Kind)
	}
}
