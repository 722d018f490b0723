package cmd

import (
	"context"
	"io"
	"log/slog"
	"net"
	"path/filepath"
	"testing"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/stretchr/testify/require"

	"wborgroupme/pkg/broker"
	"wborgroupme/pkg/config"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func refusingDialer(string, string) (broker.Connection, error) {
	return nil, &amqp.Error{Code: amqp.AccessRefused, Reason: "ACCESS_REFUSED - login refused"}
}

func testConfig(t *testing.T) *config.Config {
	t.Helper()

	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	port := ln.Addr().(*net.TCPAddr).Port
	require.NoError(t, ln.Close())

	return &config.Config{
		App: config.AppConfig{Host: "127.0.0.1", Port: port, Password: "pw"},
		RabbitMQ: config.RabbitMQConfig{
			Host:               "localhost",
			Port:               5672,
			Exchange:           "source_exchange",
			DeadLetterExchange: "dead_letter_exchange",
			ReconnectDelay:     time.Millisecond,
		},
		GroupMe: config.GroupMeConfig{
			BotID:          "bot",
			AccessToken:    "token",
			CharacterLimit: config.DefaultCharacterLimit,
			APIURL:         "http://127.0.0.1:1/bots/post",
			ImageAPIURL:    "http://127.0.0.1:1/pictures",
			RequestTimeout: time.Second,
		},
		Routing: config.RoutingConfig{TwilioSource: "twilio", SendBlocklist: []string{"twilio"}},
		Store:   config.StoreConfig{Path: filepath.Join(t.TempDir(), "relay.db")},
	}
}

func TestBuildRelayOpensStore(t *testing.T) {
	cfg := testConfig(t)

	relay, err := buildRelay(context.Background(), cfg, refusingDialer, discardLogger())
	require.NoError(t, err)
	t.Cleanup(relay.Close)

	require.NotNil(t, relay.service)
	require.NotNil(t, relay.store)
	require.FileExists(t, cfg.Store.Path)
}

func TestBuildRelayWithoutStore(t *testing.T) {
	cfg := testConfig(t)
	cfg.Store.Path = ""

	relay, err := buildRelay(context.Background(), cfg, refusingDialer, discardLogger())
	require.NoError(t, err)
	t.Cleanup(relay.Close)

	require.Nil(t, relay.store)
}

func TestRelayStopsOnRefusedCredentials(t *testing.T) {
	cfg := testConfig(t)

	relay, err := buildRelay(context.Background(), cfg, refusingDialer, discardLogger())
	require.NoError(t, err)
	t.Cleanup(relay.Close)

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	err = relay.service.Run(ctx)
	require.Error(t, err)
	require.True(t, broker.IsFatal(err), "err = %v", err)
}

func TestRelayCloseIsRepeatable(t *testing.T) {
	cfg := testConfig(t)

	relay, err := buildRelay(context.Background(), cfg, refusingDialer, discardLogger())
	require.NoError(t, err)

	relay.Close()
	relay.Close()
}
