package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"wborgroupme/pkg/broker"
	"wborgroupme/pkg/bus"
	"wborgroupme/pkg/command"
	"wborgroupme/pkg/config"
	"wborgroupme/pkg/dispatch"
	"wborgroupme/pkg/gateway"
	"wborgroupme/pkg/groupme"
	"wborgroupme/pkg/handler"
	"wborgroupme/pkg/logger"
	"wborgroupme/pkg/store"

	"github.com/spf13/cobra"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay",
	Long:  "Consumes every source queue and serves the /send and /callback intake endpoints with health and readiness checks.",
	Run: func(cmd *cobra.Command, args []string) {
		_ = args

		cfg, err := config.LoadConfig()
		if err != nil {
			fmt.Printf("failed to load config: %v\n", err)
			os.Exit(1)
		}

		appLogger, err := logger.New(cfg.Logging)
		if err != nil {
			fmt.Printf("failed to initialize logger: %v\n", err)
			os.Exit(1)
		}
		slog.SetDefault(appLogger)
		log := slog.Default().With("component", "cmd.serve")

		if err := cfg.Validate(); err != nil {
			log.Error("Configuration invalid", "error", err)
			os.Exit(1)
		}
		if cfg.GroupMe.CharacterLimit > config.SafeCharacterLimit {
			log.Warn("Character limit leaves little room for segment labels", "limit", cfg.GroupMe.CharacterLimit, "recommended_max", config.SafeCharacterLimit)
		}

		runCtx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		app, err := buildRelay(runCtx, cfg, nil, log)
		if err != nil {
			log.Error("Failed to initialize relay", "error", err)
			os.Exit(1)
		}
		defer app.Close()

		log.Info("Relay started", "queues", dispatch.SourceNames(cfg.Routing), "exchange", cfg.RabbitMQ.Exchange, "group", cfg.GroupMe.GroupName)
		if err := app.service.Run(runCtx); err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			if broker.IsFatal(err) {
				log.Error("Broker refused the relay, not retrying", "error", err)
			} else {
				log.Error("Relay stopped", "error", err)
			}
			app.Close()
			os.Exit(1)
		}
	},
}

func init() {
	rootCmd.AddCommand(serveCmd)
}

// relay holds the wired service and what must be released after it stops.
type relay struct {
	service *gateway.Service
	events  *bus.EventBus
	audit   *broker.AuditPublisher
	store   *store.Store
}

// buildRelay wires every component from cfg. A nil dial uses DialAMQP.
func buildRelay(ctx context.Context, cfg *config.Config, dial broker.Dialer, log *slog.Logger) (*relay, error) {
	r := &relay{events: bus.NewEventBus()}
	r.audit = broker.NewAuditPublisher(cfg.RabbitMQ, dial, log)

	var (
		senders dispatch.SenderLog
		admin   command.Admin
	)
	if cfg.Store.Path != "" {
		st, err := store.Open(ctx, cfg.Store.Path, log)
		if err != nil {
			r.Close()
			return nil, err
		}
		r.store = st
		senders = st
		admin = st
	} else {
		log.Info("Sender log disabled, ban commands will fail", "hint", "set STORE_PATH")
	}

	client := groupme.NewClient(cfg.GroupMe, r.audit, log)
	sender := handler.NewSender(cfg.GroupMe, client, r.audit, log)

	dispatcher, err := dispatch.New(cfg.Routing, handler.Table(sender, cfg.Routing.TwilioSource, log), senders, log)
	if err != nil {
		r.Close()
		return nil, fmt.Errorf("build dispatch table: %w", err)
	}

	consumer, err := broker.NewConsumer(cfg.RabbitMQ, dispatch.SourceNames(cfg.Routing), dispatcher, log,
		broker.WithDialer(dial), broker.WithEvents(r.events))
	if err != nil {
		r.Close()
		return nil, err
	}

	intake := gateway.NewIntakeHandler(
		broker.NewPublisher(cfg.RabbitMQ, dial, log),
		command.NewParser(client, admin, log),
		r.audit,
		cfg.App.Password,
		cfg.Routing.SendBlocklist,
		log,
	)

	r.service, err = gateway.NewService(cfg.App, consumer, intake, r.events, log)
	if err != nil {
		r.Close()
		return nil, err
	}

	return r, nil
}

// Close drains pending audit records and releases the store. It is safe to
// call more than once.
func (r *relay) Close() {
	if r.audit != nil {
		r.audit.Wait()
	}
	if r.events != nil {
		r.events.Close()
	}
	if r.store != nil {
		_ = r.store.Close()
		r.store = nil
	}
}
