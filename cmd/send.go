package cmd

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"slices"
	"strings"
	"syscall"

	"github.com/go-playground/validator/v10"
	"github.com/spf13/cobra"

	"wborgroupme/pkg/broker"
	"wborgroupme/pkg/config"
	"wborgroupme/pkg/logger"
	"wborgroupme/pkg/message"
)

var (
	sendSource string
	sendImages []string
)

var sendCmd = &cobra.Command{
	Use:   "send [text]",
	Short: "Queue a message for the group chat",
	Long:  "Publishes a message to the exchange under source.<source>, the same way the /send endpoint does.",
	Args:  cobra.MinimumNArgs(1),
	Run: func(cmd *cobra.Command, args []string) {
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
		log := appLogger.With("component", "cmd.send")

		payload, err := buildSendPayload(sendSource, sendImages, strings.Join(args, " "), cfg.Routing.SendBlocklist)
		if err != nil {
			log.Error("Refusing to queue message", "error", err)
			os.Exit(1)
		}

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := publishSend(ctx, broker.NewPublisher(cfg.RabbitMQ, nil, log), payload, log); err != nil {
			log.Error("Failed to queue message", "error", err)
			os.Exit(1)
		}
		fmt.Fprintln(cmd.OutOrStdout(), payload[message.FieldUID])
	},
}

func init() {
	sendCmd.Flags().StringVarP(&sendSource, "source", "s", "standard", "Source name used for the routing key")
	sendCmd.Flags().StringArrayVarP(&sendImages, "image", "i", nil, "Image URL to attach (repeatable)")
	rootCmd.AddCommand(sendCmd)
}

// buildSendPayload applies the /send intake rules to a command-line message.
func buildSendPayload(source string, images []string, text string, blocklist []string) (map[string]any, error) {
	source = strings.TrimSpace(source)
	if source == "" {
		return nil, errors.New("source is required")
	}
	if slices.Contains(blocklist, source) {
		return nil, fmt.Errorf("source %q is not accepted from send", source)
	}
	if strings.TrimSpace(text) == "" {
		return nil, errors.New("message text is required")
	}
	if err := validator.New().Var(images, "omitempty,dive,url"); err != nil {
		return nil, fmt.Errorf("invalid image url: %w", err)
	}

	payload := map[string]any{
		"body":              text,
		message.FieldSource: source,
		message.FieldUID:    message.NewUID(),
	}
	if len(images) > 0 {
		payload[message.FieldImages] = images
	}
	return payload, nil
}

func publishSend(ctx context.Context, pub broker.MessagePublisher, payload map[string]any, log *slog.Logger) error {
	source, _ := payload[message.FieldSource].(string)
	key := broker.SourceRoutingKey(source)
	if err := pub.Publish(ctx, key, payload, nil); err != nil {
		return err
	}
	log.Info("Queued message", "routing_key", key, "uid", payload[message.FieldUID])
	return nil
}
