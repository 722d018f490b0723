package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"wborgroupme/pkg/broker"
	"wborgroupme/pkg/config"
	"wborgroupme/pkg/logger"
	"wborgroupme/pkg/ui/tail"
)

var tailPattern string

var tailCmd = &cobra.Command{
	Use:   "tail",
	Short: "Follow audit records as they are published",
	Long:  "Binds a temporary exclusive queue to the exchange and prints every audit record the relay publishes.",
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
		log := appLogger.With("component", "cmd.tail")

		ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
		defer stop()

		if err := runTail(ctx, cfg.RabbitMQ, nil, tailPattern, cmd.OutOrStdout(), appLogger); err != nil {
			log.Error("Tail stopped", "error", err)
			os.Exit(1)
		}
	},
}

func init() {
	tailCmd.Flags().StringVarP(&tailPattern, "pattern", "p", broker.AuditPattern, "Binding pattern for the temporary queue")
	rootCmd.AddCommand(tailCmd)
}

func runTail(ctx context.Context, cfg config.RabbitMQConfig, dial broker.Dialer, pattern string, out io.Writer, log *slog.Logger) error {
	renderer := tail.NewRenderer()
	fmt.Fprintln(out, renderer.Banner(pattern))
	return broker.Tail(ctx, cfg, dial, pattern, func(routingKey string, body map[string]any) {
		fmt.Fprintln(out, renderer.Line(routingKey, body))
	}, log)
}
