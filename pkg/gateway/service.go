package gateway

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/labstack/echo/v4"

	"wborgroupme/pkg/bus"
	"wborgroupme/pkg/config"
)

const (
	defaultHost = "0.0.0.0"
	defaultPort = 2000
)

// Runner is the broker consumption loop.
type Runner interface {
	Run(ctx context.Context) error
}

// Service runs the broker consumer and the HTTP intake server together.
type Service struct {
	cfg      config.AppConfig
	log      *slog.Logger
	consumer Runner
	intake   *IntakeHandler
	events   *bus.EventBus
	echo     *echo.Echo

	mu        sync.RWMutex
	startedAt time.Time
	consuming bool
	lastErr   string
	acked     int64
	rejected  int64
}

type statusResponse struct {
	Status        string `json:"status"`
	UptimeSeconds int64  `json:"uptime_seconds"`
	Consuming     bool   `json:"consuming"`
	BrokerLastErr string `json:"broker_last_error,omitempty"`
	Acked         int64  `json:"acked"`
	Rejected      int64  `json:"rejected"`
}

func NewService(cfg config.AppConfig, consumer Runner, intake *IntakeHandler, events *bus.EventBus, log *slog.Logger) (*Service, error) {
	if consumer == nil {
		return nil, errors.New("consumer is required")
	}
	if intake == nil {
		return nil, errors.New("intake handler is required")
	}
	if log == nil {
		log = slog.Default()
	}

	s := &Service{
		cfg:      cfg,
		log:      log.With("component", "gateway.service"),
		consumer: consumer,
		intake:   intake,
		events:   events,
	}

	e := echo.New()
	e.HideBanner = true
	e.HidePort = true
	s.Register(e)
	intake.Register(e)
	s.echo = e

	return s, nil
}

// Register registers the status routes.
func (s *Service) Register(e *echo.Echo) {
	e.GET("/healthz", s.handleHealth)
	e.GET("/readyz", s.handleReady)
}

// Handler exposes the routed HTTP handler.
func (s *Service) Handler() http.Handler {
	return s.echo
}

// Run blocks until ctx ends or either the consumer or the HTTP server fails.
// A fatal consumer error is returned unwrapped so callers can classify it.
func (s *Service) Run(ctx context.Context) error {
	if ctx == nil {
		ctx = context.Background()
	}

	s.mu.Lock()
	s.startedAt = time.Now().UTC()
	s.mu.Unlock()

	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	if s.events != nil {
		events, unsubscribe := s.events.Subscribe(runCtx, 0)
		defer unsubscribe()
		go s.track(events)
	}

	serverErrors := make(chan error, 1)
	go s.runServer(runCtx, serverErrors)

	consumerErrors := make(chan error, 1)
	go func() {
		consumerErrors <- s.consumer.Run(runCtx)
	}()

	select {
	case <-ctx.Done():
		// Wait for an in-flight delivery before callers release the store.
		<-consumerErrors
		return nil
	case err := <-serverErrors:
		cancel()
		<-consumerErrors
		return err
	case err := <-consumerErrors:
		if err != nil {
			return err
		}
		if ctx.Err() != nil {
			return nil
		}
		return errors.New("consumer stopped unexpectedly")
	}
}

func (s *Service) runServer(ctx context.Context, errCh chan<- error) {
	host := strings.TrimSpace(s.cfg.Host)
	if host == "" {
		host = defaultHost
	}
	port := s.cfg.Port
	if port <= 0 {
		port = defaultPort
	}
	addr := host + ":" + strconv.Itoa(port)

	server := &http.Server{
		Addr:              addr,
		Handler:           s.echo,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = server.Shutdown(shutdownCtx)
	}()

	s.log.Info("Intake server started", "address", addr)
	if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		errCh <- fmt.Errorf("start intake server: %w", err)
	}
}

// track folds pipeline events into the status counters.
func (s *Service) track(events <-chan bus.Event) {
	for event := range events {
		s.mu.Lock()
		switch event.Type {
		case bus.EventBrokerConnected:
			s.consuming = true
			s.lastErr = ""
		case bus.EventBrokerDisconnected:
			s.consuming = false
			s.lastErr = event.Reason
		case bus.EventMessageAcked:
			s.acked++
		case bus.EventMessageRejected:
			s.rejected++
		}
		s.mu.Unlock()
	}
}

func (s *Service) handleHealth(c echo.Context) error {
	return c.JSON(http.StatusOK, s.currentStatus("ok"))
}

func (s *Service) handleReady(c echo.Context) error {
	if !s.isReady() {
		return c.JSON(http.StatusServiceUnavailable, s.currentStatus("not_ready"))
	}
	return c.JSON(http.StatusOK, s.currentStatus("ready"))
}

func (s *Service) currentStatus(status string) statusResponse {
	s.mu.RLock()
	defer s.mu.RUnlock()

	uptime := int64(0)
	if !s.startedAt.IsZero() {
		uptime = int64(time.Since(s.startedAt).Seconds())
	}

	return statusResponse{
		Status:        status,
		UptimeSeconds: uptime,
		Consuming:     s.consuming,
		BrokerLastErr: s.lastErr,
		Acked:         s.acked,
		Rejected:      s.rejected,
	}
}

func (s *Service) isReady() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.consuming
}
