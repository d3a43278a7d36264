package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"

	"github.com/sungwon/mailer/internal/api"
	"github.com/sungwon/mailer/internal/broker"
	"github.com/sungwon/mailer/internal/config"
	"github.com/sungwon/mailer/internal/logger"
	"github.com/sungwon/mailer/internal/mailer"
	"github.com/sungwon/mailer/internal/provider"
	"github.com/sungwon/mailer/internal/ratelimit"
	"github.com/sungwon/mailer/internal/template"
	"github.com/sungwon/mailer/internal/worker"
)

// deliveryBuffer bounds the hand-off between the broker's consume loop and
// the per-delivery router goroutines.
const deliveryBuffer = 64

func main() {
	cfg, err := config.Load()
	if err != nil {
		fmt.Fprintf(os.Stderr, "failed to load config: %v\n", err)
		os.Exit(1)
	}

	level := "info"
	if cfg.Debug {
		level = "debug"
	}
	log := logger.New(level).With().Str("service", cfg.TracerServiceName).Logger()

	if cfg.Debug {
		log.Debug().Interface("config", cfg).Msg("effective configuration")
	}

	log.Info().Msg("starting mailer service")

	ctx, cancel := context.WithCancel(logger.WithLogger(context.Background(), log))
	defer cancel()

	deliveries := make(chan amqp.Delivery, deliveryBuffer)

	queueBroker := broker.New(broker.Options{
		URI:         cfg.Broker.URI,
		Queue:       cfg.Broker.Queue,
		ConsumerTag: cfg.Broker.ConsumerTag,
		Exchange:    cfg.Broker.Exchange,
	}, deliveries, log)

	sender, err := provider.NewSES(ctx, cfg.AWS.Region)
	if err != nil {
		log.Fatal().Err(err).Msg("failed to create ses sender")
	}

	dispatcher := mailer.New(
		sender,
		queueBroker,
		ratelimit.New(cfg.Mail.MaxSendOpsPerSecond),
		template.NewRenderer(),
		cfg.Mail.DefaultSender,
		cfg.AWS.TrackingConfigSet,
		log,
	)

	router := worker.NewRouter(queueBroker, dispatcher, log)

	// One long-lived goroutine drives the broker's connect/consume loop;
	// every inbound delivery gets its own goroutine for the router.
	go queueBroker.Start(ctx)

	go func() {
		for delivery := range deliveries {
			go router.HandleDelivery(ctx, delivery)
		}
	}()

	httpServer := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.HTTP.Port),
		Handler:      api.NewRouter(queueBroker, cfg.AWS.SNSSubscriptionARN, log),
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	go func() {
		log.Info().Int("port", cfg.HTTP.Port).Msg("webhook listener started")
		if err := httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.Fatal().Err(err).Msg("webhook listener failed")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Info().Msg("shutting down")
	cancel()

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer shutdownCancel()

	if err := httpServer.Shutdown(shutdownCtx); err != nil {
		log.Error().Err(err).Msg("webhook listener shutdown failed")
	}
	queueBroker.Shutdown()

	log.Info().Msg("mailer service stopped")
}
