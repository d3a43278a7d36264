// Package worker routes inbound queue deliveries: it classifies them,
// validates send requests, emits lifecycle events, and invokes the dispatch
// engine.
package worker

import (
	"context"
	"encoding/json"
	"fmt"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/rs/zerolog"

	"github.com/sungwon/mailer/internal/event"
	"github.com/sungwon/mailer/internal/logger"
	"github.com/sungwon/mailer/internal/mailer"
	"github.com/sungwon/mailer/internal/model"
)

// deliveryTypeSendEmail is the only recognized value of the AMQP type
// property; anything else is negatively acknowledged and dropped.
const deliveryTypeSendEmail = "sendEmail"

// EventPublisher publishes lifecycle events for routed requests.
type EventPublisher interface {
	PublishEvent(ctx context.Context, e event.Routable) error
}

// Dispatcher runs a validated request to completion.
type Dispatcher interface {
	Send(ctx context.Context, opts mailer.Options) error
}

// Router is the per-delivery entry point. One Router instance serves every
// delivery; each delivery is handled in its own goroutine.
type Router struct {
	events     EventPublisher
	dispatcher Dispatcher
	log        zerolog.Logger
}

// NewRouter creates a Router.
func NewRouter(events EventPublisher, dispatcher Dispatcher, log zerolog.Logger) *Router {
	return &Router{
		events:     events,
		dispatcher: dispatcher,
		log:        log.With().Str("component", "router").Logger(),
	}
}

// HandleDelivery processes one inbound delivery end to end. Every failure,
// panics included, is caught and reported here so one bad message cannot
// affect the handling of others.
func (r *Router) HandleDelivery(ctx context.Context, delivery amqp.Delivery) {
	defer func() {
		if rec := recover(); rec != nil {
			r.log.Error().Interface("panic", rec).Str("type", deliveryType(delivery)).Msg("panic while handling delivery")
		}
	}()

	var err error
	switch deliveryType(delivery) {
	case deliveryTypeSendEmail:
		err = r.sendEmail(ctx, delivery)
	default:
		err = r.rejectUnknown(delivery)
	}

	if err != nil {
		log := logger.FromContext(ctx)
		log.Error().Err(err).Str("type", deliveryType(delivery)).Msg("delivery handling failed")
	}
}

// sendEmail is the state machine for a send-email delivery. The delivery is
// acknowledged as soon as it is classified: acknowledgement means "accepted
// for processing", not "delivered to recipients", so broker redelivery is
// decoupled from the send outcome.
func (r *Router) sendEmail(ctx context.Context, delivery amqp.Delivery) error {
	if err := delivery.Ack(false); err != nil {
		return fmt.Errorf("ack delivery %d: %w", delivery.DeliveryTag, err)
	}

	var req model.SendEmailRequest
	if err := json.Unmarshal(delivery.Body, &req); err != nil {
		return fmt.Errorf("parse send email request: %w", err)
	}

	requestUUID := req.EnsureUUID()
	ctx = logger.WithCorrelationID(ctx, requestUUID.String())
	log := logger.FromContext(ctx)

	if err := req.Validate(); err != nil {
		log.Warn().Err(err).Msg("send email request rejected")
		if pubErr := r.events.PublishEvent(ctx, event.NewRejected(requestUUID, &req, err.Error())); pubErr != nil {
			return fmt.Errorf("publish rejected event: %w", pubErr)
		}
		return nil
	}

	if err := r.events.PublishEvent(ctx, event.NewStarted(requestUUID, &req)); err != nil {
		return fmt.Errorf("publish started event: %w", err)
	}

	log.Info().Int("recipients", len(req.To)).Msg("send email starting")

	return r.dispatcher.Send(ctx, mailer.Options{
		UUID:           requestUUID,
		To:             req.To,
		From:           req.Sender,
		ReplyTo:        req.ReplyToAddresses,
		Subject:        req.Subject,
		BodyHTML:       req.BodyHTML,
		BodyText:       req.BodyText,
		EnableTracking: req.EnableTracking,
	})
}

// rejectUnknown drops a delivery that has no corresponding handler.
func (r *Router) rejectUnknown(delivery amqp.Delivery) error {
	if err := delivery.Nack(false, false); err != nil {
		return fmt.Errorf("nack delivery %d of type %q: %w", delivery.DeliveryTag, deliveryType(delivery), err)
	}
	return fmt.Errorf("no handler for delivery type %q", deliveryType(delivery))
}

func deliveryType(delivery amqp.Delivery) string {
	if delivery.Type == "" {
		return "unknown"
	}
	return delivery.Type
}
