package api

import (
	"context"
	"encoding/json"
	"net/http"

	"github.com/sungwon/mailer/internal/event"
	"github.com/sungwon/mailer/internal/logger"
)

// EventPublisher publishes normalized provider delivery events.
type EventPublisher interface {
	PublishEvent(ctx context.Context, e event.Routable) error
}

// SESEventsHandler handles POST /ses-events: SNS-wrapped SES delivery
// events. A valid webhook produces exactly one broker publish; any parse or
// correlation failure is rejected with 400 before side effects occur.
func SESEventsHandler(events EventPublisher) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		log := logger.FromContext(r.Context())

		var notification event.SNSNotification
		if err := json.NewDecoder(r.Body).Decode(&notification); err != nil {
			log.Warn().Err(err).Msg("ses webhook: invalid sns envelope")
			respondError(w, http.StatusBadRequest, "bad request")
			return
		}

		if notification.IsSubscriptionConfirmation() {
			// The subscription must be confirmed out of band; surface the
			// link for the operator and keep processing the message.
			log.Info().
				Str("topic_arn", notification.TopicArn).
				Str("subscribe_url", notification.SubscribeURL).
				Msg("ses webhook: subscription confirmation received, visit the url to confirm")
		}

		providerEvent, err := event.NormalizeSESEvent([]byte(notification.Message))
		if err != nil {
			// The confirmation handshake carries a prose message, not an
			// event document; acknowledge it rather than report a client
			// error.
			if notification.IsSubscriptionConfirmation() {
				respondText(w, http.StatusOK, "subscription confirmation received")
				return
			}
			log.Warn().Err(err).Str("sns_message_id", notification.MessageID).Msg("ses webhook: invalid event payload")
			respondError(w, http.StatusBadRequest, "bad request")
			return
		}

		// A publish failure is an internal reliability concern; the webhook
		// source does not retry on our behalf, so still report success.
		if err := events.PublishEvent(r.Context(), providerEvent); err != nil {
			log.Error().Err(err).
				Stringer("request_uuid", providerEvent.RequestUUID).
				Str("kind", string(providerEvent.Kind)).
				Msg("ses webhook: failed to publish provider event")
		} else {
			log.Info().
				Stringer("request_uuid", providerEvent.RequestUUID).
				Str("kind", string(providerEvent.Kind)).
				Msg("ses webhook: provider event published")
		}

		respondText(w, http.StatusOK, "event received")
	}
}
