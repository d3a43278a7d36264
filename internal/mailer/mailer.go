// Package mailer is the dispatch engine: it fans a validated send request
// out to the provider under the global rate cap and reports the outcome as
// lifecycle events.
package mailer

import (
	"context"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/sungwon/mailer/internal/event"
	"github.com/sungwon/mailer/internal/model"
	"github.com/sungwon/mailer/internal/provider"
	"github.com/sungwon/mailer/internal/ratelimit"
	"github.com/sungwon/mailer/internal/template"
)

// maxRecipientsPerSend is the SES cap on destinations per SendEmail call.
//
// See: https://docs.aws.amazon.com/ses/latest/APIReference-V2/API_SendEmail.html
const maxRecipientsPerSend = 50

const (
	defaultMaxAttempts = 4
	defaultRetryDelay  = 5 * time.Second
)

// EventPublisher publishes lifecycle events for dispatched requests.
type EventPublisher interface {
	PublishEvent(ctx context.Context, e event.Routable) error
}

// Options is a fully validated send request, ready for dispatch.
type Options struct {
	UUID     uuid.UUID
	To       []model.Recipient
	From     string
	ReplyTo  []string
	Subject  string
	BodyHTML string
	BodyText string

	// EnableTracking forces one recipient per provider call so every
	// delivery event attributes to exactly one address.
	EnableTracking bool
}

// Mailer dispatches send requests through the provider.
type Mailer struct {
	sender   provider.Sender
	events   EventPublisher
	limiter  *ratelimit.Limiter
	renderer *template.Renderer
	log      zerolog.Logger

	defaultSender     string
	trackingConfigSet string

	// MaxAttempts and RetryDelay bound the per-call retry loop. They are
	// fields rather than constants so tests can shrink them.
	MaxAttempts int
	RetryDelay  time.Duration
}

// New creates a Mailer with the default retry policy.
func New(
	sender provider.Sender,
	events EventPublisher,
	limiter *ratelimit.Limiter,
	renderer *template.Renderer,
	defaultSender string,
	trackingConfigSet string,
	log zerolog.Logger,
) *Mailer {
	return &Mailer{
		sender:            sender,
		events:            events,
		limiter:           limiter,
		renderer:          renderer,
		log:               log.With().Str("component", "mailer").Logger(),
		defaultSender:     defaultSender,
		trackingConfigSet: trackingConfigSet,
		MaxAttempts:       defaultMaxAttempts,
		RetryDelay:        defaultRetryDelay,
	}
}

// Send dispatches the request: recipients with replacements each get an
// individually rendered body and an individual provider call; the rest are
// batched. Every call passes the rate limiter, runs concurrently, and is
// retried up to MaxAttempts. Send blocks until all calls have resolved,
// then publishes exactly one finished event. Per-call failures degrade the
// request to a partial success reported through error events; they never
// withhold the finished event.
func (m *Mailer) Send(ctx context.Context, opts Options) error {
	from := opts.From
	if from == "" {
		from = m.defaultSender
	}

	configSet := ""
	if opts.EnableTracking {
		configSet = m.trackingConfigSet
	}

	personalized, bulk := partition(opts.To)

	var wg sync.WaitGroup

	for _, recipient := range personalized {
		email := &provider.Email{
			From:             from,
			To:               []string{recipient.Email},
			ReplyTo:          opts.ReplyTo,
			Subject:          opts.Subject,
			HTMLBody:         m.renderBody(opts.UUID, opts.BodyHTML, recipient.Replacements),
			TextBody:         opts.BodyText,
			ConfigurationSet: configSet,
			Tags:             correlationTags(opts.UUID),
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			m.deliver(ctx, opts.UUID, email)
		}()
	}

	chunkSize := maxRecipientsPerSend
	if opts.EnableTracking {
		chunkSize = 1
	}

	for chunk := range slices.Chunk(bulk, chunkSize) {
		addresses := make([]string, len(chunk))
		for i, recipient := range chunk {
			addresses[i] = recipient.Email
		}

		email := &provider.Email{
			From:             from,
			To:               addresses,
			ReplyTo:          opts.ReplyTo,
			Subject:          opts.Subject,
			HTMLBody:         opts.BodyHTML,
			TextBody:         opts.BodyText,
			ConfigurationSet: configSet,
			Tags:             correlationTags(opts.UUID),
		}

		wg.Add(1)
		go func() {
			defer wg.Done()
			m.deliver(ctx, opts.UUID, email)
		}()
	}

	wg.Wait()

	if err := m.events.PublishEvent(ctx, event.NewFinished(opts.UUID)); err != nil {
		m.log.Error().Err(err).Stringer("request_uuid", opts.UUID).Msg("failed to publish finished event")
		return err
	}

	m.log.Info().Stringer("request_uuid", opts.UUID).Int("recipients", len(opts.To)).Msg("dispatch finished")
	return nil
}

// deliver runs one provider call to completion and reports exhausted-retry
// failures as an error event scoped to the call's recipients.
func (m *Mailer) deliver(ctx context.Context, requestUUID uuid.UUID, email *provider.Email) {
	err := m.sendWithRetry(ctx, email)
	if err == nil {
		return
	}

	m.log.Error().Err(err).
		Stringer("request_uuid", requestUUID).
		Strs("recipients", email.To).
		Msg("provider call failed after retries")

	if pubErr := m.events.PublishEvent(ctx, event.NewSendError(requestUUID, err, email.To)); pubErr != nil {
		m.log.Error().Err(pubErr).Stringer("request_uuid", requestUUID).Msg("failed to publish send error event")
	}
}

// sendWithRetry issues the provider call up to MaxAttempts times with a
// fixed delay between attempts. Each attempt acquires a rate-limiter token
// before it is issued.
func (m *Mailer) sendWithRetry(ctx context.Context, email *provider.Email) error {
	var lastErr error

	for attempt := 1; attempt <= m.MaxAttempts; attempt++ {
		if attempt > 1 {
			select {
			case <-ctx.Done():
				return ctx.Err()
			case <-time.After(m.RetryDelay):
			}
		}

		if err := m.limiter.Wait(ctx); err != nil {
			return err
		}

		_, err := m.sender.Send(ctx, email)
		if err == nil {
			return nil
		}
		lastErr = err

		m.log.Warn().Err(err).
			Int("attempt", attempt).
			Int("max_attempts", m.MaxAttempts).
			Strs("recipients", email.To).
			Msg("provider call failed")
	}

	return lastErr
}

// renderBody renders the HTML body for one recipient. A rendering failure
// falls back to the unrendered template rather than failing the request.
func (m *Mailer) renderBody(requestUUID uuid.UUID, bodyHTML string, replacements map[string]string) string {
	if bodyHTML == "" {
		return bodyHTML
	}

	rendered, err := m.renderer.Render(bodyHTML, replacements)
	if err != nil {
		m.log.Warn().Err(err).Stringer("request_uuid", requestUUID).Msg("template rendering failed, sending unrendered body")
		return bodyHTML
	}
	return rendered
}

// partition splits recipients into those needing per-recipient rendering
// and those that can share a batched call.
func partition(recipients []model.Recipient) (personalized, bulk []model.Recipient) {
	for _, recipient := range recipients {
		if recipient.HasReplacements() {
			personalized = append(personalized, recipient)
		} else {
			bulk = append(bulk, recipient)
		}
	}
	return personalized, bulk
}

func correlationTags(requestUUID uuid.UUID) map[string]string {
	return map[string]string{
		event.CorrelationTagName: requestUUID.String(),
	}
}
