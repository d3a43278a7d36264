package event

import (
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// CorrelationTagName is the SES message tag that carries the request UUID on
// every outbound send, and from which it is recovered on inbound webhooks.
const CorrelationTagName = "request-uuid"

// Errors returned while normalizing an inbound SES event. All of them are
// hard parse failures at the HTTP boundary.
var (
	ErrUnknownEventKind      = errors.New("unknown ses event kind")
	ErrMissingEventKind      = errors.New("ses event has neither eventType nor notificationType")
	ErrMissingPayload        = errors.New("ses event is missing its kind-specific payload")
	ErrMissingCorrelationTag = errors.New("ses mail object is missing the correlation tag")
)

// EventKind is the closed enumeration of SES delivery event kinds.
type EventKind string

const (
	KindSend          EventKind = "send"
	KindOpen          EventKind = "open"
	KindClick         EventKind = "click"
	KindBounce        EventKind = "bounce"
	KindComplaint     EventKind = "complaint"
	KindDelivery      EventKind = "delivery"
	KindReject        EventKind = "reject"
	KindFailure       EventKind = "failure"
	KindDeliveryDelay EventKind = "delivery-delay"
	KindSubscription  EventKind = "subscription"
)

// kindByWireName maps the values SES puts in eventType / notificationType to
// event kinds. "Rendering Failure" is the documented wire name for template
// rendering failures.
var kindByWireName = map[string]EventKind{
	"Send":              KindSend,
	"Open":              KindOpen,
	"Click":             KindClick,
	"Bounce":            KindBounce,
	"Complaint":         KindComplaint,
	"Delivery":          KindDelivery,
	"Reject":            KindReject,
	"Rendering Failure": KindFailure,
	"DeliveryDelay":     KindDeliveryDelay,
	"Subscription":      KindSubscription,
}

// SESEvent is the inner payload of an SNS webhook notification.
//
// Exactly one of EventType and NotificationType is populated: eventType when
// the SES identity publishes through a configuration set event destination,
// notificationType for plain feedback notifications.
//
// See: https://docs.aws.amazon.com/ses/latest/dg/event-publishing-retrieving-sns-contents.html
type SESEvent struct {
	EventType        string `json:"eventType,omitempty"`
	NotificationType string `json:"notificationType,omitempty"`

	Mail MailObject `json:"mail"`

	Bounce        *BounceObject        `json:"bounce,omitempty"`
	Complaint     *ComplaintObject     `json:"complaint,omitempty"`
	Delivery      *DeliveryObject      `json:"delivery,omitempty"`
	Reject        *RejectObject        `json:"reject,omitempty"`
	Open          *OpenObject          `json:"open,omitempty"`
	Send          *SendObject          `json:"send,omitempty"`
	Click         *ClickObject         `json:"click,omitempty"`
	Failure       *FailureObject       `json:"failure,omitempty"`
	DeliveryDelay *DeliveryDelayObject `json:"deliveryDelay,omitempty"`
	Subscription  *SubscriptionObject  `json:"subscription,omitempty"`
}

// Kind resolves the event kind from whichever of the two type fields is
// populated and verifies the kind-specific payload object is present.
func (e *SESEvent) Kind() (EventKind, error) {
	wireName := e.EventType
	if wireName == "" {
		wireName = e.NotificationType
	}
	if wireName == "" {
		return "", ErrMissingEventKind
	}

	kind, ok := kindByWireName[wireName]
	if !ok {
		return "", fmt.Errorf("%w: %q", ErrUnknownEventKind, wireName)
	}

	if !e.hasPayloadFor(kind) {
		return "", fmt.Errorf("%w: %s", ErrMissingPayload, kind)
	}

	return kind, nil
}

func (e *SESEvent) hasPayloadFor(kind EventKind) bool {
	switch kind {
	case KindSend:
		return e.Send != nil
	case KindOpen:
		return e.Open != nil
	case KindClick:
		return e.Click != nil
	case KindBounce:
		return e.Bounce != nil
	case KindComplaint:
		return e.Complaint != nil
	case KindDelivery:
		return e.Delivery != nil
	case KindReject:
		return e.Reject != nil
	case KindFailure:
		return e.Failure != nil
	case KindDeliveryDelay:
		return e.DeliveryDelay != nil
	case KindSubscription:
		// The subscription-confirmation handshake arrives without a
		// payload object; tolerate its absence.
		return true
	default:
		return false
	}
}

// CorrelationID extracts the request UUID from the mail object's message
// tags. The tag is attached to every outbound send, so its absence means the
// event cannot be attributed and the webhook is rejected.
func (e *SESEvent) CorrelationID() (uuid.UUID, error) {
	values := e.Mail.Tags[CorrelationTagName]
	if len(values) == 0 || values[0] == "" {
		return uuid.Nil, ErrMissingCorrelationTag
	}

	id, err := uuid.Parse(values[0])
	if err != nil {
		return uuid.Nil, fmt.Errorf("parse correlation tag: %w", err)
	}
	return id, nil
}

// MailObject describes the original message the event refers to.
type MailObject struct {
	Timestamp        time.Time                  `json:"timestamp"`
	MessageID        string                     `json:"messageId"`
	SourceArn        string                     `json:"sourceArn,omitempty"`
	SendingAccountID string                     `json:"sendingAccountId"`
	Destination      []string                   `json:"destination"`
	HeadersTruncated bool                       `json:"headersTruncated"`
	Headers          []Header                   `json:"headers"`
	CommonHeaders    map[string]json.RawMessage `json:"commonHeaders"`
	Tags             map[string][]string        `json:"tags"`
}

// Header is a single raw header of the original message.
type Header struct {
	Name  string `json:"name"`
	Value string `json:"value"`
}

// SendObject has no fields; its presence marks a send event.
type SendObject struct{}

type BounceObject struct {
	Timestamp         time.Time          `json:"timestamp"`
	BounceType        string             `json:"bounceType"`
	BounceSubType     string             `json:"bounceSubType"`
	BouncedRecipients []BouncedRecipient `json:"bouncedRecipients"`
	FeedbackID        string             `json:"feedbackId"`
	ReportingMTA      string             `json:"reportingMTA"`
}

type BouncedRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	Action         string `json:"action"`
	DiagnosticCode string `json:"diagnosticCode"`
}

type ComplaintObject struct {
	ComplainedRecipients  []ComplainedRecipient `json:"complainedRecipients"`
	Timestamp             time.Time             `json:"timestamp"`
	FeedbackID            string                `json:"feedbackId"`
	ComplaintSubType      string                `json:"complaintSubType"`
	UserAgent             string                `json:"userAgent"`
	ComplaintFeedbackType string                `json:"complaintFeedbackType"`
	ArrivalDate           string                `json:"arrivalDate"`
}

type ComplainedRecipient struct {
	EmailAddress string `json:"emailAddress"`
}

type DeliveryObject struct {
	Timestamp            time.Time `json:"timestamp"`
	ProcessingTimeMillis int       `json:"processingTimeMillis"`
	Recipients           []string  `json:"recipients"`
	SMTPResponse         string    `json:"smtpResponse"`
	ReportingMTA         string    `json:"reportingMTA"`
}

type RejectObject struct {
	Reason string `json:"reason"`
}

type OpenObject struct {
	Timestamp time.Time `json:"timestamp"`
	IPAddress string    `json:"ipAddress"`
	UserAgent string    `json:"userAgent"`
}

type ClickObject struct {
	Timestamp time.Time           `json:"timestamp"`
	IPAddress string              `json:"ipAddress"`
	UserAgent string              `json:"userAgent"`
	Link      string              `json:"link"`
	LinkTags  map[string][]string `json:"linkTags,omitempty"`
}

type FailureObject struct {
	TemplateName string `json:"templateName"`
	ErrorMessage string `json:"errorMessage"`
}

type DeliveryDelayObject struct {
	DelayType         string             `json:"delayType"`
	DelayedRecipients []DelayedRecipient `json:"delayedRecipients"`
}

type DelayedRecipient struct {
	EmailAddress   string `json:"emailAddress"`
	Status         string `json:"status"`
	DiagnosticCode string `json:"diagnosticCode"`
}

type SubscriptionObject struct {
	ContactList         string          `json:"contactList"`
	Timestamp           time.Time       `json:"timestamp"`
	Source              string          `json:"source"`
	NewTopicPreferences TopicPreference `json:"newTopicPreferences"`
	OldTopicPreferences TopicPreference `json:"oldTopicPreferences"`
}

type TopicPreference struct {
	UnsubscribeAll          bool                      `json:"unsubscribeAll"`
	TopicSubscriptionStatus []TopicSubscriptionStatus `json:"topicSubscriptionStatus"`
}

type TopicSubscriptionStatus struct {
	TopicName          string `json:"topicName"`
	SubscriptionStatus string `json:"subscriptionStatus"`
}

const providerEventFamily = "email"

// ProviderEvent is the normalized form of an SES delivery event that is
// republished on the topic exchange.
type ProviderEvent struct {
	Kind        EventKind `json:"kind"`
	Timestamp   time.Time `json:"timestamp"`
	RequestUUID uuid.UUID `json:"requestUuid"`

	// Event carries the full normalized SES payload, including the mail
	// envelope metadata and the kind-specific object.
	Event *SESEvent `json:"event"`
}

// RoutingKey implements Routable.
func (e ProviderEvent) RoutingKey() string {
	return fmt.Sprintf("%s.%s.%s", providerEventFamily, e.RequestUUID, e.Kind)
}

// NormalizeSESEvent parses a raw SES event JSON document (the Message field
// of the SNS envelope) into a publishable ProviderEvent. Every failure is
// terminal; no partially normalized event is ever returned.
func NormalizeSESEvent(raw []byte) (*ProviderEvent, error) {
	var sesEvent SESEvent
	if err := json.Unmarshal(raw, &sesEvent); err != nil {
		return nil, fmt.Errorf("unmarshal ses event: %w", err)
	}

	kind, err := sesEvent.Kind()
	if err != nil {
		return nil, err
	}

	correlationID, err := sesEvent.CorrelationID()
	if err != nil {
		return nil, err
	}

	return &ProviderEvent{
		Kind:        kind,
		Timestamp:   time.Now().UTC(),
		RequestUUID: correlationID,
		Event:       &sesEvent,
	}, nil
}
