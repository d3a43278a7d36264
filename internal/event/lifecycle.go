// Package event defines the lifecycle and provider delivery events this
// service publishes, and the parsing of inbound SES webhook payloads.
package event

import (
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/sungwon/mailer/internal/model"
)

// Routable is implemented by every event that can be published to the topic
// exchange. The routing key grammar is <family>.<correlationId>.<status>,
// which lets consumers bind per request, per status, or both.
type Routable interface {
	RoutingKey() string
}

// RequestStatus is the processing stage a RequestEvent reports.
type RequestStatus string

const (
	StatusStarted  RequestStatus = "started"
	StatusRejected RequestStatus = "rejected"
	StatusFinished RequestStatus = "finished"
	StatusError    RequestStatus = "error"
)

const requestEventFamily = "sending"

// RequestEvent is a lifecycle notification about an email-send request.
// Exactly one started or rejected event and, for started requests, exactly
// one finished event is published per request. Error events may appear any
// number of times before finished for partial per-call failures.
type RequestEvent struct {
	Status      RequestStatus `json:"status"`
	Timestamp   time.Time     `json:"timestamp"`
	RequestUUID uuid.UUID     `json:"requestUuid"`

	// Request echoes the original payload on started and rejected events
	// so subscribers do not need to retain inbound queue traffic.
	Request *model.SendEmailRequest `json:"request,omitempty"`

	// Error describes the failure on rejected and error events.
	Error string `json:"error,omitempty"`

	// Recipients lists the addresses affected by an error event.
	Recipients []string `json:"recipients,omitempty"`
}

// RoutingKey implements Routable.
func (e RequestEvent) RoutingKey() string {
	return fmt.Sprintf("%s.%s.%s", requestEventFamily, e.RequestUUID, e.Status)
}

// NewStarted reports that a request passed validation and dispatch began.
func NewStarted(id uuid.UUID, req *model.SendEmailRequest) RequestEvent {
	return RequestEvent{
		Status:      StatusStarted,
		Timestamp:   time.Now().UTC(),
		RequestUUID: id,
		Request:     req,
	}
}

// NewRejected reports that a request failed validation and will not be
// dispatched. The reason carries the validation detail.
func NewRejected(id uuid.UUID, req *model.SendEmailRequest, reason string) RequestEvent {
	return RequestEvent{
		Status:      StatusRejected,
		Timestamp:   time.Now().UTC(),
		RequestUUID: id,
		Request:     req,
		Error:       reason,
	}
}

// NewFinished reports that every provider call for the request has resolved.
func NewFinished(id uuid.UUID) RequestEvent {
	return RequestEvent{
		Status:      StatusFinished,
		Timestamp:   time.Now().UTC(),
		RequestUUID: id,
	}
}

// NewSendError reports a provider call that exhausted its retries. The
// recipients are the addresses that call covered.
func NewSendError(id uuid.UUID, sendErr error, recipients []string) RequestEvent {
	return RequestEvent{
		Status:      StatusError,
		Timestamp:   time.Now().UTC(),
		RequestUUID: id,
		Error:       sendErr.Error(),
		Recipients:  recipients,
	}
}
