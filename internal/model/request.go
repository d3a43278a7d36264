// Package model defines the send-request payloads accepted from the work
// queue and their validation rules.
package model

import (
	"net/mail"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"
)

// Recipient is a single destination address with optional per-recipient
// template replacements, eg:
//
//	{ "email": "jhon@gmail.com", "replacements": { "name": "jhon" } }
type Recipient struct {
	Email string `json:"email" validate:"required,email"`

	// Replacements maps placeholder names in the HTML body to the values
	// rendered for this recipient.
	Replacements map[string]string `json:"replacements,omitempty"`
}

// HasReplacements reports whether the recipient carries a non-empty
// replacement map. Recipients with replacements get an individually
// rendered body and an individual provider call.
func (r Recipient) HasReplacements() bool {
	return len(r.Replacements) > 0
}

// SendEmailRequest is the body of a "sendEmail" queue message.
type SendEmailRequest struct {
	// UUID is the client-supplied correlation identifier for the request.
	// When absent one is minted on receipt and is immutable thereafter.
	UUID *uuid.UUID `json:"uuid,omitempty"`

	// Sender is the address the email is sent from. Falls back to the
	// configured default sender when empty. Validated against the RFC 5322
	// mailbox grammar, which is stricter than the per-recipient check.
	Sender string `json:"sender,omitempty" validate:"omitempty,rfc5322"`

	To []Recipient `json:"to" validate:"required,min=1,dive"`

	ReplyToAddresses []string `json:"replyToAddresses,omitempty" validate:"omitempty,dive,email"`

	Subject string `json:"subject" validate:"required"`

	BodyHTML string `json:"bodyHtml,omitempty"`

	// BodyText is shown by clients that do not render HTML.
	BodyText string `json:"bodyText,omitempty"`

	// EnableTracking turns on SES event tracking (send, open, click,
	// delivery...) for this request. Tracked sends are issued one
	// recipient per provider call so events attribute to a single address.
	EnableTracking bool `json:"enableTracking"`
}

// EnsureUUID returns the request's correlation identifier, minting and
// storing a fresh one if the client did not supply it.
func (r *SendEmailRequest) EnsureUUID() uuid.UUID {
	if r.UUID == nil {
		id := uuid.New()
		r.UUID = &id
	}
	return *r.UUID
}

var validate = newValidator()

func newValidator() *validator.Validate {
	v := validator.New()

	// The builtin "email" rule is looser than what we require of the
	// sender; RFC 5322 parsing rejects addresses SES would bounce on.
	_ = v.RegisterValidation("rfc5322", func(fl validator.FieldLevel) bool {
		_, err := mail.ParseAddress(fl.Field().String())
		return err == nil
	})

	return v
}

// Validate checks the request against its declared rules. The outcome is a
// pure function of the request contents.
func (r *SendEmailRequest) Validate() error {
	return validate.Struct(r)
}
