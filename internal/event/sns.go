package event

import "time"

// SNSNotification is the outer envelope AWS SNS wraps around every webhook
// delivery, including the subscription-confirmation handshake.
//
// See: https://docs.aws.amazon.com/sns/latest/dg/sns-message-and-json-formats.html
type SNSNotification struct {
	Type             string    `json:"Type"`
	MessageID        string    `json:"MessageId"`
	TopicArn         string    `json:"TopicArn"`
	Subject          string    `json:"Subject,omitempty"`
	Message          string    `json:"Message"`
	Timestamp        time.Time `json:"Timestamp"`
	SignatureVersion string    `json:"SignatureVersion"`
	Signature        string    `json:"Signature"`
	SigningCertURL   string    `json:"SigningCertURL"`
	SubscribeURL     string    `json:"SubscribeURL,omitempty"`
	UnsubscribeURL   string    `json:"UnsubscribeURL,omitempty"`
}

// IsSubscriptionConfirmation reports whether the notification is the SNS
// subscription handshake. The SubscribeURL must be visited out of band to
// complete the subscription.
func (n *SNSNotification) IsSubscriptionConfirmation() bool {
	return n.Type == "SubscriptionConfirmation"
}
