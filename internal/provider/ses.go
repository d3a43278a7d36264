package provider

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sesv2"
	"github.com/aws/aws-sdk-go-v2/service/sesv2/types"
)

// SES sends email through the AWS SES v2 SendEmail API.
type SES struct {
	client *sesv2.Client
}

// NewSES creates an SES sender for the given region using the default AWS
// credential chain.
func NewSES(ctx context.Context, region string) (*SES, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, awsconfig.WithRegion(region))
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	return &SES{
		client: sesv2.NewFromConfig(awsCfg),
	}, nil
}

// Send implements Sender.
func (s *SES) Send(ctx context.Context, email *Email) (*Result, error) {
	input := &sesv2.SendEmailInput{
		FromEmailAddress: aws.String(email.From),
		Destination: &types.Destination{
			ToAddresses: email.To,
		},
		Content: &types.EmailContent{
			Simple: &types.Message{
				Subject: utf8Content(email.Subject),
				Body:    buildBody(email),
			},
		},
	}

	if len(email.ReplyTo) > 0 {
		input.ReplyToAddresses = email.ReplyTo
	}
	if email.ConfigurationSet != "" {
		input.ConfigurationSetName = aws.String(email.ConfigurationSet)
	}
	for name, value := range email.Tags {
		input.EmailTags = append(input.EmailTags, types.MessageTag{
			Name:  aws.String(name),
			Value: aws.String(value),
		})
	}

	out, err := s.client.SendEmail(ctx, input)
	if err != nil {
		return nil, fmt.Errorf("ses send email: %w", err)
	}

	result := &Result{}
	if out.MessageId != nil {
		result.MessageID = *out.MessageId
	}
	return result, nil
}

func buildBody(email *Email) *types.Body {
	body := &types.Body{}
	if email.HTMLBody != "" {
		body.Html = utf8Content(email.HTMLBody)
	}
	if email.TextBody != "" || email.HTMLBody == "" {
		body.Text = utf8Content(email.TextBody)
	}
	return body
}

func utf8Content(data string) *types.Content {
	return &types.Content{
		Data:    aws.String(data),
		Charset: aws.String("UTF-8"),
	}
}
