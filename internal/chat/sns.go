package chat

import (
	"context"
	"fmt"
)

// SNSPublisher abstracts the AWS SNS Publish call for testability.
type SNSPublisher interface {
	Publish(ctx context.Context, phoneNumber, message string) (messageID string, err error)
}

// SNSProvider delivers messages as SMS via AWS SNS. Addresses are phone
// numbers and are normalized to E.164 before publishing.
type SNSProvider struct {
	publisher SNSPublisher
}

// NewSNSProvider creates an SNSProvider with the given publisher.
func NewSNSProvider(publisher SNSPublisher) *SNSProvider {
	return &SNSProvider{publisher: publisher}
}

func (p *SNSProvider) Send(ctx context.Context, to, text string) (*SendResult, error) {
	phone, err := NormalizePhone(to)
	if err != nil {
		return nil, fmt.Errorf("sns: %w", err)
	}

	messageID, err := p.publisher.Publish(ctx, phone, text)
	if err != nil {
		return nil, fmt.Errorf("sns: publish: %w", err)
	}

	return &SendResult{
		MessageID: messageID,
		Status:    "sent",
	}, nil
}
