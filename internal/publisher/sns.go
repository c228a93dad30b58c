// Package publisher публикует события о записанных заказах для сервиса исполнения заказов.
package publisher

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/sns"
	"github.com/aws/aws-sdk-go-v2/service/sns/types"

	"github.com/mmeshcher/storefront-payments/internal/model"
)

// EventTypeOrderRecorded тип события о новом заказе.
const EventTypeOrderRecorded = "order.recorded"

type snsAPI interface {
	Publish(ctx context.Context, params *sns.PublishInput, optFns ...func(*sns.Options)) (*sns.PublishOutput, error)
}

// SNSPublisher публикует события заказов в тему SNS.
type SNSPublisher struct {
	client   snsAPI
	topicARN string
}

// OrderRecorded сообщение о записанном заказе.
type OrderRecorded struct {
	Type            string            `json:"type"`
	SessionID       string            `json:"session_id"`
	CustomerEmail   string            `json:"customer_email"`
	CustomerName    string            `json:"customer_name,omitempty"`
	Total           int64             `json:"total"`
	Currency        string            `json:"currency"`
	Status          string            `json:"status"`
	Items           []model.Item      `json:"items"`
	ShippingAddress *model.Address    `json:"shipping_address,omitempty"`
	Tags            map[string]string `json:"tags,omitempty"`
	CreatedAt       time.Time         `json:"created_at"`
}

// NewSNSPublisher создаёт публикатор поверх готового клиента SNS.
func NewSNSPublisher(client snsAPI, topicARN string) (*SNSPublisher, error) {
	if client == nil {
		return nil, errors.New("sns client is nil")
	}
	if topicARN == "" {
		return nil, errors.New("topic arn is empty")
	}

	return &SNSPublisher{
		client:   client,
		topicARN: topicARN,
	}, nil
}

// NewSNSPublisherFromEnv загружает конфигурацию AWS из окружения.
// Непустой endpoint переопределяет адрес SNS, например для LocalStack.
func NewSNSPublisherFromEnv(ctx context.Context, topicARN, endpoint string) (*SNSPublisher, error) {
	cfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}

	client := sns.NewFromConfig(cfg, func(o *sns.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	})

	return NewSNSPublisher(client, topicARN)
}

// PublishOrderRecorded публикует событие о записанном заказе.
func (p *SNSPublisher) PublishOrderRecorded(ctx context.Context, o *model.Order) error {
	body, err := json.Marshal(OrderRecorded{
		Type:            EventTypeOrderRecorded,
		SessionID:       o.SessionID,
		CustomerEmail:   o.CustomerEmail,
		CustomerName:    o.CustomerName,
		Total:           o.Total,
		Currency:        o.Currency,
		Status:          string(o.Status),
		Items:           o.Items,
		ShippingAddress: o.ShippingAddress,
		Tags:            o.Tags,
		CreatedAt:       o.CreatedAt,
	})
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}

	input := &sns.PublishInput{
		TopicArn: aws.String(p.topicARN),
		Message:  aws.String(string(body)),
		MessageAttributes: map[string]types.MessageAttributeValue{
			"event_type": {
				DataType:    aws.String("String"),
				StringValue: aws.String(EventTypeOrderRecorded),
			},
		},
	}

	// FIFO-темы требуют группу и ключ дедупликации.
	if strings.HasSuffix(p.topicARN, ".fifo") {
		input.MessageGroupId = aws.String(o.CustomerEmail)
		input.MessageDeduplicationId = aws.String(o.SessionID)
	}

	if _, err := p.client.Publish(ctx, input); err != nil {
		return fmt.Errorf("sns publish to %s: %w", p.topicARN, err)
	}

	return nil
}
