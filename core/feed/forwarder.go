package feed

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/sqs"
	"github.com/goccy/go-json"

	"github.com/relabs-tech/limen/core"
	"github.com/relabs-tech/limen/core/logger"
)

type sqsAPI interface {
	SendMessage(ctx context.Context, input *sqs.SendMessageInput, optFns ...func(*sqs.Options)) (*sqs.SendMessageOutput, error)
}

// ForwarderBuilder is the input to NewForwarder
type ForwarderBuilder struct {
	// QueueURL is the SQS queue the events go to. Mandatory.
	QueueURL string
	// AWSRegion is the region the queue lives in
	AWSRegion string
	// AccessID and AccessKey are static credentials. When empty, the
	// default credential chain applies.
	AccessID  string
	AccessKey string
}

// Forwarder mirrors change events out to an SQS queue. Consumers get
// the same JSON the Kafka feed carries, logger context included.
type Forwarder struct {
	client   sqsAPI
	queueURL string
}

// NewForwarder creates the SQS egress forwarder
func NewForwarder(builder *ForwarderBuilder) (*Forwarder, error) {
	if builder.QueueURL == "" {
		return nil, fmt.Errorf("QueueURL must not be empty")
	}
	options := []func(*config.LoadOptions) error{
		config.WithRegion(builder.AWSRegion),
	}
	if builder.AccessID != "" {
		options = append(options,
			config.WithCredentialsProvider(credentials.NewStaticCredentialsProvider(builder.AccessID, builder.AccessKey, "")))
	}
	cfg, err := config.LoadDefaultConfig(context.TODO(), options...)
	if err != nil {
		return nil, err
	}
	logger.Default().Debugln("change feed egress enabled for", builder.QueueURL)
	return &Forwarder{client: sqs.NewFromConfig(cfg), queueURL: builder.QueueURL}, nil
}

// Forward sends one change event to the queue. The logger context of
// the originating request travels with the message.
func (f *Forwarder) Forward(ctx context.Context, resource string, kind core.ChangeKind, record, oldRecord map[string]any) error {
	event := ChangeEvent{
		Resource:  resource,
		Kind:      kind,
		Record:    record,
		OldRecord: oldRecord,
		Context:   json.RawMessage(logger.SerializeLoggerContext(ctx)),
	}
	data, err := json.Marshal(event)
	if err != nil {
		return err
	}
	body := string(data)
	_, err = f.client.SendMessage(ctx, &sqs.SendMessageInput{
		QueueUrl:    &f.queueURL,
		MessageBody: &body,
	})
	if err != nil {
		logger.FromContext(ctx).WithError(err).Errorln("cannot forward change event to queue")
		return err
	}
	return nil
}
