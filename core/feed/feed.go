/*Package feed connects the change notifier to the outside world.

The consumer reads database change events from a Kafka topic, e.g. from
a capture pipeline or from other gateway instances, and hands them to
the notifier for realtime delivery. The forwarder mirrors locally
produced change events out to an SQS queue for durable consumers. Both
carry the serialized logger context with each event so traces survive
the queue hop.
*/
package feed

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/segmentio/kafka-go"

	"github.com/relabs-tech/limen/core"
	"github.com/relabs-tech/limen/core/fault"
	"github.com/relabs-tech/limen/core/logger"
)

// ChangeEvent is the wire format of one database change on the feed.
// Context carries the serialized logger context of the originating
// request, it is optional.
type ChangeEvent struct {
	Resource  string          `json:"resource"`
	Kind      core.ChangeKind `json:"changeKind"`
	Record    map[string]any  `json:"record,omitempty"`
	OldRecord map[string]any  `json:"oldRecord,omitempty"`
	Context   json.RawMessage `json:"context,omitempty"`
}

// Notifier receives ingested change events. The realtime hub satisfies
// this interface.
type Notifier interface {
	Notify(resource string, kind core.ChangeKind, record, oldRecord map[string]any)
}

type kafkaReader interface {
	ReadMessage(ctx context.Context) (kafka.Message, error)
	Close() error
}

// ConsumerBuilder is the input to NewConsumer
type ConsumerBuilder struct {
	// Brokers is the Kafka broker list. Mandatory.
	Brokers []string
	// Topic is the change event topic. Mandatory.
	Topic string
	// GroupID names the consumer group. Instances sharing a group split
	// the partitions between them. Mandatory.
	GroupID string
	// Notifier receives the ingested events. Mandatory.
	Notifier Notifier
}

// Consumer reads change events from Kafka and feeds the notifier.
type Consumer struct {
	reader   kafkaReader
	notifier Notifier
}

// NewConsumer creates the Kafka change feed consumer
func NewConsumer(builder *ConsumerBuilder) *Consumer {
	brokers := make([]string, 0, len(builder.Brokers))
	for _, b := range builder.Brokers {
		if trimmed := strings.TrimSpace(b); trimmed != "" {
			brokers = append(brokers, trimmed)
		}
	}
	if len(brokers) == 0 {
		panic("missing kafka brokers")
	}
	if strings.TrimSpace(builder.Topic) == "" {
		panic("missing kafka topic")
	}
	if strings.TrimSpace(builder.GroupID) == "" {
		panic("missing kafka group id")
	}
	if builder.Notifier == nil {
		panic("missing notifier")
	}
	reader := kafka.NewReader(kafka.ReaderConfig{
		Brokers:        brokers,
		Topic:          builder.Topic,
		GroupID:        builder.GroupID,
		MinBytes:       1,
		MaxBytes:       10e6,
		CommitInterval: time.Second,
		MaxWait:        500 * time.Millisecond,
	})
	return &Consumer{reader: reader, notifier: builder.Notifier}
}

// Run consumes the feed until the context ends. Undecodable records are
// logged and dropped, the feed keeps moving. A reader error other than
// context cancellation ends the run.
func (c *Consumer) Run(ctx context.Context) error {
	defer c.reader.Close()
	for {
		msg, err := c.reader.ReadMessage(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return nil
			}
			return fault.Upstream.Wrap(err)
		}
		c.dispatch(msg.Value)
	}
}

func (c *Consumer) dispatch(data []byte) {
	var event ChangeEvent
	if err := json.Unmarshal(data, &event); err != nil {
		logger.Default().WithError(err).Errorln("cannot decode change event, dropping it")
		return
	}
	ctx := logger.ContextWithLoggerFromData(context.Background(), event.Context)
	rlog := logger.FromContext(ctx)
	if event.Resource == "" {
		rlog.Errorln("change event carries no resource, dropping it")
		return
	}
	switch event.Kind {
	case core.ChangeInsert, core.ChangeUpdate, core.ChangeDelete:
	default:
		rlog.Errorf("change event for %s carries kind '%s', dropping it", event.Resource, event.Kind)
		return
	}
	rlog.Debugf("change feed: %s on %s", event.Kind, event.Resource)
	c.notifier.Notify(event.Resource, event.Kind, event.Record, event.OldRecord)
}
