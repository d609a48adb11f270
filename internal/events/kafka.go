// Package events publishes coupon usage events to Kafka.
package events

import (
	"context"
	"time"

	"github.com/go-faster/errors"
	"github.com/go-faster/jx"
	"github.com/segmentio/kafka-go"

	"github.com/xenking/coupon-service/internal/domain/redemption"
)

var _ redemption.Publisher = (*KafkaPublisher)(nil)

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher writes usage events to a single topic, keyed by coupon
// code so events of one coupon stay ordered within a partition.
type KafkaPublisher struct {
	writer messageWriter
	source string
}

// NewKafkaPublisher returns a publisher writing to topic on brokers.
// source is sent in the "source" header of every message.
func NewKafkaPublisher(brokers []string, topic, source string) *KafkaPublisher {
	return &KafkaPublisher{
		writer: &kafka.Writer{
			Addr:                   kafka.TCP(brokers...),
			Topic:                  topic,
			Balancer:               &kafka.Hash{},
			RequiredAcks:           kafka.RequireOne,
			BatchTimeout:           10 * time.Millisecond,
			AllowAutoTopicCreation: true,
		},
		source: source,
	}
}

func (p *KafkaPublisher) Publish(ctx context.Context, e redemption.Event) error {
	msg := kafka.Message{
		Key:   []byte(e.Code),
		Value: EncodeEvent(e),
		Time:  e.OccurredAt,
		Headers: []kafka.Header{
			{Key: "kind", Value: []byte(e.Kind)},
			{Key: "source", Value: []byte(p.source)},
		},
	}
	if err := p.writer.WriteMessages(ctx, msg); err != nil {
		return errors.Wrapf(err, "write %s event", e.Kind)
	}
	return nil
}

// Close flushes pending messages.
func (p *KafkaPublisher) Close() error {
	return p.writer.Close()
}

// EncodeEvent renders e as the JSON message payload.
func EncodeEvent(e redemption.Event) []byte {
	enc := jx.GetEncoder()
	defer jx.PutEncoder(enc)

	enc.ObjStart()
	enc.FieldStart("kind")
	enc.Str(string(e.Kind))
	enc.FieldStart("coupon_id")
	enc.Str(e.CouponID)
	enc.FieldStart("code")
	enc.Str(e.Code)
	enc.FieldStart("transaction_id")
	enc.Str(e.TransactionID)
	if e.Kind == redemption.EventReserved {
		enc.FieldStart("customer_key")
		enc.Str(e.CustomerKey)
		enc.FieldStart("discount_amount")
		enc.Str(e.DiscountAmount.StringFixed(2))
	}
	enc.FieldStart("occurred_at")
	enc.Str(e.OccurredAt.UTC().Format(time.RFC3339Nano))
	enc.ObjEnd()

	return append([]byte(nil), enc.Bytes()...)
}

// Ping dials the first reachable broker and lists the cluster brokers.
func Ping(ctx context.Context, brokers []string) error {
	var lastErr error
	for _, addr := range brokers {
		conn, err := kafka.DialContext(ctx, "tcp", addr)
		if err != nil {
			lastErr = err
			continue
		}
		_, err = conn.Brokers()
		_ = conn.Close()
		if err != nil {
			lastErr = err
			continue
		}
		return nil
	}
	if lastErr == nil {
		return errors.New("no brokers configured")
	}
	return errors.Wrap(lastErr, "dial kafka")
}
