// Package eventbus carries image events from the dispatcher to the viewer hub over watermill.
//
// By default the bus is an in-memory go channel. With Redis enabled it runs on Redis
// Streams, which lets the generation side and the viewer side live in different
// processes. Either way, events published while nobody is attached are not replayed.
package eventbus

import (
	"context"
	"strings"

	"github.com/ThreeDotsLabs/watermill"
	rstream "github.com/ThreeDotsLabs/watermill-redisstream/pkg/redisstream"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/go-go-golems/speakpaint/pkg/broadcast"
)

const (
	DefaultTopic = "speakpaint.images"

	channelBuffer = 64
)

// Settings holds the event transport configuration.
type Settings struct {
	RedisEnabled  bool
	RedisAddr     string
	RedisGroup    string
	RedisConsumer string
	Topic         string
}

// Sink receives forwarded events, typically a *broadcast.Hub.
type Sink interface {
	Publish(ctx context.Context, ev broadcast.Event) error
}

type Bus struct {
	publisher  message.Publisher
	subscriber message.Subscriber
	topic      string
	redis      *redis.Client
}

func New(ctx context.Context, s Settings) (*Bus, error) {
	topic := strings.TrimSpace(s.Topic)
	if topic == "" {
		topic = DefaultTopic
	}
	logger := NewWatermillLogger(log.Logger)

	if !s.RedisEnabled {
		// blocking until ack keeps per-topic order; without it gochannel may hand out
		// messages from several goroutines at once
		gc := gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer:            channelBuffer,
			BlockPublishUntilSubscriberAck: true,
		}, logger)
		return &Bus{publisher: gc, subscriber: gc, topic: topic}, nil
	}

	client := redis.NewClient(&redis.Options{Addr: s.RedisAddr})
	if err := EnsureGroupAtTail(ctx, client, topic, s.RedisGroup); err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis consumer group")
	}
	marshaler := rstream.DefaultMarshallerUnmarshaller{}
	pub, err := rstream.NewPublisher(rstream.PublisherConfig{
		Client:     client,
		Marshaller: marshaler,
	}, logger)
	if err != nil {
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream publisher")
	}
	sub, err := rstream.NewSubscriber(rstream.SubscriberConfig{
		Client:        client,
		Unmarshaller:  marshaler,
		ConsumerGroup: s.RedisGroup,
		Consumer:      s.RedisConsumer,
	}, logger)
	if err != nil {
		_ = pub.Close()
		_ = client.Close()
		return nil, errors.Wrap(err, "create redis stream subscriber")
	}
	log.Info().Str("component", "eventbus").Str("addr", s.RedisAddr).Str("topic", topic).Msg("using redis streams event bus")
	return &Bus{publisher: pub, subscriber: sub, topic: topic, redis: client}, nil
}

// Publish encodes ev and puts it on the bus.
func (b *Bus) Publish(ctx context.Context, ev broadcast.Event) error {
	payload, err := msgpack.Marshal(&ev)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	msg := message.NewMessage(watermill.NewUUID(), payload)
	msg.Metadata.Set("type", ev.Type)
	msg.SetContext(ctx)
	return errors.Wrap(b.publisher.Publish(b.topic, msg), "publish event")
}

// Attach subscribes before returning, then forwards every event to sink in bus order
// until ctx ends or the bus is closed.
func (b *Bus) Attach(ctx context.Context, sink Sink) error {
	ch, err := b.subscriber.Subscribe(ctx, b.topic)
	if err != nil {
		return errors.Wrapf(err, "subscribe to %s", b.topic)
	}
	go func() {
		for msg := range ch {
			var ev broadcast.Event
			if err := msgpack.Unmarshal(msg.Payload, &ev); err != nil {
				log.Warn().Err(err).Str("component", "eventbus").Str("message_uuid", msg.UUID).Msg("dropping undecodable event")
				msg.Ack()
				continue
			}
			if err := sink.Publish(msg.Context(), ev); err != nil {
				log.Warn().Err(err).Str("component", "eventbus").Str("type", ev.Type).Msg("sink rejected event")
			}
			msg.Ack()
		}
		log.Debug().Str("component", "eventbus").Str("topic", b.topic).Msg("event forwarder stopped")
	}()
	return nil
}

func (b *Bus) Close() error {
	var errs []error
	if err := b.publisher.Close(); err != nil {
		errs = append(errs, err)
	}
	if any(b.subscriber) != any(b.publisher) {
		if err := b.subscriber.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if b.redis != nil {
		if err := b.redis.Close(); err != nil {
			errs = append(errs, err)
		}
	}
	if len(errs) > 0 {
		return errors.Wrap(errs[0], "close event bus")
	}
	return nil
}

// EnsureGroupAtTail creates the consumer group at the stream tail ($) if it doesn't exist,
// so a fresh subscriber never replays old events.
func EnsureGroupAtTail(ctx context.Context, client *redis.Client, stream, group string) error {
	err := client.XGroupCreateMkStream(ctx, stream, group, "$").Err()
	if err != nil {
		if strings.Contains(err.Error(), "BUSYGROUP") {
			return nil
		}
		return err
	}
	log.Info().Str("component", "eventbus").Str("stream", stream).Str("group", group).Msg("created redis consumer group at $ (tail)")
	return nil
}
