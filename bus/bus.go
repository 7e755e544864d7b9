// Package bus is the in-process event bus connecting sync components that
// must stay consistent without reaching into each other: typed topics over
// a watermill gochannel pub/sub.
package bus

import (
	"context"

	"github.com/ThreeDotsLabs/watermill"
	"github.com/ThreeDotsLabs/watermill/message"
	"github.com/ThreeDotsLabs/watermill/pubsub/gochannel"
	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
)

const (
	TopicReadReset           = "conversation.read_reset"
	TopicRelationshipChanged = "relationship.changed"
)

// ReadReset announces that userID's unread counter for a conversation was
// zeroed. Every cached copy of that conversation must apply it.
type ReadReset struct {
	ConversationID string `json:"conversation_id"`
	UserID         string `json:"user_id"`
}

// RelationshipChanged announces an optimistic or confirmed transition of
// the relationship toward TargetID.
type RelationshipChanged struct {
	UserID   string `json:"user_id"`
	TargetID string `json:"target_id"`
	State    string `json:"state"`
}

type Bus struct {
	pubsub *gochannel.GoChannel
}

func New(log zerolog.Logger) *Bus {
	return &Bus{
		pubsub: gochannel.NewGoChannel(gochannel.Config{
			OutputChannelBuffer: 16,
		}, &loggerAdapter{log: log}),
	}
}

func (b *Bus) Close() error {
	return b.pubsub.Close()
}

func (b *Bus) PublishReadReset(ev ReadReset) error {
	return b.publish(TopicReadReset, ev)
}

func (b *Bus) PublishRelationshipChanged(ev RelationshipChanged) error {
	return b.publish(TopicRelationshipChanged, ev)
}

func (b *Bus) publish(topic string, v any) error {
	payload, err := json.Marshal(v)
	if err != nil {
		return err
	}
	return b.pubsub.Publish(topic, message.NewMessage(watermill.NewUUID(), payload))
}

// SubscribeReadReset delivers decoded read-reset events until ctx ends.
func (b *Bus) SubscribeReadReset(ctx context.Context) (<-chan ReadReset, error) {
	msgs, err := b.pubsub.Subscribe(ctx, TopicReadReset)
	if err != nil {
		return nil, err
	}
	out := make(chan ReadReset, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev ReadReset
			if err := json.Unmarshal(msg.Payload, &ev); err == nil {
				select {
				case out <- ev:
				case <-ctx.Done():
					msg.Ack()
					return
				}
			}
			msg.Ack()
		}
	}()
	return out, nil
}

func (b *Bus) SubscribeRelationshipChanged(ctx context.Context) (<-chan RelationshipChanged, error) {
	msgs, err := b.pubsub.Subscribe(ctx, TopicRelationshipChanged)
	if err != nil {
		return nil, err
	}
	out := make(chan RelationshipChanged, 16)
	go func() {
		defer close(out)
		for msg := range msgs {
			var ev RelationshipChanged
			if err := json.Unmarshal(msg.Payload, &ev); err == nil {
				select {
				case out <- ev:
				case <-ctx.Done():
					msg.Ack()
					return
				}
			}
			msg.Ack()
		}
	}()
	return out, nil
}

// loggerAdapter bridges watermill's logger to zerolog.
type loggerAdapter struct {
	log zerolog.Logger
}

func (a *loggerAdapter) Error(msg string, err error, fields watermill.LogFields) {
	a.event(a.log.Error().Err(err), msg, fields)
}

func (a *loggerAdapter) Info(msg string, fields watermill.LogFields) {
	a.event(a.log.Debug(), msg, fields)
}

func (a *loggerAdapter) Debug(msg string, fields watermill.LogFields) {
	a.event(a.log.Debug(), msg, fields)
}

func (a *loggerAdapter) Trace(msg string, fields watermill.LogFields) {
	a.event(a.log.Trace(), msg, fields)
}

func (a *loggerAdapter) With(fields watermill.LogFields) watermill.LoggerAdapter {
	log := a.log
	for k, v := range fields {
		log = log.With().Interface(k, v).Logger()
	}
	return &loggerAdapter{log: log}
}

func (a *loggerAdapter) event(ev *zerolog.Event, msg string, fields watermill.LogFields) {
	for k, v := range fields {
		ev = ev.Interface(k, v)
	}
	ev.Msg(msg)
}
