package presence

import (
	"context"
	"strings"
	"time"

	"github.com/groupcord/backend/model"
	"github.com/rs/zerolog"
)

type (
	// OnlineSource yields a snapshot of currently-online usernames.
	OnlineSource interface {
		Online() []string
	}

	// Publisher delivers a message to a destination.
	Publisher interface {
		Publish(ctx context.Context, destination string, msg *model.Message) error
	}

	// Broadcaster keeps clients' view of who is online consistent with the
	// registry. Every publish is a full-state snapshot, so racing publishes
	// need no merge: each one is self-consistent and last-delivered wins.
	Broadcaster struct {
		source OnlineSource
		pub    Publisher
		logger zerolog.Logger
	}

	Config struct {
		Source OnlineSource
		Pub    Publisher
		Logger *zerolog.Logger
	}
)

func NewBroadcaster(cfg Config) *Broadcaster {
	return &Broadcaster{
		source: cfg.Source,
		pub:    cfg.Pub,
		logger: cfg.Logger.With().Str("component", "presence").Logger(),
	}
}

// Publish broadcasts the online set to the shared presence destination.
// Presence is ephemeral: delivery failure is absorbed, nothing persisted.
func (b *Broadcaster) Publish(ctx context.Context) {
	b.PublishTo(ctx, model.TopicMessage)
}

// PublishTo broadcasts the online set to an explicit destination. Used for
// the get-online-users request-reply on its dedicated topic.
func (b *Broadcaster) PublishTo(ctx context.Context, destination string) {
	names := b.source.Online()
	msg := &model.Message{
		Type: model.ChatTypeUserList,
		Body: strings.Join(names, ","),
		Time: time.Now(),
	}
	b.logger.Info().
		Strs("online", names).
		Str("destination", destination).
		Msg("broadcasting online users")
	_ = b.pub.Publish(ctx, destination, msg)
}
