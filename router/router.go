package router

import (
	"context"
	"errors"
	"time"

	"github.com/groupcord/backend/model"
	"github.com/rs/zerolog"
)

var (
	ErrNoSender = errors.New("no bound identity and no claimed username")
	ErrAppend   = errors.New("unable to persist message")
)

type (
	// MessageStore is the durable record of chat messages. Append returns
	// the persisted representation with server-assigned id and timestamp.
	MessageStore interface {
		AppendMessage(ctx context.Context, msg *model.Message) (*model.Message, error)
	}

	Publisher interface {
		Publish(ctx context.Context, destination string, msg *model.Message) error
	}

	// Router moves one chat event from its sender to all current
	// subscribers of the event's room topic, persisting TEXT messages
	// before rebroadcast so the stored and broadcast views never diverge.
	Router struct {
		store  MessageStore
		pub    Publisher
		logger zerolog.Logger
	}

	Config struct {
		Store  MessageStore
		Pub    Publisher
		Logger *zerolog.Logger
	}
)

func NewRouter(cfg Config) *Router {
	return &Router{
		store:  cfg.Store,
		pub:    cfg.Pub,
		logger: cfg.Logger.With().Str("component", "router").Logger(),
	}
}

// Route resolves the acting username, persists TEXT messages and
// broadcasts the canonical payload to the room topic. The bound identity
// wins over the username claimed in the payload; with neither, the event
// is dropped whole: no store call, no broadcast.
func (rt *Router) Route(ctx context.Context, ident *model.Identity, msg *model.Message) error {
	username := msg.Username
	if ident != nil && ident.Username != "" {
		username = ident.Username
	}
	if username == "" {
		rt.logger.Warn().
			Int("roomID", msg.RoomID).
			Str("type", string(msg.Type)).
			Msg("dropping event without sender")
		return ErrNoSender
	}
	msg.Username = username
	msg.Time = time.Now()

	out := msg
	if msg.Type == model.ChatTypeText {
		persisted, err := rt.store.AppendMessage(ctx, msg)
		if err != nil {
			return errors.Join(ErrAppend, err)
		}
		out = persisted
	}

	_ = rt.pub.Publish(ctx, model.RoomTopic(out.RoomID), out)
	rt.logger.Debug().
		Int("roomID", out.RoomID).
		Str("username", out.Username).
		Str("type", string(out.Type)).
		Msg("event routed")
	return nil
}

// Passthrough broadcasts an event to its room topic without persistence
// and without rewriting the claimed username. Serves the legacy
// sendMessage destination.
func (rt *Router) Passthrough(ctx context.Context, msg *model.Message) {
	if msg.Time.IsZero() {
		msg.Time = time.Now()
	}
	_ = rt.pub.Publish(ctx, model.RoomTopic(msg.RoomID), msg)
}
