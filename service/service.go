package service

import (
	"context"
	"errors"

	"github.com/groupcord/backend/events"
	"github.com/groupcord/backend/model"
	"github.com/groupcord/backend/registry"
	"github.com/groupcord/backend/router"
	"github.com/rs/zerolog"
)

var (
	ErrJoin          = errors.New("unable to join")
	ErrLeave         = errors.New("unable to leave")
	ErrRoute         = errors.New("unable to route message")
	ErrUnknownTarget = errors.New("unknown destination or command")
)

type (
	SessionRegistry interface {
		Add(conn *registry.Conn) bool
		Remove(connID string) bool
		Online() []string
	}

	Presence interface {
		Publish(ctx context.Context)
		PublishTo(ctx context.Context, destination string)
	}

	Broker interface {
		Subscribe(destination, connID string, tx chan<- model.Frame)
		Unsubscribe(destination, connID string)
		Drop(connID string)
	}

	Router interface {
		Route(ctx context.Context, ident *model.Identity, msg *model.Message) error
		Passthrough(ctx context.Context, msg *model.Message)
	}

	MembershipStore interface {
		AddUserToRoom(ctx context.Context, roomID int, username string) error
		RemoveUserFromRoom(ctx context.Context, roomID int, username string) error
		RoomMembers(ctx context.Context, roomID int) ([]string, error)
		AddUserToGroup(ctx context.Context, groupID int, username string) error
		RemoveUserFromGroup(ctx context.Context, groupID int, username string) error
		GroupMembers(ctx context.Context, groupID int) ([]string, error)
		RoomsByGroup(ctx context.Context, groupID int) ([]model.Room, error)
	}

	MessageStore interface {
		MessagesByRoom(ctx context.Context, roomID int) ([]model.Message, error)
	}

	Config struct {
		Registry SessionRegistry
		Presence Presence
		Broker   Broker
		Router   Router
		Members  MembershipStore
		Messages MessageStore
		Events   *events.Publisher
		Logger   *zerolog.Logger
	}

	// Service wires the lifecycle hooks and frame handling together: the
	// transport layer calls Connect/HandleFrame/Disconnect synchronously
	// and the service fans the work out to registry, router and presence.
	Service struct {
		reg      SessionRegistry
		presence Presence
		broker   Broker
		router   Router
		members  MembershipStore
		messages MessageStore
		events   *events.Publisher
		logger   zerolog.Logger
	}
)

func NewService(cfg Config) *Service {
	return &Service{
		reg:      cfg.Registry,
		presence: cfg.Presence,
		broker:   cfg.Broker,
		router:   cfg.Router,
		members:  cfg.Members,
		messages: cfg.Messages,
		events:   cfg.Events,
		logger:   cfg.Logger.With().Str("component", "chat").Logger(),
	}
}

// Connect registers the connection and, when it changed the online set,
// republishes presence. Anonymous connections register silently.
func (svc *Service) Connect(ctx context.Context, conn *registry.Conn) {
	if svc.reg.Add(conn) {
		svc.presence.Publish(ctx)
		go svc.events.Publish(context.Background(), events.EventConnected, 0, conn.Username())
	}
}

// Disconnect drops all of the connection's subscriptions, removes it from
// the registry and republishes presence if the online set changed. Safe to
// call more than once.
func (svc *Service) Disconnect(ctx context.Context, conn *registry.Conn) {
	svc.broker.Drop(conn.ID)
	if svc.reg.Remove(conn.ID) {
		svc.presence.Publish(ctx)
		go svc.events.Publish(context.Background(), events.EventDisconnected, 0, conn.Username())
	}
}

// HandleFrame dispatches one inbound frame. Returned errors are those the
// transport should surface to the originating session; conditions handled
// locally (missing sender) come back as nil.
func (svc *Service) HandleFrame(ctx context.Context, conn *registry.Conn, frame model.Frame) error {
	switch frame.Command {
	case model.CommandSubscribe:
		svc.broker.Subscribe(frame.Destination, conn.ID, conn.Wire.TX)
		return nil
	case model.CommandUnsubscribe:
		svc.broker.Unsubscribe(frame.Destination, conn.ID)
		return nil
	case model.CommandSend:
		return svc.handleSend(ctx, conn, frame)
	}
	return ErrUnknownTarget
}

func (svc *Service) handleSend(ctx context.Context, conn *registry.Conn, frame model.Frame) error {
	switch frame.Destination {
	case model.AppGetOnlineUsers:
		svc.presence.PublishTo(ctx, model.TopicOnlineUsers)
		return nil
	case model.AppMessage:
		if frame.Message == nil {
			return ErrUnknownTarget
		}
		err := svc.router.Route(ctx, conn.Identity, frame.Message)
		if err != nil {
			if errors.Is(err, router.ErrNoSender) {
				// handled locally, nothing to surface
				return nil
			}
			return errors.Join(ErrRoute, err)
		}
		go svc.events.Publish(context.Background(), events.EventMessageStored,
			frame.Message.RoomID, frame.Message.Username)
		return nil
	case model.AppSendMessage:
		if frame.Message == nil {
			return ErrUnknownTarget
		}
		svc.router.Passthrough(ctx, frame.Message)
		return nil
	}
	return ErrUnknownTarget
}

// MessagesByRoom returns the room's persisted history.
func (svc *Service) MessagesByRoom(ctx context.Context, roomID int) ([]model.Message, error) {
	return svc.messages.MessagesByRoom(ctx, roomID)
}

func (svc *Service) JoinRoom(ctx context.Context, roomID int, username string) error {
	if err := svc.members.AddUserToRoom(ctx, roomID, username); err != nil {
		return errors.Join(ErrJoin, err)
	}
	svc.logger.Debug().
		Str("username", username).
		Int("roomID", roomID).
		Msg("user joined room")
	return nil
}

func (svc *Service) LeaveRoom(ctx context.Context, roomID int, username string) error {
	if err := svc.members.RemoveUserFromRoom(ctx, roomID, username); err != nil {
		return errors.Join(ErrLeave, err)
	}
	svc.logger.Debug().
		Str("username", username).
		Int("roomID", roomID).
		Msg("user left room")
	return nil
}

func (svc *Service) RoomMembers(ctx context.Context, roomID int) ([]string, error) {
	return svc.members.RoomMembers(ctx, roomID)
}

func (svc *Service) JoinGroup(ctx context.Context, groupID int, username string) error {
	if err := svc.members.AddUserToGroup(ctx, groupID, username); err != nil {
		return errors.Join(ErrJoin, err)
	}
	return nil
}

func (svc *Service) LeaveGroup(ctx context.Context, groupID int, username string) error {
	if err := svc.members.RemoveUserFromGroup(ctx, groupID, username); err != nil {
		return errors.Join(ErrLeave, err)
	}
	return nil
}

func (svc *Service) GroupMembers(ctx context.Context, groupID int) ([]string, error) {
	return svc.members.GroupMembers(ctx, groupID)
}

func (svc *Service) RoomsByGroup(ctx context.Context, groupID int) ([]model.Room, error) {
	return svc.members.RoomsByGroup(ctx, groupID)
}
