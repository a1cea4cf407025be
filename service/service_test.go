package service

import (
	"context"
	"errors"
	"testing"

	"github.com/groupcord/backend/model"
	"github.com/groupcord/backend/registry"
	"github.com/groupcord/backend/router"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeRegistry struct {
	addResult    bool
	removeResult bool
	added        []*registry.Conn
	removed      []string
}

func (f *fakeRegistry) Add(conn *registry.Conn) bool {
	f.added = append(f.added, conn)
	return f.addResult
}

func (f *fakeRegistry) Remove(connID string) bool {
	f.removed = append(f.removed, connID)
	return f.removeResult
}

func (f *fakeRegistry) Online() []string { return nil }

type fakePresence struct {
	publishes    int
	destinations []string
}

func (f *fakePresence) Publish(context.Context) { f.publishes++ }

func (f *fakePresence) PublishTo(_ context.Context, destination string) {
	f.destinations = append(f.destinations, destination)
}

type subscription struct {
	destination string
	connID      string
}

type fakeBroker struct {
	subs    []subscription
	unsubs  []subscription
	dropped []string
}

func (f *fakeBroker) Subscribe(destination, connID string, _ chan<- model.Frame) {
	f.subs = append(f.subs, subscription{destination, connID})
}

func (f *fakeBroker) Unsubscribe(destination, connID string) {
	f.unsubs = append(f.unsubs, subscription{destination, connID})
}

func (f *fakeBroker) Drop(connID string) { f.dropped = append(f.dropped, connID) }

type fakeRouter struct {
	routed      []*model.Message
	passthrough []*model.Message
	routeErr    error
}

func (f *fakeRouter) Route(_ context.Context, _ *model.Identity, msg *model.Message) error {
	if f.routeErr != nil {
		return f.routeErr
	}
	f.routed = append(f.routed, msg)
	return nil
}

func (f *fakeRouter) Passthrough(_ context.Context, msg *model.Message) {
	f.passthrough = append(f.passthrough, msg)
}

type fixture struct {
	reg      *fakeRegistry
	presence *fakePresence
	broker   *fakeBroker
	router   *fakeRouter
	svc      *Service
}

func newFixture() *fixture {
	logger := zerolog.Nop()
	f := &fixture{
		reg:      &fakeRegistry{addResult: true, removeResult: true},
		presence: &fakePresence{},
		broker:   &fakeBroker{},
		router:   &fakeRouter{},
	}
	f.svc = NewService(Config{
		Registry: f.reg,
		Presence: f.presence,
		Broker:   f.broker,
		Router:   f.router,
		Logger:   &logger,
	})
	return f
}

func testConn(username string) *registry.Conn {
	c := &registry.Conn{ID: "c1", Wire: model.NewWire()}
	if username != "" {
		c.Identity = &model.Identity{Username: username}
	}
	return c
}

func TestService_ConnectPublishesPresence(t *testing.T) {
	f := newFixture()

	f.svc.Connect(context.Background(), testConn("alice"))

	require.Len(t, f.reg.added, 1)
	assert.Equal(t, 1, f.presence.publishes)
}

func TestService_AnonymousConnectSkipsPresence(t *testing.T) {
	f := newFixture()
	f.reg.addResult = false

	f.svc.Connect(context.Background(), testConn(""))

	require.Len(t, f.reg.added, 1)
	assert.Zero(t, f.presence.publishes,
		"an unauthenticated connect must not perturb presence")
}

func TestService_DisconnectDropsSubscriptionsAndPublishes(t *testing.T) {
	f := newFixture()

	f.svc.Disconnect(context.Background(), testConn("alice"))

	assert.Equal(t, []string{"c1"}, f.broker.dropped)
	assert.Equal(t, []string{"c1"}, f.reg.removed)
	assert.Equal(t, 1, f.presence.publishes)
}

func TestService_DuplicateDisconnectIsSilent(t *testing.T) {
	f := newFixture()
	f.reg.removeResult = false

	f.svc.Disconnect(context.Background(), testConn("alice"))

	assert.Zero(t, f.presence.publishes)
}

func TestService_HandleFrameSubscribe(t *testing.T) {
	f := newFixture()
	conn := testConn("alice")

	frame := model.Frame{Command: model.CommandSubscribe, Destination: model.RoomTopic(5)}
	require.NoError(t, f.svc.HandleFrame(context.Background(), conn, frame))

	require.Len(t, f.broker.subs, 1)
	assert.Equal(t, subscription{model.RoomTopic(5), "c1"}, f.broker.subs[0])

	frame.Command = model.CommandUnsubscribe
	require.NoError(t, f.svc.HandleFrame(context.Background(), conn, frame))
	require.Len(t, f.broker.unsubs, 1)
}

func TestService_HandleFrameRoutesAppMessage(t *testing.T) {
	f := newFixture()
	conn := testConn("alice")

	frame := model.Frame{
		Command:     model.CommandSend,
		Destination: model.AppMessage,
		Message:     &model.Message{RoomID: 5, Body: "hi", Type: model.ChatTypeText},
	}
	require.NoError(t, f.svc.HandleFrame(context.Background(), conn, frame))
	require.Len(t, f.router.routed, 1)
	assert.Empty(t, f.router.passthrough)
}

func TestService_HandleFrameSendMessagePassthrough(t *testing.T) {
	f := newFixture()
	conn := testConn("alice")

	frame := model.Frame{
		Command:     model.CommandSend,
		Destination: model.AppSendMessage,
		Message:     &model.Message{RoomID: 5, Body: "hi", Type: model.ChatTypeText, Username: "alice"},
	}
	require.NoError(t, f.svc.HandleFrame(context.Background(), conn, frame))
	assert.Empty(t, f.router.routed)
	require.Len(t, f.router.passthrough, 1)
}

func TestService_HandleFrameOnlineUsersRequestReply(t *testing.T) {
	f := newFixture()
	conn := testConn("alice")

	frame := model.Frame{Command: model.CommandSend, Destination: model.AppGetOnlineUsers}
	require.NoError(t, f.svc.HandleFrame(context.Background(), conn, frame))

	assert.Equal(t, []string{model.TopicOnlineUsers}, f.presence.destinations)
}

func TestService_HandleFrameRouteErrors(t *testing.T) {
	f := newFixture()
	conn := testConn("alice")
	frame := model.Frame{
		Command:     model.CommandSend,
		Destination: model.AppMessage,
		Message:     &model.Message{RoomID: 5, Body: "hi", Type: model.ChatTypeText},
	}

	// a missing sender is handled locally, nothing surfaces
	f.router.routeErr = router.ErrNoSender
	assert.NoError(t, f.svc.HandleFrame(context.Background(), conn, frame))

	// persistence failures surface to the originating frame
	f.router.routeErr = errors.Join(router.ErrAppend, errors.New("disk on fire"))
	err := f.svc.HandleFrame(context.Background(), conn, frame)
	require.ErrorIs(t, err, ErrRoute)
}

func TestService_HandleFrameUnknown(t *testing.T) {
	f := newFixture()
	conn := testConn("alice")

	err := f.svc.HandleFrame(context.Background(), conn, model.Frame{Command: "NOPE"})
	require.ErrorIs(t, err, ErrUnknownTarget)

	err = f.svc.HandleFrame(context.Background(), conn, model.Frame{
		Command:     model.CommandSend,
		Destination: "/app/unknown",
	})
	require.ErrorIs(t, err, ErrUnknownTarget)

	err = f.svc.HandleFrame(context.Background(), conn, model.Frame{
		Command:     model.CommandSend,
		Destination: model.AppMessage,
	})
	require.ErrorIs(t, err, ErrUnknownTarget, "SEND without a payload is rejected")
}
