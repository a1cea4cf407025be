package broker

import (
	"context"
	"sync"
	"time"

	"github.com/groupcord/backend/model"
	"github.com/rs/zerolog"
)

const (
	defaultSendTimeout = time.Second
)

// Broker is the in-process topic transport: sessions subscribe a TX channel
// to a destination string, publishes fan out to every current subscriber.
// Delivery is at-most-once per subscribed session and fire-and-forget.
type Broker struct {
	logger zerolog.Logger
	mx     *sync.RWMutex
	subs   map[string]map[string]chan<- model.Frame
}

func NewBroker(logger *zerolog.Logger) *Broker {
	return &Broker{
		logger: logger.With().Str("component", "broker").Logger(),
		mx:     &sync.RWMutex{},
		subs:   make(map[string]map[string]chan<- model.Frame),
	}
}

func (b *Broker) Subscribe(destination, connID string, tx chan<- model.Frame) {
	b.mx.Lock()
	defer func() {
		b.mx.Unlock()
		b.logger.Debug().
			Str("destination", destination).
			Str("connID", connID).
			Msg("session subscribed")
	}()

	dst, ok := b.subs[destination]
	if !ok {
		dst = make(map[string]chan<- model.Frame)
	}
	dst[connID] = tx
	b.subs[destination] = dst
}

func (b *Broker) Unsubscribe(destination, connID string) {
	b.mx.Lock()
	defer func() {
		b.mx.Unlock()
		b.logger.Debug().
			Str("destination", destination).
			Str("connID", connID).
			Msg("session unsubscribed")
	}()

	dst, ok := b.subs[destination]
	if ok {
		delete(dst, connID)
		if len(dst) == 0 {
			delete(b.subs, destination)
		}
	}
}

// Drop removes the session from every destination. Called once on
// disconnect so dead TX channels never linger.
func (b *Broker) Drop(connID string) {
	b.mx.Lock()
	defer b.mx.Unlock()

	for destination, dst := range b.subs {
		delete(dst, connID)
		if len(dst) == 0 {
			delete(b.subs, destination)
		}
	}
}

// Publish fans msg out to all current subscribers of destination. Having
// no subscribers is not an error.
func (b *Broker) Publish(ctx context.Context, destination string, msg *model.Message) error {
	frame := model.Frame{
		Destination: destination,
		Message:     msg,
	}

	b.mx.RLock()
	targets := make(map[string]chan<- model.Frame, len(b.subs[destination]))
	for connID, tx := range b.subs[destination] {
		targets[connID] = tx
	}
	b.mx.RUnlock()

	var sent bool
	for connID, tx := range targets {
		frameSent, canceled := send(ctx, frame, tx, connID, &b.logger)
		if canceled {
			break
		}
		if frameSent {
			sent = true
		}
	}
	if !sent {
		b.logger.Debug().
			Str("destination", destination).
			Msg("publish did not reach anyone")
	}
	return nil
}

func send(ctx context.Context, frame model.Frame, tx chan<- model.Frame, connID string, logger *zerolog.Logger) (bool, bool) {
	var sent, canceled bool
	tCh := time.NewTimer(defaultSendTimeout)
	select {
	case <-ctx.Done():
		canceled = true
	case <-tCh.C:
		logger.Error().Str("connID", connID).Msg("dead session")
	case tx <- frame:
		logger.Debug().
			Str("connID", connID).
			Str("destination", frame.Destination).
			Msg("frame is forwarded")
		sent = true
	}
	tCh.Stop()
	return sent, canceled
}
