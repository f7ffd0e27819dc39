// Package sheets implements the character sheet relay: it identifies clients,
// keeps the shared store up to date and forwards every change to the other
// connected clients.
package sheets

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/davecgh/go-spew/spew"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dnd-stuff/sheetsync/internal/core"
	"github.com/dnd-stuff/sheetsync/internal/core/client"
	"github.com/dnd-stuff/sheetsync/internal/core/data"
	"github.com/dnd-stuff/sheetsync/internal/core/lifecycle"
	"github.com/dnd-stuff/sheetsync/internal/core/metrics"
	"github.com/dnd-stuff/sheetsync/internal/packets"
)

var tracer = otel.Tracer("github.com/dnd-stuff/sheetsync/internal/sheets")

// Server is the sheet relay Backend for one listener generation. Every
// connection of the generation shares its Store and broadcaster.
type Server struct {
	Name    string
	Config  *core.Config
	Logger  *logrus.Logger
	Metrics *metrics.Metrics
	// Generation scopes the store rows of database engines.
	Generation uint64
	// Store is opened from Config by Init when not set.
	Store data.Store
	// Connection events for the Controller. Sends block until received.
	Events chan<- lifecycle.Message

	ids         *Registry
	broadcaster *broadcaster

	mu            sync.Mutex
	subscriptions map[*client.Client]*subscription
	forwarders    sync.WaitGroup
}

func (s *Server) Identifier() string { return s.Name }

func (s *Server) Init(ctx context.Context) error {
	if s.Store == nil {
		store, err := data.Open(s.Config, s.Generation, s.Logger)
		if err != nil {
			return fmt.Errorf("error opening character store: %w", err)
		}
		s.Store = store
	}
	if s.Metrics == nil {
		s.Metrics = metrics.New()
	}
	s.ids = NewRegistry(s.Config.Sessions.ReconnectGracePeriod)
	s.broadcaster = newBroadcaster(s.Config.Sessions.BroadcastBuffer)
	s.subscriptions = make(map[*client.Client]*subscription)
	return nil
}

// Handshake subscribes the client to updates from other connections right
// away, before it has identified itself.
func (s *Server) Handshake(ctx context.Context, c *client.Client) error {
	sub := s.broadcaster.subscribe()

	s.mu.Lock()
	s.subscriptions[c] = sub
	s.mu.Unlock()

	s.forwarders.Add(1)
	go s.forwardUpdates(c, sub)
	return nil
}

// forwardUpdates relays updates published by other connections until the
// subscription is closed or the client can't be written to.
func (s *Server) forwardUpdates(c *client.Client, sub *subscription) {
	defer s.forwarders.Done()

	for u := range sub.updates {
		if err := c.Send(packets.CharacterBroadcast{Data: u.data, Owner: u.owner}); err != nil {
			s.Logger.Debugf("[%s] stopped forwarding updates to %s: %v", s.Name, c.IPAddr(), err)
			// Unblocks the reading goroutine so the client gets disconnected.
			_ = c.Close()
			// Keep draining so publishers never see a stale full buffer.
			for range sub.updates {
			}
			return
		}
	}
}

func (s *Server) Handle(ctx context.Context, c *client.Client, frame []byte) error {
	msg, err := packets.Decode(frame)
	if err != nil {
		reason := metrics.DropMalformed
		if errors.Is(err, packets.ErrUnknownMessage) {
			reason = metrics.DropUnknown
		}
		s.drop(c, reason)
		s.Logger.Debugf("[%s] ignoring frame from %s: %v", s.Name, c.IPAddr(), err)
		return nil
	}

	ctx, span := tracer.Start(ctx, "sheets.Handle", trace.WithAttributes(
		attribute.String("message.type", msg.Type()),
		attribute.String("client.ip", c.IPAddr()),
	))
	defer span.End()

	s.Metrics.MessagesReceived.WithLabelValues(msg.Type()).Inc()
	if s.Config.Debugging.MessageLoggingEnabled {
		s.Logger.Debugf("[%s] message from %s:\n%s", s.Name, c.IPAddr(), spew.Sdump(msg))
	}

	switch m := msg.(type) {
	case packets.RequestID:
		err = s.requestedID(ctx, c)
	case packets.ID:
		err = s.receivedID(ctx, c, m.ID)
	case packets.CharacterUpdated:
		s.characterUpdated(ctx, c, m.Data)
	}
	if err != nil {
		span.RecordError(err)
	}
	return err
}

func (s *Server) requestedID(ctx context.Context, c *client.Client) error {
	if c.Identified {
		s.drop(c, metrics.DropIdentified)
		return nil
	}
	return s.identify(ctx, c, s.ids.ClaimNew(), true)
}

// receivedID handles a reconnecting client reclaiming a previous id.
func (s *Server) receivedID(ctx context.Context, c *client.Client, id uint32) error {
	if c.Identified {
		s.drop(c, metrics.DropIdentified)
		return nil
	}

	if strings.EqualFold(s.Config.Sessions.IDCollisionPolicy, core.CollisionReassign) {
		if !s.ids.ClaimUnused(id) {
			reassigned := s.ids.ClaimNew()
			s.Logger.Infof("[%s] id %d is in use; reassigned %s to %d", s.Name, id, c.IPAddr(), reassigned)
			return s.identify(ctx, c, reassigned, true)
		}
		return s.identify(ctx, c, id, false)
	}

	if collided := s.ids.Claim(id); collided {
		s.Logger.Warnf("[%s] %s claimed id %d which is already in use", s.Name, c.IPAddr(), id)
	}
	return s.identify(ctx, c, id, false)
}

// identify moves the client to the identified state, announces it and then
// sends the client every character currently in the store. id must already be
// claimed; it is released again if the Id frame can't be delivered.
func (s *Server) identify(ctx context.Context, c *client.Client, id uint32, announce bool) error {
	_, span := tracer.Start(ctx, "sheets.identify", trace.WithAttributes(
		attribute.Int64("client.id", int64(id)),
		attribute.Bool("client.announce", announce),
	))
	defer span.End()

	if announce {
		if err := c.Send(packets.ID{ID: id}); err != nil {
			s.ids.Release(id)
			span.RecordError(err)
			return err
		}
	}
	c.Identify(id)
	s.emit(lifecycle.NewConnection{ID: id})
	s.Logger.Infof("[%s] %s identified as %d", s.Name, c.IPAddr(), id)

	records, err := s.Store.Snapshot()
	if err != nil {
		s.Logger.Errorf("[%s] failed to read characters for %d: %v", s.Name, id, err)
		return nil
	}
	span.SetAttributes(attribute.Int("snapshot.records", len(records)))
	for _, r := range records {
		if err := c.Send(packets.CharacterBroadcast{Data: r.Payload, Owner: r.Owner}); err != nil {
			return err
		}
	}
	return nil
}

func (s *Server) characterUpdated(ctx context.Context, c *client.Client, payload string) {
	if !c.Identified {
		s.drop(c, metrics.DropUnidentified)
		return
	}
	name, ok := data.CharacterName(payload)
	if !ok {
		s.drop(c, metrics.DropNoName)
		return
	}

	_, span := tracer.Start(ctx, "sheets.characterUpdated", trace.WithAttributes(
		attribute.Int64("client.id", int64(c.ID)),
		attribute.String("character.name", name),
	))
	defer span.End()

	if err := s.Store.Upsert(data.CharacterRecord{Owner: c.ID, Name: name, Payload: payload}); err != nil {
		span.RecordError(err)
		s.Logger.Errorf("[%s] failed to store character %q from %d: %v", s.Name, name, c.ID, err)
		s.drop(c, metrics.DropStoreFailure)
		return
	}

	s.mu.Lock()
	sub := s.subscriptions[c]
	s.mu.Unlock()

	var origin uint64
	if sub != nil {
		origin = sub.id
	}
	if dropped := s.broadcaster.publish(update{origin: origin, data: payload, owner: c.ID}); dropped > 0 {
		span.SetAttributes(attribute.Int("broadcast.dropped", dropped))
		s.Metrics.BroadcastsDropped.Add(float64(dropped))
		s.Logger.Warnf("[%s] %d connection(s) fell behind and missed an update for %q", s.Name, dropped, name)
	}
}

func (s *Server) Disconnect(c *client.Client) {
	s.mu.Lock()
	sub := s.subscriptions[c]
	delete(s.subscriptions, c)
	s.mu.Unlock()

	if sub != nil {
		s.broadcaster.unsubscribe(sub)
	}

	if !c.Identified {
		return
	}

	s.ids.Release(c.ID)
	if s.Config.Sessions.RemoveCharactersOnDisconnect {
		removed, err := s.Store.RemoveOwner(c.ID)
		if err != nil {
			s.Logger.Errorf("[%s] failed to remove characters of %d: %v", s.Name, c.ID, err)
		} else if removed > 0 {
			s.Logger.Infof("[%s] removed %d character(s) owned by %d", s.Name, removed, c.ID)
		}
	}
	s.emit(lifecycle.ClosedConnection{ID: c.ID})
}

// Close waits for the update forwarders to finish and closes the store.
func (s *Server) Close() error {
	s.forwarders.Wait()
	return s.Store.Close()
}

func (s *Server) drop(c *client.Client, reason string) {
	s.Metrics.MessagesDropped.WithLabelValues(reason).Inc()
	s.Logger.Debugf("[%s] dropped message from %s (%s)", s.Name, c.IPAddr(), reason)
}

// emit reports a connection event to the Controller. A no-op when the
// generation has no events channel.
func (s *Server) emit(msg lifecycle.Message) {
	if s.Events != nil {
		s.Events <- msg
	}
}
