package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/nats-io/nats.go"
	"go.uber.org/zap"

	"github.com/capitalize-ai/support-engine/pkg/logger"
)

// RoomSubjectPrefix prefixes the core NATS subject of every room.
const RoomSubjectPrefix = "support.rooms"

// RoomSubject returns the NATS subject carrying events for room.
func RoomSubject(room string) string {
	return RoomSubjectPrefix + "." + room
}

// NATSBroker shares rooms across server instances. Membership is local to
// each instance; publishes travel over core NATS and every instance,
// including the publisher, delivers them to its own sockets.
type NATSBroker struct {
	*Hub
	conn   *nats.Conn
	sub    *nats.Subscription
	logger *logger.Logger
}

// NewNATSBroker subscribes to all room subjects on conn.
func NewNATSBroker(conn *nats.Conn, log *logger.Logger) (*NATSBroker, error) {
	if log == nil {
		log = logger.Global()
	}
	b := &NATSBroker{
		Hub:    NewHub(log),
		conn:   conn,
		logger: log.With(zap.String("component", "nats_broker")),
	}

	sub, err := conn.Subscribe(RoomSubjectPrefix+".>", b.handle)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to rooms: %w", err)
	}
	b.sub = sub
	return b, nil
}

func (b *NATSBroker) handle(msg *nats.Msg) {
	room := strings.TrimPrefix(msg.Subject, RoomSubjectPrefix+".")
	var ev Event
	if err := json.Unmarshal(msg.Data, &ev); err != nil {
		b.logger.Warn("discarding malformed room event",
			zap.String("subject", msg.Subject),
			zap.Error(err))
		return
	}
	b.Hub.deliver(room, ev)
}

// Publish sends ev to every instance's members of room.
func (b *NATSBroker) Publish(_ context.Context, room string, ev Event) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("failed to marshal event: %w", err)
	}
	if err := b.conn.Publish(RoomSubject(room), data); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", room, err)
	}
	return nil
}

// Close stops receiving remote events.
func (b *NATSBroker) Close() error {
	if b.sub == nil {
		return nil
	}
	return b.sub.Unsubscribe()
}
