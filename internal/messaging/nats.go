// Package messaging provides a NATS client wrapper for pub/sub events
// around the room server. The event loop publishes room lifecycle,
// scoring, and security events for the web tier and monitoring to
// consume, and subscribes to registration probes so a login can be
// vouched for without opening a game connection.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// NATS subject patterns used around the room server.
const (
	SubjectRoomDescribe = "room.describe" // + .<room> (state changes)
	SubjectRoomCleared  = "room.cleared"  // + .<room>
	SubjectGameScored   = "game.scored"   // + .<room>
	SubjectSecurityBan  = "security.ban"
	SubjectRegistration = "login.register"
)

// RoomEvent is the JSON payload for room lifecycle subjects.
type RoomEvent struct {
	Room       int    `json:"room"`
	Population int    `json:"population"`
	State      int    `json:"state"`
	GameID     int    `json:"game_id"`
	Info       string `json:"info,omitempty"`
	Ts         int64  `json:"ts"`
}

// BanEvent is the JSON payload for security.ban.
type BanEvent struct {
	Name   string `json:"name,omitempty"`
	UID    int    `json:"uid,omitempty"`
	IP     string `json:"ip,omitempty"`
	Reason string `json:"reason"`
	Ts     int64  `json:"ts"`
}

// Registration is the JSON payload the web tier publishes on
// login.register.
type Registration struct {
	Key  uint32 `json:"key"`
	Name string `json:"name"`
	UID  int    `json:"uid"`
	Aux  string `json:"aux,omitempty"`
}

// NATSClient wraps the NATS connection with helper methods for pub/sub.
type NATSClient struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// NATSConfig holds NATS connection settings.
type NATSConfig struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultNATSConfig returns sensible defaults.
func DefaultNATSConfig() NATSConfig {
	return NATSConfig{
		URL:           "nats://localhost:4222",
		Name:          "roomserver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewNATSClient connects to NATS with the given config and returns a ready client.
// It returns an error if the initial connection fails.
func NewNATSClient(config NATSConfig) (*NATSClient, error) {
	opts := []nats.Option{
		nats.Name(config.Name),
		nats.ReconnectWait(config.ReconnectWait),
		nats.MaxReconnects(config.MaxReconnects),
		nats.DisconnectErrHandler(func(_ *nats.Conn, err error) {
			if err != nil {
				log.Printf("[nats] disconnected: %v", err)
			} else {
				log.Printf("[nats] disconnected")
			}
		}),
		nats.ReconnectHandler(func(nc *nats.Conn) {
			log.Printf("[nats] reconnected to %s", nc.ConnectedUrl())
		}),
		nats.ClosedHandler(func(_ *nats.Conn) {
			log.Printf("[nats] connection closed")
		}),
	}

	nc, err := nats.Connect(config.URL, opts...)
	if err != nil {
		return nil, fmt.Errorf("nats connect: %w", err)
	}

	log.Printf("[nats] connected to %s", nc.ConnectedUrl())

	return &NATSClient{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// Publish sends data to the given NATS subject.
func (c *NATSClient) Publish(subject string, data []byte) error {
	return c.conn.Publish(subject, data)
}

// publishJSON marshals and publishes, logging rather than returning
// errors: event publication is advisory and must never fail a
// connection. Safe on a nil client so the bus is optional.
func (c *NATSClient) publishJSON(subject string, v interface{}) {
	if c == nil {
		return
	}
	data, err := json.Marshal(v)
	if err != nil {
		log.Printf("[nats] marshal %s: %v", subject, err)
		return
	}
	if err := c.Publish(subject, data); err != nil {
		log.Printf("[nats] publish %s: %v", subject, err)
	}
}

// PublishRoomDescribe announces a room state change.
func (c *NATSClient) PublishRoomDescribe(ev RoomEvent) {
	ev.Ts = time.Now().Unix()
	c.publishJSON(fmt.Sprintf("%s.%d", SubjectRoomDescribe, ev.Room), ev)
}

// PublishRoomCleared announces that a room was torn down.
func (c *NATSClient) PublishRoomCleared(ev RoomEvent) {
	ev.Ts = time.Now().Unix()
	c.publishJSON(fmt.Sprintf("%s.%d", SubjectRoomCleared, ev.Room), ev)
}

// PublishGameScored announces a completed scoring handshake for a room.
func (c *NATSClient) PublishGameScored(ev RoomEvent) {
	ev.Ts = time.Now().Unix()
	c.publishJSON(fmt.Sprintf("%s.%d", SubjectGameScored, ev.Room), ev)
}

// PublishBan announces a ban for the web tier's abuse dashboard.
func (c *NATSClient) PublishBan(ev BanEvent) {
	ev.Ts = time.Now().Unix()
	c.publishJSON(SubjectSecurityBan, ev)
}

// SubscribeRegistration receives login registrations published by the
// web tier. Decode errors are logged and dropped.
func (c *NATSClient) SubscribeRegistration(handler func(Registration)) error {
	return c.Subscribe(SubjectRegistration, func(msg *nats.Msg) {
		var reg Registration
		if err := json.Unmarshal(msg.Data, &reg); err != nil {
			log.Printf("[nats] bad registration payload: %v", err)
			return
		}
		handler(reg)
	})
}

// Subscribe registers a handler for the given subject and stores the
// subscription internally for later cleanup.
func (c *NATSClient) Subscribe(subject string, handler func(msg *nats.Msg)) error {
	sub, err := c.conn.Subscribe(subject, handler)
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs[subject] = sub
	c.mu.Unlock()

	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *NATSClient) Close() {
	if c == nil {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()

	for subject, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", subject, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
