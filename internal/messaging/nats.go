// Package messaging provides a NATS client wrapper for pushing user
// notifications from the API server to whichever chat server currently
// holds the user's live connection. It handles connection lifecycle and
// per-user subject subscriptions.
package messaging

import (
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/nats-io/nats.go"
)

// SubjectNotify is the subject prefix for per-user notifications
// (notify.user.<user_id>).
const SubjectNotify = "notify.user"

// Notification kinds published on the notify subjects.
const (
	KindFriendRequest  = "friend_request"
	KindFriendAccepted = "friend_accepted"
	KindWallPost       = "wall_post"
)

// Notification is the payload published to notify.user.<user_id>.
type Notification struct {
	Kind     string `json:"kind"`
	FromID   string `json:"from_id"`
	FromName string `json:"from_name"`
}

// Client wraps the NATS connection with helper methods for the
// notification bus.
type Client struct {
	conn *nats.Conn
	mu   sync.Mutex
	subs map[string]*nats.Subscription
}

// Config holds NATS connection settings.
type Config struct {
	URL           string        // nats://localhost:4222
	Name          string        // client name for identification
	ReconnectWait time.Duration // time between reconnect attempts
	MaxReconnects int           // max reconnect attempts (-1 for infinite)
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() Config {
	return Config{
		URL:           "nats://localhost:4222",
		Name:          "palaver",
		ReconnectWait: 2 * time.Second,
		MaxReconnects: -1, // infinite reconnects
	}
}

// NewClient connects to NATS with the given config and returns a ready
// client. It returns an error if the initial connection fails.
func NewClient(config Config) (*Client, error) {
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

	return &Client{
		conn: nc,
		subs: make(map[string]*nats.Subscription),
	}, nil
}

// PublishNotification publishes a notification to the user's notify
// subject.
func (c *Client) PublishNotification(userID string, n Notification) error {
	data, err := json.Marshal(n)
	if err != nil {
		return fmt.Errorf("nats marshal notification: %w", err)
	}
	return c.conn.Publish(SubjectNotify+"."+userID, data)
}

// SubscribeNotifications subscribes to a user's notify subject. The
// subscription is keyed by connID so that a user's multiple connections on
// the same server each hold their own subscription.
func (c *Client) SubscribeNotifications(userID, connID string, handler func(n Notification)) error {
	subject := SubjectNotify + "." + userID
	sub, err := c.conn.Subscribe(subject, func(msg *nats.Msg) {
		var n Notification
		if err := json.Unmarshal(msg.Data, &n); err != nil {
			log.Printf("[nats] bad notification on %s: %v", subject, err)
			return
		}
		handler(n)
	})
	if err != nil {
		return fmt.Errorf("nats subscribe %s: %w", subject, err)
	}

	c.mu.Lock()
	c.subs["notify:"+connID] = sub
	c.mu.Unlock()
	return nil
}

// UnsubscribeNotifications drops the notification subscription held for a
// connection. Unsubscribing a connection that never subscribed is an
// error the caller may ignore.
func (c *Client) UnsubscribeNotifications(connID string) error {
	key := "notify:" + connID

	c.mu.Lock()
	sub, ok := c.subs[key]
	if ok {
		delete(c.subs, key)
	}
	c.mu.Unlock()

	if !ok {
		return fmt.Errorf("nats: no subscription for connection %s", connID)
	}
	if err := sub.Unsubscribe(); err != nil {
		return fmt.Errorf("nats unsubscribe %s: %w", key, err)
	}
	return nil
}

// Close drains all active subscriptions and closes the NATS connection.
func (c *Client) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	for key, sub := range c.subs {
		if err := sub.Drain(); err != nil {
			log.Printf("[nats] drain %s: %v", key, err)
		}
	}
	c.subs = make(map[string]*nats.Subscription)

	if err := c.conn.Drain(); err != nil {
		log.Printf("[nats] connection drain: %v", err)
	}

	log.Printf("[nats] client closed")
}
