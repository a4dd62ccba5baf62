package hub

import "sync"

// Conn is the registry's handle for one live client. Outbound frames are queued on a buffered
// channel that exactly one writer drains, which keeps per-connection delivery order.
type Conn struct {
	id   string
	send chan []byte

	mu      sync.RWMutex
	userID  string
	hasUser bool
}

// NewConn creates a handle with an outbound buffer of the given size.
func NewConn(id string, buffer int) *Conn {
	if buffer <= 0 {
		buffer = 256
	}
	return &Conn{
		id:   id,
		send: make(chan []byte, buffer),
	}
}

func (c *Conn) ID() string { return c.id }

// Outbound yields queued frames. It is closed once the connection is unregistered.
func (c *Conn) Outbound() <-chan []byte { return c.send }

// UserID returns the identity announced with join, if any.
func (c *Conn) UserID() (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.userID, c.hasUser
}

func (c *Conn) bind(userID string) {
	c.mu.Lock()
	c.userID = userID
	c.hasUser = true
	c.mu.Unlock()
}
