package client

import (
	"fmt"
	"net"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/dnd-stuff/sheetsync/internal/packets"
)

// Client represents a player connected over a websocket.
type Client struct {
	connection *websocket.Conn
	ipAddr     string
	port       string

	writeTimeout time.Duration
	// gorilla/websocket allows one concurrent writer; the reading goroutine
	// and the broadcast forwarder both write.
	writeMu sync.Mutex
	// Set by KeepAlive; pushes the read deadline out after each frame.
	extendDeadline func()

	// Identity assigned during the handshake. Only the goroutine reading from
	// the client touches these.
	ID         uint32
	Identified bool

	// Debugging information used for logging purposes.
	DebugTags map[string]interface{}
}

func NewClient(connection *websocket.Conn, writeTimeout time.Duration) *Client {
	c := &Client{
		connection:   connection,
		writeTimeout: writeTimeout,
		DebugTags:    make(map[string]interface{}),
	}
	if host, port, err := net.SplitHostPort(connection.RemoteAddr().String()); err == nil {
		c.ipAddr, c.port = host, port
	} else {
		c.ipAddr = connection.RemoteAddr().String()
	}
	return c
}

func (c *Client) IPAddr() string { return c.ipAddr }
func (c *Client) Port() string   { return c.port }

// Identify records the id the client is known by from now on.
func (c *Client) Identify(id uint32) {
	c.ID = id
	c.Identified = true
}

// KeepAlive bounds inbound frames to maxSize and closes the connection if
// nothing (frame or pong) arrives within pongWait.
func (c *Client) KeepAlive(maxSize int64, pongWait time.Duration) {
	if maxSize > 0 {
		c.connection.SetReadLimit(maxSize)
	}
	if pongWait <= 0 {
		return
	}
	_ = c.connection.SetReadDeadline(time.Now().Add(pongWait))
	c.connection.SetPongHandler(func(string) error {
		return c.connection.SetReadDeadline(time.Now().Add(pongWait))
	})
	c.extendDeadline = func() {
		_ = c.connection.SetReadDeadline(time.Now().Add(pongWait))
	}
}

// ReadMessage blocks until the next data frame arrives.
func (c *Client) ReadMessage() (messageType int, data []byte, err error) {
	messageType, data, err = c.connection.ReadMessage()
	if err == nil && c.extendDeadline != nil {
		c.extendDeadline()
	}
	return messageType, data, err
}

// Send serializes a message and writes it to the client as a text frame.
func (c *Client) Send(msg packets.ServerMessage) error {
	data, err := packets.Encode(msg)
	if err != nil {
		return err
	}
	return c.SendRaw(data)
}

// SendRaw writes data to the client as-is in a single text frame.
func (c *Client) SendRaw(data []byte) error {
	c.writeMu.Lock()
	defer c.writeMu.Unlock()

	if c.writeTimeout > 0 {
		_ = c.connection.SetWriteDeadline(time.Now().Add(c.writeTimeout))
	}
	if err := c.connection.WriteMessage(websocket.TextMessage, data); err != nil {
		return fmt.Errorf("failed to send to client %v: %w", c.IPAddr(), err)
	}
	return nil
}

// Ping sends a keepalive ping.
func (c *Client) Ping() error {
	return c.connection.WriteControl(websocket.PingMessage, nil, time.Now().Add(c.controlTimeout()))
}

// Close sends a close frame (best effort) and closes the underlying connection.
func (c *Client) Close() error {
	_ = c.connection.WriteControl(
		websocket.CloseMessage,
		websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
		time.Now().Add(c.controlTimeout()),
	)
	return c.connection.Close()
}

func (c *Client) controlTimeout() time.Duration {
	if c.writeTimeout > 0 {
		return c.writeTimeout
	}
	return time.Second
}
