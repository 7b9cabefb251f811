package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Client attaches a foreground context's bus to the daemon's event hub.
//
// Locally published events are forwarded upstream; events arriving from the
// hub are delivered to local subscribers. The connection is best-effort: if
// the daemon is not running, callers simply operate with a local-only bus.
type Client struct {
	conn *websocket.Conn
	bus  *Bus

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// Dial connects to the daemon hub at addr (host:port) and wires the bus.
func Dial(ctx context.Context, addr string, b *Bus, logger *log.Logger) (*Client, error) {
	if logger == nil {
		logger = log.New(log.Writer(), "[bus] ", log.LstdFlags)
	}

	dialCtx, dialCancel := context.WithTimeout(ctx, 3*time.Second)
	defer dialCancel()

	conn, _, err := websocket.Dial(dialCtx, fmt.Sprintf("ws://%s/events", addr), nil)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to event hub at %s: %w", addr, err)
	}

	runCtx, cancel := context.WithCancel(context.Background())

	c := &Client{
		conn:   conn,
		bus:    b,
		ctx:    runCtx,
		cancel: cancel,
		logger: logger,
	}

	b.SetRelay(c)

	c.wg.Add(1)
	go c.readLoop()

	return c, nil
}

// Forward implements Relay: push a locally-published event to the hub.
func (c *Client) Forward(evt Event) {
	data, err := json.Marshal(evt)
	if err != nil {
		c.logger.Printf("Failed to marshal event: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(c.ctx, 5*time.Second)
	defer cancel()

	if err := c.conn.Write(ctx, websocket.MessageText, data); err != nil {
		c.logger.Printf("Failed to forward event: %v", err)
	}
}

// readLoop delivers hub events to local subscribers.
func (c *Client) readLoop() {
	defer c.wg.Done()

	for {
		_, data, err := c.conn.Read(c.ctx)
		if err != nil {
			return
		}

		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			c.logger.Printf("Dropping malformed event: %v", err)
			continue
		}

		c.bus.deliver(evt)
	}
}

// Close detaches from the hub.
func (c *Client) Close() error {
	c.bus.SetRelay(nil)
	c.cancel()
	err := c.conn.Close(websocket.StatusNormalClosure, "")
	c.wg.Wait()
	return err
}
