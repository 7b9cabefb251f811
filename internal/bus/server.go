package bus

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/coder/websocket"
)

// Server is the daemon-side websocket hub for cross-context event delivery.
//
// Events published on the daemon's local bus are broadcast to every connected
// client; events published by a client are delivered to the daemon's local
// subscribers and rebroadcast to all clients. Delivery is best-effort: the
// broadcast channel is bounded and drops when full.
type Server struct {
	addr     string
	listener net.Listener
	server   *http.Server

	bus *Bus

	clients   map[*websocket.Conn]bool
	clientsMu sync.RWMutex

	broadcast chan outbound

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	logger *log.Logger
}

// NewServer creates a hub bound to the given bus.
//
// port 0 asks the kernel for a free port; use Addr after Start to discover
// it. If logger is nil a default stderr logger is used.
func NewServer(b *Bus, port int, logger *log.Logger) *Server {
	if logger == nil {
		logger = log.New(log.Writer(), "[bus] ", log.LstdFlags)
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Server{
		addr:      fmt.Sprintf("127.0.0.1:%d", port),
		bus:       b,
		clients:   make(map[*websocket.Conn]bool),
		broadcast: make(chan outbound, 100),
		ctx:       ctx,
		cancel:    cancel,
		logger:    logger,
	}
}

// Start begins listening and attaches the server as the bus relay.
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.addr, err)
	}
	s.listener = ln

	mux := http.NewServeMux()
	mux.HandleFunc("/events", s.handleWebSocket)
	mux.HandleFunc("/health", s.handleHealth)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.bus.SetRelay(s)

	s.wg.Add(1)
	go s.broadcastLoop()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		s.logger.Printf("Event hub listening on %s", ln.Addr())
		if err := s.server.Serve(ln); err != nil && err != http.ErrServerClosed {
			s.logger.Printf("Server error: %v", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the hub.
func (s *Server) Stop() error {
	s.cancel()
	s.bus.SetRelay(nil)

	s.clientsMu.Lock()
	for conn := range s.clients {
		_ = conn.Close(websocket.StatusGoingAway, "server shutting down")
		delete(s.clients, conn)
	}
	s.clientsMu.Unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("hub shutdown error: %w", err)
	}

	s.wg.Wait()
	return nil
}

// Addr returns the hub's listening address.
func (s *Server) Addr() string {
	if s.listener != nil {
		return s.listener.Addr().String()
	}
	return s.addr
}

// ClientCount returns the number of connected clients.
func (s *Server) ClientCount() int {
	s.clientsMu.RLock()
	defer s.clientsMu.RUnlock()
	return len(s.clients)
}

// outbound pairs an event with the connection it came from, so a publishing
// client is not echoed its own event.
type outbound struct {
	evt    Event
	origin *websocket.Conn
}

// Forward implements Relay: queue a locally-published event for broadcast.
func (s *Server) Forward(evt Event) {
	s.enqueue(outbound{evt: evt})
}

// enqueue pushes an outbound event, dropping when the channel is full.
func (s *Server) enqueue(out outbound) {
	select {
	case s.broadcast <- out:
	case <-s.ctx.Done():
	default:
		s.logger.Println("Warning: broadcast channel full, dropping event")
	}
}

// broadcastLoop sends queued events to every connected client.
func (s *Server) broadcastLoop() {
	defer s.wg.Done()

	for {
		select {
		case <-s.ctx.Done():
			return

		case out := <-s.broadcast:
			data, err := json.Marshal(out.evt)
			if err != nil {
				s.logger.Printf("Failed to marshal event: %v", err)
				continue
			}

			s.clientsMu.RLock()
			clients := make([]*websocket.Conn, 0, len(s.clients))
			for conn := range s.clients {
				if conn != out.origin {
					clients = append(clients, conn)
				}
			}
			s.clientsMu.RUnlock()

			for _, conn := range clients {
				ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
				err := conn.Write(ctx, websocket.MessageText, data)
				cancel()

				if err != nil {
					s.logger.Printf("Failed to send to client: %v", err)
					s.removeClient(conn)
				}
			}
		}
	}
}

// handleWebSocket upgrades a connection and starts its read loop.
func (s *Server) handleWebSocket(w http.ResponseWriter, r *http.Request) {
	conn, err := websocket.Accept(w, r, &websocket.AcceptOptions{
		OriginPatterns: []string{"*"}, // localhost-only listener
	})
	if err != nil {
		s.logger.Printf("WebSocket upgrade failed: %v", err)
		return
	}

	s.clientsMu.Lock()
	s.clients[conn] = true
	count := len(s.clients)
	s.clientsMu.Unlock()

	s.logger.Printf("Observer connected (total: %d)", count)

	go s.readLoop(conn)
}

// readLoop handles events published by a foreground context: deliver to the
// daemon's local subscribers and rebroadcast to everyone else.
func (s *Server) readLoop(conn *websocket.Conn) {
	defer s.removeClient(conn)

	for {
		_, data, err := conn.Read(s.ctx)
		if err != nil {
			return
		}

		var evt Event
		if err := json.Unmarshal(data, &evt); err != nil {
			s.logger.Printf("Dropping malformed event: %v", err)
			continue
		}

		s.bus.deliver(evt)
		s.enqueue(outbound{evt: evt, origin: conn})
	}
}

// removeClient drops a client connection.
func (s *Server) removeClient(conn *websocket.Conn) {
	s.clientsMu.Lock()
	if _, exists := s.clients[conn]; exists {
		delete(s.clients, conn)
		count := len(s.clients)
		s.clientsMu.Unlock()

		_ = conn.Close(websocket.StatusNormalClosure, "")
		s.logger.Printf("Observer disconnected (total: %d)", count)
		return
	}
	s.clientsMu.Unlock()
}

// handleHealth reports hub liveness and client count.
func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.clientsMu.RLock()
	count := len(s.clients)
	s.clientsMu.RUnlock()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"status":  "ok",
		"clients": count,
	})
}
