// Package dispatch decides, per capture, whether to attempt immediate
// delivery or persist the capture for a later drain.
//
// The decision tree: offline → queue; online and accepted → pass the server
// response through; online but transport failed → queue; online but the
// server rejected the payload → return the rejection to the caller unchanged
// (an input error the user can correct is never queued).
package dispatch

import (
	"context"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"time"

	"github.com/fieldnote/fieldnote/internal/bus"
	"github.com/fieldnote/fieldnote/internal/codec"
	"github.com/fieldnote/fieldnote/internal/record"
	"github.com/fieldnote/fieldnote/internal/store"
	"github.com/fieldnote/fieldnote/internal/transport"
)

// TriggerFile is the fixed background-trigger identifier. The dispatcher
// touches this file in the data directory after an enqueue; the daemon
// watches it and drains in response.
const TriggerFile = "capture-sync.trigger"

// Status is the outcome of a Submit call.
type Status string

const (
	// StatusSent means the backend durably accepted the capture.
	StatusSent Status = "sent"

	// StatusQueued means the capture was persisted for a later drain.
	StatusQueued Status = "queued"
)

// Result reports what happened to a submission.
type Result struct {
	Status Status

	// ID is the queued record's id; empty when the capture was sent
	// directly.
	ID string

	// Response is the server's raw response body, passed through unchanged
	// on direct delivery.
	Response []byte
}

// Dispatcher routes captures between direct delivery and the durable queue.
type Dispatcher struct {
	store     *store.Store
	client    *transport.Client
	bus       *bus.Bus
	authToken string
	control   map[string]string
	dataDir   string
	logger    *log.Logger
}

// New creates a dispatcher. control carries the universal backend toggles
// attached to every delivery; dataDir is where the trigger file lives.
func New(st *store.Store, client *transport.Client, b *bus.Bus, authToken string, control map[string]string, dataDir string, logger *log.Logger) *Dispatcher {
	if logger == nil {
		logger = log.New(os.Stderr, "[dispatch] ", log.LstdFlags)
	}
	return &Dispatcher{
		store:     st,
		client:    client,
		bus:       b,
		authToken: authToken,
		control:   control,
		dataDir:   dataDir,
		logger:    logger,
	}
}

// Submit captures a submission: deliver now if possible, otherwise queue.
//
// A storage failure during enqueue propagates to the caller: the capture is
// reported lost rather than silently dropped. A server rejection propagates
// unchanged and is never queued.
func (d *Dispatcher) Submit(ctx context.Context, kind record.Kind, fields []record.Field) (*Result, error) {
	if !d.client.Online(ctx) {
		d.logger.Printf("Offline, queueing %s capture", kind)
		return d.enqueue(ctx, kind, fields)
	}

	sub := &codec.Submission{
		Endpoint: record.EndpointFor(kind),
		Kind:     kind,
		Fields:   fields,
	}

	receipt, err := d.client.Deliver(ctx, sub, d.authToken, d.control)
	if err == nil {
		d.logger.Printf("Delivered %s capture directly", kind)
		return &Result{Status: StatusSent, Response: receipt.Body}, nil
	}

	if transport.IsTransportError(err) {
		d.logger.Printf("Transport failure for %s capture, queueing: %v", kind, err)
		return d.enqueue(ctx, kind, fields)
	}

	// Application-level rejection: caller-correctable, not queued.
	return nil, err
}

// enqueue encodes and persists the capture, then notifies observers and
// registers the background trigger.
func (d *Dispatcher) enqueue(ctx context.Context, kind record.Kind, fields []record.Field) (*Result, error) {
	rec, err := codec.Encode(kind, fields, d.authToken)
	if err != nil {
		return nil, err
	}

	if err := d.store.PutContext(ctx, rec); err != nil {
		return nil, fmt.Errorf("failed to queue capture: %w", err)
	}

	d.bus.Publish(bus.NewEvent(bus.EventQueued, bus.QueuedData{
		ID:       rec.ID,
		Kind:     rec.Kind,
		QueuedAt: rec.CreatedAt,
	}))

	d.registerTrigger()

	return &Result{Status: StatusQueued, ID: rec.ID}, nil
}

// registerTrigger touches the trigger file so a running daemon wakes up and
// drains. Best-effort: a missing daemon or an unwritable data dir only costs
// promptness, not durability.
func (d *Dispatcher) registerTrigger() {
	path := filepath.Join(d.dataDir, TriggerFile)
	stamp := time.Now().UTC().Format(time.RFC3339Nano) + "\n"
	if err := os.WriteFile(path, []byte(stamp), 0644); err != nil {
		d.logger.Printf("Warning: failed to touch sync trigger: %v", err)
	}
}
