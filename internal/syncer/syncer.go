// Package syncer drains the capture queue: it attempts delivery of every
// queued record, deletes on success, and enforces the bounded-retry policy.
//
// A drain is safe to invoke concurrently from the foreground CLI and the
// background daemon. Each record's terminal transition (delete, or a bounded
// retry-count update) is a self-contained atomic store operation; two drains
// racing on the same record either both deliver it (at-least-once semantics)
// or one finds it already deleted, which counts as success.
package syncer

import (
	"context"
	"errors"
	"fmt"
	"log"
	"os"
	"time"

	"github.com/fieldnote/fieldnote/internal/bus"
	"github.com/fieldnote/fieldnote/internal/codec"
	"github.com/fieldnote/fieldnote/internal/record"
	"github.com/fieldnote/fieldnote/internal/store"
	"github.com/fieldnote/fieldnote/internal/transport"
)

// MaxRetries is the retry ceiling. A record whose retry count would reach
// this value after a failed attempt is evicted instead of updated, bounding
// queue growth from permanently undeliverable captures.
const MaxRetries = 5

// Outcome classifies a single delivery attempt.
type Outcome string

const (
	// OutcomeDelivered means the backend accepted the capture.
	OutcomeDelivered Outcome = "delivered"

	// OutcomeRetryable means a transport failure or a transient server
	// error; the record stays queued until the retry ceiling.
	OutcomeRetryable Outcome = "retryable-failure"

	// OutcomePermanent means the server rejected the payload as invalid;
	// the record is evicted immediately since retrying cannot succeed.
	OutcomePermanent Outcome = "permanent-failure"

	// OutcomeCorrupted means the stored record is missing its required
	// shape. It is excluded from retry accounting and left in place for
	// manual inspection.
	OutcomeCorrupted Outcome = "corrupted"
)

// RecordResult is the per-record entry in a drain's result set.
type RecordResult struct {
	ID      string      `json:"id"`
	Kind    record.Kind `json:"kind"`
	Outcome Outcome     `json:"outcome"`
	Err     string      `json:"error,omitempty"`
	Evicted bool        `json:"evicted,omitempty"`
}

// Result aggregates one drain pass.
type Result struct {
	Synced  int            `json:"synced"`
	Failed  int            `json:"failed"`
	Evicted int            `json:"evicted"`
	Results []RecordResult `json:"results"`
}

// ProgressFunc observes per-record outcomes as a drain proceeds.
type ProgressFunc func(RecordResult)

// Engine iterates the queue and attempts delivery.
type Engine struct {
	store   *store.Store
	client  *transport.Client
	bus     *bus.Bus
	control map[string]string
	logger  *log.Logger
}

// New creates a sync engine. If logger is nil, a default stderr logger is
// used.
func New(st *store.Store, client *transport.Client, b *bus.Bus, control map[string]string, logger *log.Logger) *Engine {
	if logger == nil {
		logger = log.New(os.Stderr, "[syncer] ", log.LstdFlags)
	}
	return &Engine{
		store:   st,
		client:  client,
		bus:     b,
		control: control,
		logger:  logger,
	}
}

// Drain attempts delivery of every currently queued record.
//
// The record set is a snapshot taken at start; records enqueued mid-drain
// are picked up by the next one. A single record's failure never aborts the
// rest of the pass. onProgress, when non-nil, is called after each record.
// A top-level store failure propagates to the caller.
func (e *Engine) Drain(ctx context.Context, onProgress ProgressFunc) (*Result, error) {
	recs, err := e.store.GetAllContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read queue: %w", err)
	}

	res := &Result{Results: []RecordResult{}}

	for _, rec := range recs {
		rr := e.attempt(ctx, rec)

		res.Results = append(res.Results, rr)
		switch rr.Outcome {
		case OutcomeDelivered:
			res.Synced++
		default:
			res.Failed++
		}
		if rr.Evicted {
			res.Evicted++
		}

		if onProgress != nil {
			onProgress(rr)
		}
	}

	perRecord := make([]bus.SyncResultData, 0, len(res.Results))
	for _, rr := range res.Results {
		perRecord = append(perRecord, bus.SyncResultData{
			ID:      rr.ID,
			Kind:    rr.Kind,
			Outcome: string(rr.Outcome),
			Error:   rr.Err,
			Evicted: rr.Evicted,
		})
	}
	e.bus.Publish(bus.NewEvent(bus.EventSyncComplete, bus.SyncCompleteData{
		Synced:  res.Synced,
		Failed:  res.Failed,
		Evicted: res.Evicted,
		Results: perRecord,
	}))

	e.logger.Printf("Drain complete: synced=%d failed=%d evicted=%d", res.Synced, res.Failed, res.Evicted)

	return res, nil
}

// attempt processes a single record through validate, decode, deliver, and
// the success/failure bookkeeping.
func (e *Engine) attempt(ctx context.Context, rec *record.Record) RecordResult {
	rr := RecordResult{ID: rec.ID, Kind: rec.Kind}

	// Corrupted records are terminal without touching the retry count:
	// retries cannot possibly succeed, and silently deleting user data is
	// worse than leaving it visible for manual clearing.
	sub, err := codec.Decode(rec)
	if err != nil {
		if errors.Is(err, codec.ErrCorrupted) {
			e.logger.Printf("Corrupted record %s: %v", rec.ID, err)
			rr.Outcome = OutcomeCorrupted
			rr.Err = err.Error()
			return rr
		}
		rr.Outcome = OutcomeRetryable
		rr.Err = err.Error()
		e.recordFailure(ctx, rec, &rr)
		return rr
	}

	_, err = e.client.Deliver(ctx, sub, rec.AuthToken, e.control)
	if err == nil {
		// A failed delete means the record will be attempted again next
		// drain; duplicate delivery is acceptable under at-least-once.
		if derr := e.store.DeleteContext(ctx, rec.ID); derr != nil {
			e.logger.Printf("Warning: delivered %s but failed to dequeue: %v", rec.ID, derr)
		}

		e.bus.Publish(bus.NewEvent(bus.EventSynced, bus.SyncedData{ID: rec.ID}))

		rr.Outcome = OutcomeDelivered
		return rr
	}

	rr.Err = err.Error()
	var se *transport.StatusError
	if errors.As(err, &se) && se.Permanent() {
		// The server has rejected the payload as invalid; burning the
		// remaining retries on an identical request cannot succeed.
		rr.Outcome = OutcomePermanent
		e.evict(ctx, rec, &rr)
		return rr
	}

	rr.Outcome = OutcomeRetryable
	e.recordFailure(ctx, rec, &rr)
	return rr
}

// recordFailure applies the bounded-retry policy after a failed attempt.
func (e *Engine) recordFailure(ctx context.Context, rec *record.Record, rr *RecordResult) {
	if rec.RetryCount+1 >= MaxRetries {
		e.evict(ctx, rec, rr)
		return
	}

	now := time.Now().UTC()
	rec.RetryCount++
	rec.LastAttemptAt = &now

	// Best-effort: a failure to persist the retry count just means the
	// record is retried with a stale count next cycle.
	if err := e.store.UpdateContext(ctx, rec); err != nil {
		e.logger.Printf("Warning: failed to persist retry count for %s: %v", rec.ID, err)
	}
}

// evict deletes a record that has exhausted its retries or been permanently
// rejected. This is the one place queued user data is lost, so it logs loudly.
func (e *Engine) evict(ctx context.Context, rec *record.Record, rr *RecordResult) {
	e.logger.Printf("Evicting %s capture %s after %d retries: %s", rec.Kind, rec.ID, rec.RetryCount, rr.Err)
	if err := e.store.DeleteContext(ctx, rec.ID); err != nil {
		e.logger.Printf("Warning: failed to evict %s: %v", rec.ID, err)
		return
	}
	rr.Evicted = true
}
