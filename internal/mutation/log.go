// Package mutation implements the append-only mutation log: the versioned,
// totally ordered record of every index create/drop/rebuild and its
// rationale. Writers serialize through a single goroutine; ids are strictly
// monotonic; a local msgpack journal receives each record before the
// database does.
package mutation

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/indexpilot/indexpilot/internal/domain"
)

type appendRequest struct {
	m     domain.Mutation
	reply chan appendResult
}

type appendResult struct {
	id  int64
	err error
}

// Log is the mutation log writer and read surface.
type Log struct {
	store   Store
	journal *Journal // nil in tests
	log     zerolog.Logger

	in      chan appendRequest
	nextID  int64
	stopped chan struct{}

	subs *subscribers
}

// Open creates the log, resuming id allocation from the store's high water
// mark.
func Open(ctx context.Context, store Store, journal *Journal, log zerolog.Logger) (*Log, error) {
	max, err := store.MaxID(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to read mutation log high water mark: %w", err)
	}
	return &Log{
		store:   store,
		journal: journal,
		log:     log.With().Str("component", "mutation_log").Logger(),
		in:      make(chan appendRequest, 64),
		nextID:  max + 1,
		stopped: make(chan struct{}),
		subs:    newSubscribers(),
	}, nil
}

// Run is the single writer loop. It drains pending appends before exiting so
// a graceful shutdown never loses acknowledged records.
func (l *Log) Run(ctx context.Context) {
	defer close(l.stopped)

	for {
		select {
		case req := <-l.in:
			l.handle(req)
		case <-ctx.Done():
			// Drain whatever is already queued.
			for {
				select {
				case req := <-l.in:
					l.handle(req)
				default:
					return
				}
			}
		}
	}
}

// Wait blocks until the writer loop has exited.
func (l *Log) Wait() {
	<-l.stopped
}

func (l *Log) handle(req appendRequest) {
	m := req.m
	m.ID = l.nextID
	if m.Timestamp.IsZero() {
		m.Timestamp = time.Now().UTC()
	}

	// Journal before the database: the journal is the forensic record that
	// must survive a crash between intent and effect.
	if l.journal != nil {
		if err := l.journal.Append(m); err != nil {
			req.reply <- appendResult{err: fmt.Errorf("journal append failed: %w", err)}
			return
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	err := l.store.Insert(ctx, m)
	cancel()
	if err != nil {
		req.reply <- appendResult{err: err}
		return
	}

	l.nextID++
	l.log.Debug().
		Int64("mid", m.ID).
		Str("action", string(m.Action)).
		Str("table", m.Table).
		Str("index", m.Index).
		Msg("Mutation recorded")

	l.subs.publish(m)
	req.reply <- appendResult{id: m.ID}
}

// Append writes one record and returns its assigned id. The record is durable
// (journal + store) when Append returns.
func (l *Log) Append(ctx context.Context, m domain.Mutation) (int64, error) {
	req := appendRequest{m: m, reply: make(chan appendResult, 1)}
	select {
	case l.in <- req:
	case <-ctx.Done():
		return 0, ctx.Err()
	}
	select {
	case res := <-req.reply:
		return res.id, res.err
	case <-ctx.Done():
		return 0, ctx.Err()
	}
}

// Since returns records with id greater than mid, oldest first.
func (l *Log) Since(ctx context.Context, mid int64, limit int) ([]domain.Mutation, error) {
	return l.store.Since(ctx, mid, limit)
}

// Get returns one record by id, nil when absent.
func (l *Log) Get(ctx context.Context, mid int64) (*domain.Mutation, error) {
	return l.store.Get(ctx, mid)
}

// Subscribe registers a listener for newly appended records. The returned
// cancel function must be called to release the subscription. Slow listeners
// miss records instead of blocking the writer.
func (l *Log) Subscribe() (<-chan domain.Mutation, func()) {
	return l.subs.subscribe()
}
