package db

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/directory"
	"github.com/apple/foundationdb/bindings/go/src/fdb/tuple"
	"github.com/driftpds/pds/internal/types"
	"go.opentelemetry.io/otel/attribute"
)

// The event log is the durable half of the firehose. Each frame is stored
// under its sequence number, and the sequence is allocated by a counter read
// and bumped in the same transaction that writes the row. That gives the log
// the shape subscribeRepos cursors assume: seqs are dense, start at 1, and a
// seq is never observable before the event it names is durable. Two writers
// racing on the counter conflict in FDB and the loser retries with the next
// number, so allocation is serialized without any in-process lock.
type eventDir struct {
	// log holds one row per event: (seq) -> JSON-encoded RepoEvent,
	// with Seq already filled in.
	log directory.DirectorySubspace

	// byHost indexes (pds_host, seq) -> nil so a host-scoped replay can
	// walk only its own slice of the log.
	byHost directory.DirectorySubspace

	// counter holds the single cell storing the last allocated seq as an
	// 8-byte big-endian integer. The same cell doubles as the watch target
	// that wakes the firehose poll loop.
	counter directory.DirectorySubspace
}

const seqCounterKey = "seq"

func (db *DB) initEventDirs() error {
	var err error

	db.eventDir.log, err = directory.CreateOrOpen(db.db, []string{"event_log"}, nil)
	if err != nil {
		return fmt.Errorf("failed to create event_log directory: %w", err)
	}

	db.eventDir.byHost, err = directory.CreateOrOpen(db.db, []string{"event_log_by_host"}, nil)
	if err != nil {
		return fmt.Errorf("failed to create event_log_by_host directory: %w", err)
	}

	db.eventDir.counter, err = directory.CreateOrOpen(db.db, []string{"event_seq"}, nil)
	if err != nil {
		return fmt.Errorf("failed to create event_seq directory: %w", err)
	}

	return nil
}

// nextSeqTx allocates the next sequence number within tx. Reading the counter
// cell puts it in the transaction's conflict range, which is what serializes
// concurrent appends.
func (db *DB) nextSeqTx(tx fdb.Transaction) (int64, error) {
	key := pack(db.eventDir.counter, seqCounterKey)

	val, err := tx.Get(key).Get()
	if err != nil {
		return 0, fmt.Errorf("failed to read seq counter: %w", err)
	}

	var last int64
	if len(val) == 8 {
		last = int64(binary.BigEndian.Uint64(val))
	}
	next := last + 1

	buf := make([]byte, 8)
	binary.BigEndian.PutUint64(buf, uint64(next))
	tx.Set(key, buf)

	return next, nil
}

// WriteEventTx assigns the event its seq and persists it, all inside the
// caller's transaction. Repo mutations call this alongside the root-pointer
// update so the commit, the new head, and the firehose frame land atomically.
// The assigned seq is written back into event.Seq and returned.
func (db *DB) WriteEventTx(tx fdb.Transaction, event *types.RepoEvent) (int64, error) {
	seq, err := db.nextSeqTx(tx)
	if err != nil {
		return 0, err
	}
	event.Seq = seq

	buf, err := json.Marshal(event)
	if err != nil {
		return 0, fmt.Errorf("failed to marshal event: %w", err)
	}

	tx.Set(pack(db.eventDir.log, seq), buf)
	tx.Set(pack(db.eventDir.byHost, event.PdsHost, seq), nil)

	return seq, nil
}

// WriteIdentityEvent sequences and persists a handle-change frame. Identity
// changes happen outside any repo mutation, so this opens its own transaction.
func (db *DB) WriteIdentityEvent(ctx context.Context, event *types.RepoEvent) (err error) {
	_, _, done := db.observe(ctx, "WriteIdentityEvent")
	defer func() { done(err) }()

	_, err = transaction(db.db, func(tx fdb.Transaction) (int64, error) {
		return db.WriteEventTx(tx, event)
	})
	return err
}

// WriteAccountEvent sequences and persists an account lifecycle frame
// (deactivation, takedown, deletion, reactivation).
func (db *DB) WriteAccountEvent(ctx context.Context, event *types.RepoEvent) (err error) {
	_, _, done := db.observe(ctx, "WriteAccountEvent")
	defer func() { done(err) }()

	_, err = transaction(db.db, func(tx fdb.Transaction) (int64, error) {
		return db.WriteEventTx(tx, event)
	})
	return err
}

// decodeEventRow unmarshals a stored frame and checks that the row agrees
// with the key it was found under.
func decodeEventRow(buf []byte, seq int64) (*types.RepoEvent, error) {
	var event types.RepoEvent
	if err := json.Unmarshal(buf, &event); err != nil {
		return nil, fmt.Errorf("failed to unmarshal event %d: %w", seq, err)
	}
	if event.Seq != seq {
		return nil, fmt.Errorf("event row %d carries seq %d", seq, event.Seq)
	}
	return &event, nil
}

// seqFromKey recovers the trailing seq element of a tuple-packed index key.
func seqFromKey(dir directory.DirectorySubspace, key fdb.Key) (int64, bool) {
	tup, err := dir.Unpack(key)
	if err != nil || len(tup) == 0 {
		return 0, false
	}
	seq, ok := tup[len(tup)-1].(int64)
	return seq, ok
}

// GetEventsSince reads up to limit events with seq > afterSeq, in seq order.
// afterSeq 0 reads from the beginning of the log. Because seqs are dense the
// caller resumes with the last returned event's Seq; no opaque cursor needed.
func (db *DB) GetEventsSince(ctx context.Context, afterSeq int64, limit int) (events []*types.RepoEvent, err error) {
	_, span, done := db.observe(ctx, "GetEventsSince")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.Int64("after_seq", afterSeq),
		attribute.Int("limit", limit),
	)

	events, err = readTransaction(db.db, func(tx fdb.ReadTransaction) ([]*types.RepoEvent, error) {
		rng := fdb.KeyRange{
			Begin: pack(db.eventDir.log, afterSeq+1),
			End:   fdb.Key(append(db.eventDir.log.Bytes(), 0xFF)),
		}

		var out []*types.RepoEvent
		iter := tx.GetRange(rng, fdb.RangeOptions{Limit: limit}).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, fmt.Errorf("failed to iterate event_log: %w", err)
			}

			seq, ok := seqFromKey(db.eventDir.log, kv.Key)
			if !ok {
				continue
			}

			event, err := decodeEventRow(kv.Value, seq)
			if err != nil {
				return nil, err
			}
			out = append(out, event)
		}

		return out, nil
	})

	if err == ErrNotFound {
		return nil, nil
	}
	return
}

// GetEventsSinceForHost is GetEventsSince restricted to one PDS host. It
// walks the by-host index instead of the main log, so a host-scoped replay on
// a multi-tenant server never scans other hosts' events.
func (db *DB) GetEventsSinceForHost(ctx context.Context, host string, afterSeq int64, limit int) (events []*types.RepoEvent, err error) {
	_, span, done := db.observe(ctx, "GetEventsSinceForHost")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.String("pds_host", host),
		attribute.Int64("after_seq", afterSeq),
		attribute.Int("limit", limit),
	)

	events, err = readTransaction(db.db, func(tx fdb.ReadTransaction) ([]*types.RepoEvent, error) {
		rng := fdb.KeyRange{
			Begin: pack(db.eventDir.byHost, host, afterSeq+1),
			End:   fdb.Key(append(db.eventDir.byHost.Pack(tuple.Tuple{host}), 0xFF)),
		}

		var out []*types.RepoEvent
		iter := tx.GetRange(rng, fdb.RangeOptions{Limit: limit}).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, fmt.Errorf("failed to iterate event_log_by_host: %w", err)
			}

			seq, ok := seqFromKey(db.eventDir.byHost, kv.Key)
			if !ok {
				continue
			}

			buf, err := tx.Get(pack(db.eventDir.log, seq)).Get()
			if err != nil {
				return nil, fmt.Errorf("failed to load event %d: %w", seq, err)
			}
			if len(buf) == 0 {
				// index row without a log row; skip
				continue
			}

			event, err := decodeEventRow(buf, seq)
			if err != nil {
				return nil, err
			}
			out = append(out, event)
		}

		return out, nil
	})

	if err == ErrNotFound {
		return nil, nil
	}
	return
}

// GetLatestSeq returns the last allocated sequence number, or 0 when no event
// has ever been written. On startup this seeds where live tailing begins.
func (db *DB) GetLatestSeq(ctx context.Context) (seq int64, err error) {
	_, span, done := db.observe(ctx, "GetLatestSeq")
	defer func() { done(err) }()

	seq, err = readTransaction(db.db, func(tx fdb.ReadTransaction) (int64, error) {
		val, err := tx.Get(pack(db.eventDir.counter, seqCounterKey)).Get()
		if err != nil {
			return 0, err
		}
		if len(val) != 8 {
			return 0, nil
		}
		return int64(binary.BigEndian.Uint64(val)), nil
	})

	if err == ErrNotFound {
		return 0, nil
	}

	span.SetAttributes(attribute.Int64("seq", seq))
	return
}

// WatchLatestSeq returns a future that resolves when the seq counter next
// changes, i.e. when a new event has been committed. The firehose blocks on
// this instead of polling.
func (db *DB) WatchLatestSeq(ctx context.Context) (fdb.FutureNil, error) {
	var watch fdb.FutureNil

	_, err := db.db.Transact(func(tx fdb.Transaction) (any, error) {
		watch = tx.Watch(pack(db.eventDir.counter, seqCounterKey))
		return nil, nil
	})
	if err != nil {
		return nil, err
	}

	return watch, nil
}
