package db

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/driftpds/pds/internal/at"
	"github.com/driftpds/pds/internal/types"
	"go.opentelemetry.io/otel/attribute"
)

// Record rows mirror the repo's MST leaves into a directly queryable index:
// the MST is authoritative for sync, the rows serve getRecord/listRecords
// without walking the tree. Both are written in the same transaction by the
// repo mutations, so they can't drift.

func recordKey(db *DB, did, collection, rkey string) fdb.Key {
	return pack(db.records.records, did, collection, rkey)
}

// cacheRecord/invalidateRecord manage the read-through cache in front of
// GetRecord. Invalidation happens inside mutating transactions; an FDB retry
// after invalidation only costs a cache miss, never a stale hit.
func (db *DB) cacheRecord(uri string, buf []byte) {
	db.recordCache.Add(uri, buf)
}

func (db *DB) invalidateRecord(uri string) {
	db.recordCache.Remove(uri)
}

// saveRecordTx writes a record row within the caller's transaction.
func (db *DB) saveRecordTx(tx fdb.Transaction, record *types.Record) error {
	switch {
	case record.Did == "" || record.Collection == "" || record.Rkey == "":
		return fmt.Errorf("record is missing its path")
	case record.Cid == "":
		return fmt.Errorf("record is missing its cid")
	case len(record.Value) == 0:
		return fmt.Errorf("record has no value")
	}

	buf, err := json.Marshal(record)
	if err != nil {
		return fmt.Errorf("failed to marshal record: %w", err)
	}

	tx.Set(recordKey(db, record.Did, record.Collection, record.Rkey), buf)
	db.invalidateRecord(record.URI().String())
	return nil
}

// DeleteRecordTx clears a record row within the caller's transaction.
func (db *DB) DeleteRecordTx(tx fdb.Transaction, uri *at.URI) {
	tx.Clear(recordKey(db, uri.Repo, uri.Collection, uri.Rkey))
	db.invalidateRecord(uri.String())
}

// GetRecord loads one record by its AT URI, through the cache.
func (db *DB) GetRecord(ctx context.Context, uri string) (record *types.Record, err error) {
	_, span, done := db.observe(ctx, "GetRecord")
	defer func() { done(err) }()

	span.SetAttributes(attribute.String("uri", uri))

	aturi, err := at.ParseURI(uri)
	if err != nil {
		return nil, fmt.Errorf("invalid AT URI: %w", err)
	}

	buf, cached := db.recordCache.Get(aturi.String())
	if !cached {
		buf, err = readTransaction(db.db, func(tx fdb.ReadTransaction) ([]byte, error) {
			return tx.Get(recordKey(db, aturi.Repo, aturi.Collection, aturi.Rkey)).Get()
		})
		if err != nil {
			return nil, err
		}
		if len(buf) == 0 {
			return nil, ErrNotFound
		}
	}

	var r types.Record
	if err = json.Unmarshal(buf, &r); err != nil {
		return nil, fmt.Errorf("failed to unmarshal record: %w", err)
	}

	if !cached {
		db.cacheRecord(aturi.String(), buf)
	}
	return &r, nil
}

// incrementCollectionCountTx atomically increments the collection count for a (did, collection) pair.
func (db *DB) incrementCollectionCountTx(tx fdb.Transaction, did, collection string) {
	db.addToCollectionCountTx(tx, did, collection, 1)
}

// decrementCollectionCountTx atomically decrements the collection count for a (did, collection) pair.
func (db *DB) decrementCollectionCountTx(tx fdb.Transaction, did, collection string) {
	db.addToCollectionCountTx(tx, did, collection, -1)
}

func (db *DB) addToCollectionCountTx(tx fdb.Transaction, did, collection string, delta int64) {
	// FDB's Add mutation wants the operand little-endian; negative deltas
	// work out via two's complement
	operand := make([]byte, 8)
	binary.LittleEndian.PutUint64(operand, uint64(delta))
	tx.Add(pack(db.records.collectionCounts, did, collection), operand)
}

// ListRecordsResult contains one page of a collection listing.
type ListRecordsResult struct {
	Records []*types.Record
	Cursor  string
}

// collectionRange computes the key range for one (did, collection) page.
// cursor is the rkey boundary, exclusive in the direction of iteration.
func (db *DB) collectionRange(did, collection, cursor string, reverse bool) fdb.KeyRange {
	first := pack(db.records.records, did, collection)
	last := pack(db.records.records, did, collection+"\xff")

	if cursor == "" {
		return fdb.KeyRange{Begin: first, End: last}
	}
	if reverse {
		// everything strictly before the cursor's row
		return fdb.KeyRange{Begin: first, End: recordKey(db, did, collection, cursor)}
	}
	// everything strictly after the cursor's row
	return fdb.KeyRange{
		Begin: fdb.Key(append(recordKey(db, did, collection, cursor), 0x00)),
		End:   last,
	}
}

// ListRecords pages through one collection's records in rkey order (or
// reversed). A non-empty next cursor means another page may follow.
func (db *DB) ListRecords(
	ctx context.Context,
	did string,
	collection string,
	limit int,
	cursor string,
	reverse bool,
) (result *ListRecordsResult, err error) {
	_, span, done := db.observe(ctx, "ListRecords")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.String("did", did),
		attribute.String("collection", collection),
		attribute.Int("limit", limit),
		attribute.String("cursor", cursor),
		attribute.Bool("reverse", reverse),
	)

	result, err = readTransaction(db.db, func(tx fdb.ReadTransaction) (*ListRecordsResult, error) {
		opts := fdb.RangeOptions{
			Limit:   limit + 1, // one extra row to learn whether more follow
			Reverse: reverse,
		}

		var records []*types.Record
		iter := tx.GetRange(db.collectionRange(did, collection, cursor, reverse), opts).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, fmt.Errorf("failed to iterate records: %w", err)
			}

			var record types.Record
			if err := json.Unmarshal(kv.Value, &record); err != nil {
				return nil, fmt.Errorf("failed to unmarshal record: %w", err)
			}
			records = append(records, &record)
		}

		var nextCursor string
		if len(records) > limit {
			records = records[:limit]
			nextCursor = records[limit-1].Rkey
		}

		return &ListRecordsResult{Records: records, Cursor: nextCursor}, nil
	})

	return
}

// GetCollections returns the distinct collection NSIDs a repo currently has
// records in, from the per-collection counters rather than a scan of the
// rows themselves.
func (db *DB) GetCollections(ctx context.Context, did string) (collections []string, err error) {
	_, span, done := db.observe(ctx, "GetCollections")
	defer func() { done(err) }()

	span.SetAttributes(attribute.String("did", did))

	collections, err = readTransaction(db.db, func(tx fdb.ReadTransaction) ([]string, error) {
		rng := fdb.KeyRange{
			Begin: pack(db.records.collectionCounts, did),
			End:   pack(db.records.collectionCounts, did+"\xff"),
		}

		var out []string
		iter := tx.GetRange(rng, fdb.RangeOptions{}).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, fmt.Errorf("failed to iterate collection counts: %w", err)
			}

			tup, err := db.records.collectionCounts.Unpack(kv.Key)
			if err != nil || len(tup) < 2 {
				continue
			}
			collection, ok := tup[1].(string)
			if !ok {
				continue
			}

			// a collection whose counter has drained back to zero is empty
			if len(kv.Value) == 8 && int64(binary.LittleEndian.Uint64(kv.Value)) > 0 {
				out = append(out, collection)
			}
		}

		return out, nil
	})

	return
}
