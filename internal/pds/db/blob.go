package db

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/driftpds/pds/internal/types"
	"go.opentelemetry.io/otel/attribute"
)

// Blob metadata rows are keyed (did, cid) with the CID in its canonical
// string form. Base32 CID strings sort the same way their byte form does, so
// the key order doubles as the listBlobs pagination order and the cursor is
// simply the last CID the caller saw.

func blobKey(db *DB, did, cid string) fdb.Key {
	return pack(db.blobs, did, cid)
}

// SaveBlob upserts a blob metadata row. Re-uploading the same bytes lands on
// the same (did, cid) key, which is the idempotency content addressing
// promises.
func (db *DB) SaveBlob(ctx context.Context, blob *types.Blob) (err error) {
	_, span, done := db.observe(ctx, "SaveBlob")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.String("did", blob.Did),
		attribute.String("cid", blob.Cid),
		attribute.String("mime_type", blob.MimeType),
		attribute.Int64("size", blob.Size),
	)

	switch {
	case blob.Did == "":
		return fmt.Errorf("blob did is required")
	case blob.Cid == "":
		return fmt.Errorf("blob cid is required")
	}

	buf, err := json.Marshal(blob)
	if err != nil {
		return fmt.Errorf("failed to marshal blob: %w", err)
	}

	return db.Transact(func(tx fdb.Transaction) error {
		tx.Set(blobKey(db, blob.Did, blob.Cid), buf)
		return nil
	})
}

// GetBlob loads the metadata row for one (did, cid) pair. ErrNotFound when
// the account never uploaded that blob.
func (db *DB) GetBlob(ctx context.Context, did, cid string) (blob *types.Blob, err error) {
	_, span, done := db.observe(ctx, "GetBlob")
	defer func() { done(err) }()

	span.SetAttributes(attribute.String("did", did), attribute.String("cid", cid))

	var b types.Blob
	err = readJSON(db.db, &b, func(tx fdb.ReadTransaction) ([]byte, error) {
		return tx.Get(blobKey(db, did, cid)).Get()
	})
	if err != nil {
		return nil, err
	}

	return &b, nil
}

// ListBlobs pages through an account's blobs in CID order. afterCID is
// exclusive; empty starts from the beginning. A non-empty next cursor means
// another page may follow.
func (db *DB) ListBlobs(ctx context.Context, did, afterCID string, limit int) (blobs []*types.Blob, nextCursor string, err error) {
	_, span, done := db.observe(ctx, "ListBlobs")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.String("did", did),
		attribute.String("after_cid", afterCID),
		attribute.Int("limit", limit),
	)

	blobs, err = readTransaction(db.db, func(tx fdb.ReadTransaction) ([]*types.Blob, error) {
		begin := pack(db.blobs, did)
		if afterCID != "" {
			begin = append(blobKey(db, did, afterCID), 0x00)
		}
		rng := fdb.KeyRange{
			Begin: begin,
			End:   pack(db.blobs, did+"\xff"),
		}

		var page []*types.Blob
		iter := tx.GetRange(rng, fdb.RangeOptions{Limit: limit + 1}).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, fmt.Errorf("failed to iterate blobs: %w", err)
			}

			var b types.Blob
			if err := json.Unmarshal(kv.Value, &b); err != nil {
				return nil, fmt.Errorf("failed to unmarshal blob: %w", err)
			}
			page = append(page, &b)
		}

		return page, nil
	})
	if err != nil {
		if err == ErrNotFound {
			return nil, "", nil
		}
		return nil, "", err
	}

	// the extra row only signals that another page exists
	if len(blobs) > limit {
		blobs = blobs[:limit]
		nextCursor = blobs[limit-1].Cid
	}

	return blobs, nextCursor, nil
}
