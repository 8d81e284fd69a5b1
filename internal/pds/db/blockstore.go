package db

import (
	"bytes"
	"context"
	"fmt"
	"sort"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/bluesky-social/indigo/atproto/repo"
	"github.com/bluesky-social/indigo/atproto/repo/mst"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	"go.opentelemetry.io/otel/attribute"
)

// blockstore implements a per-DID blockstore backed by FoundationDB.
// It implements the minimal interface required by indigo's repo package.
type blockstore struct {
	db  *DB
	did string

	// readTx is the FDB read transaction for read-only mode.
	readTx fdb.ReadTransaction

	// writeTx is the FDB transaction for write mode.
	// When non-nil, all reads and writes happen within this transaction.
	writeTx *fdb.Transaction

	// trackWrites, when enabled, causes Put/PutMany to append every stored block
	// to writeLog. Repo mutations use this to recover exactly the set of blocks
	// touched by a transaction, which becomes the CAR payload of the firehose
	// event for that commit without a second pass over the MST.
	trackWrites bool
	writeLog    []blocks.Block

	// trackReads mirrors trackWrites on the read side: Get appends every
	// fetched block to readLog. Reachability walks use this to recover the
	// exact block set touched while loading a commit and traversing its MST.
	trackReads bool
	readLog    []blocks.Block
}

// EnableWriteTracking turns on write-log accumulation for this blockstore.
// Call before any Put/PutMany in a transaction whose touched blocks will be
// published as a firehose event.
func (bs *blockstore) EnableWriteTracking() {
	bs.trackWrites = true
}

// GetWriteLog returns every block stored since EnableWriteTracking was called,
// in write order. The commit block itself is included since storeCommit uses
// the same Put path.
func (bs *blockstore) GetWriteLog() []blocks.Block {
	return bs.writeLog
}

// EnableReadTracking turns on read-log accumulation for this blockstore.
func (bs *blockstore) EnableReadTracking() {
	bs.trackReads = true
}

// GetReadLog returns every block fetched since EnableReadTracking was called,
// in read order. A block read twice appears twice; callers dedupe by CID.
func (bs *blockstore) GetReadLog() []blocks.Block {
	return bs.readLog
}

// newReadBlockstore creates a read-only blockstore bound to an FDB read transaction.
func (db *DB) newReadBlockstore(did string, tx fdb.ReadTransaction) *blockstore {
	return &blockstore{
		db:     db,
		did:    did,
		readTx: tx,
	}
}

// newWriteBlockstore creates a blockstore bound to an FDB write transaction.
// All reads and writes will happen within this transaction.
func (db *DB) newWriteBlockstore(did string, tx fdb.Transaction) *blockstore {
	return &blockstore{
		db:      db,
		did:     did,
		writeTx: &tx,
	}
}

// Get retrieves a block by its CID.
func (bs *blockstore) Get(ctx context.Context, c cid.Cid) (blocks.Block, error) {
	var val []byte
	var err error

	key := pack(bs.db.blockDir.blocks, bs.did, c.Bytes())
	if bs.writeTx != nil {
		val, err = (*bs.writeTx).Get(key).Get()
	} else if bs.readTx != nil {
		val, err = bs.readTx.Get(key).Get()
	} else {
		return nil, fmt.Errorf("blockstore get requires a transaction")
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get block: %w", err)
	}
	if val == nil {
		return nil, fmt.Errorf("block not found: %s", c.String())
	}

	blk, err := blocks.NewBlockWithCid(val, c)
	if err != nil {
		return nil, err
	}
	if bs.trackReads {
		bs.readLog = append(bs.readLog, blk)
	}
	return blk, nil
}

// Has returns whether the blockstore contains a block with the given CID.
func (bs *blockstore) Has(ctx context.Context, c cid.Cid) (bool, error) {
	var val []byte
	var err error

	key := pack(bs.db.blockDir.blocks, bs.did, c.Bytes())
	if bs.writeTx != nil {
		val, err = (*bs.writeTx).Get(key).Get()
	} else if bs.readTx != nil {
		val, err = bs.readTx.Get(key).Get()
	} else {
		return false, fmt.Errorf("blockstore has requires a transaction")
	}
	if err != nil {
		return false, fmt.Errorf("failed to check block: %w", err)
	}

	return val != nil, nil
}

// GetSize returns the size of a block.
func (bs *blockstore) GetSize(ctx context.Context, c cid.Cid) (int, error) {
	blk, err := bs.Get(ctx, c)
	if err != nil {
		return 0, err
	}
	return len(blk.RawData()), nil
}

// Put stores a block. In transactional mode, writes directly to FDB.
// In read-only mode, this method returns an error as writes require a transaction.
func (bs *blockstore) Put(ctx context.Context, blk blocks.Block) error {
	if bs.writeTx == nil {
		return fmt.Errorf("blockstore put requires a transaction")
	}

	key := pack(bs.db.blockDir.blocks, bs.did, blk.Cid().Bytes())
	(*bs.writeTx).Set(key, blk.RawData())

	if bs.trackWrites {
		bs.writeLog = append(bs.writeLog, blk)
	}

	return nil
}

// PutMany stores multiple blocks. Requires transactional mode.
func (bs *blockstore) PutMany(ctx context.Context, blks []blocks.Block) error {
	if bs.writeTx == nil {
		return fmt.Errorf("blockstore put_many requires a transaction")
	}

	for _, blk := range blks {
		key := pack(bs.db.blockDir.blocks, bs.did, blk.Cid().Bytes())
		(*bs.writeTx).Set(key, blk.RawData())

		if bs.trackWrites {
			bs.writeLog = append(bs.writeLog, blk)
		}
	}

	return nil
}

// DeleteBlock removes a block from the store. Requires transactional mode.
func (bs *blockstore) DeleteBlock(ctx context.Context, c cid.Cid) error {
	if bs.writeTx == nil {
		return fmt.Errorf("blockstore delete_block requires a transaction")
	}

	key := pack(bs.db.blockDir.blocks, bs.did, c.Bytes())
	(*bs.writeTx).Clear(key)
	return nil
}

func (bs *blockstore) AllKeysChan(ctx context.Context) (<-chan cid.Cid, error) {
	return nil, fmt.Errorf("AllKeysChan not implemented")
}

// HashOnRead is a no-op
func (bs *blockstore) HashOnRead(enabled bool) {}

// GetBlocks retrieves multiple blocks by their CIDs for a given DID.
// Returns the blocks that were found. Missing blocks are silently skipped.
func (db *DB) GetBlocks(ctx context.Context, did string, cids []cid.Cid) (result []blocks.Block, err error) {
	_, span, done := db.observe(ctx, "GetBlocks")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.String("did", did),
		attribute.Int("num_cids", len(cids)),
	)

	result, err = readTransaction(db.db, func(tx fdb.ReadTransaction) ([]blocks.Block, error) {
		bs := db.newReadBlockstore(did, tx)
		blks := make([]blocks.Block, 0, len(cids))

		for _, c := range cids {
			blk, err := bs.Get(ctx, c)
			if err != nil {
				// skip blocks that are not found
				continue
			}
			blks = append(blks, blk)
		}

		return blks, nil
	})

	return
}

// GetAllBlocks retrieves all blocks for a given DID.
func (db *DB) GetAllBlocks(ctx context.Context, did string) (result []blocks.Block, err error) {
	_, span, done := db.observe(ctx, "GetAllBlocks")
	defer func() { done(err) }()

	span.SetAttributes(attribute.String("did", did))

	result, err = readTransaction(db.db, func(tx fdb.ReadTransaction) ([]blocks.Block, error) {
		rangeBegin := pack(db.blockDir.blocks, did)
		rangeEnd := pack(db.blockDir.blocks, did+"\xff")

		kr := fdb.KeyRange{Begin: rangeBegin, End: rangeEnd}

		var blks []blocks.Block
		iter := tx.GetRange(kr, fdb.RangeOptions{}).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, fmt.Errorf("failed to iterate blocks: %w", err)
			}

			// extract CID bytes from the key tuple (did, cid_bytes)
			tup, err := db.blockDir.blocks.Unpack(kv.Key)
			if err != nil {
				return nil, fmt.Errorf("failed to unpack block key: %w", err)
			}
			if len(tup) < 2 {
				continue
			}

			cidBytes, ok := tup[1].([]byte)
			if !ok {
				continue
			}

			_, c, err := cid.CidFromBytes(cidBytes)
			if err != nil {
				return nil, fmt.Errorf("failed to parse cid from key: %w", err)
			}

			blk, err := blocks.NewBlockWithCid(kv.Value, c)
			if err != nil {
				return nil, fmt.Errorf("failed to create block: %w", err)
			}

			blks = append(blks, blk)
		}

		return blks, nil
	})

	return
}

// reachableBlocksTx walks the repo at head within an existing read
// transaction and returns every reachable block (the commit block, the MST
// spine, and the record leaves), deduped, in read order.
func (db *DB) reachableBlocksTx(ctx context.Context, tx fdb.ReadTransaction, did string, head cid.Cid) ([]blocks.Block, error) {
	bs := db.newReadBlockstore(did, tx)
	bs.EnableReadTracking()

	commitBlk, err := bs.Get(ctx, head)
	if err != nil {
		return nil, fmt.Errorf("failed to get commit block: %w", err)
	}

	var commit repo.Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(commitBlk.RawData())); err != nil {
		return nil, fmt.Errorf("failed to unmarshal commit: %w", err)
	}

	tree, err := mst.LoadTreeFromStore(ctx, bs, commit.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to load MST: %w", err)
	}

	// walking the tree pulls every node block through the tracking store;
	// the leaves are record CIDs we fetch explicitly
	var leaves []cid.Cid
	err = tree.Walk(func(key []byte, val cid.Cid) error {
		leaves = append(leaves, val)
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to walk MST: %w", err)
	}

	for _, leaf := range leaves {
		if _, err := bs.Get(ctx, leaf); err != nil {
			return nil, fmt.Errorf("failed to get record block %s: %w", leaf.String(), err)
		}
	}

	// dedupe the read log (tree loading may touch a block more than once)
	seen := make(map[cid.Cid]bool)
	blks := make([]blocks.Block, 0, len(bs.GetReadLog()))
	for _, blk := range bs.GetReadLog() {
		if seen[blk.Cid()] {
			continue
		}
		seen[blk.Cid()] = true
		blks = append(blks, blk)
	}

	return blks, nil
}

func sortBlocksByCID(blks []blocks.Block) {
	sort.Slice(blks, func(i, j int) bool {
		return bytes.Compare(blks[i].Cid().Bytes(), blks[j].Cid().Bytes()) < 0
	})
}

// GetReachableBlocks returns exactly the blocks reachable from the given
// commit. Unlike GetAllBlocks this excludes stale blocks left behind by
// earlier commits, so a CAR built from it round-trips to the same set a
// verifier would reconstruct from the root. Blocks are returned sorted by
// CID bytes so exports are deterministic.
func (db *DB) GetReachableBlocks(ctx context.Context, did string, head cid.Cid) (result []blocks.Block, err error) {
	_, span, done := db.observe(ctx, "GetReachableBlocks")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.String("did", did),
		attribute.String("head", head.String()),
	)

	result, err = readTransaction(db.db, func(tx fdb.ReadTransaction) ([]blocks.Block, error) {
		blks, err := db.reachableBlocksTx(ctx, tx, did, head)
		if err != nil {
			return nil, err
		}
		sortBlocksByCID(blks)
		return blks, nil
	})

	return
}

// GetDiffBlocks computes the set difference reachable(head) \
// reachable(since), where since is the rev of an earlier commit. The since
// rev is resolved to its commit CID via the commits_by_rev index; a rev this
// PDS never issued degrades to the full reachable set, the same behavior as
// an absent since. Both walks run in one read transaction so the diff is
// taken against a single consistent snapshot. Blocks are returned sorted by
// CID bytes.
func (db *DB) GetDiffBlocks(ctx context.Context, did string, head cid.Cid, sinceRev string) (result []blocks.Block, err error) {
	_, span, done := db.observe(ctx, "GetDiffBlocks")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.String("did", did),
		attribute.String("head", head.String()),
		attribute.String("since", sinceRev),
	)

	result, err = readTransaction(db.db, func(tx fdb.ReadTransaction) ([]blocks.Block, error) {
		current, err := db.reachableBlocksTx(ctx, tx, did, head)
		if err != nil {
			return nil, err
		}

		sinceCIDBytes, err := tx.Get(pack(db.blockDir.commitsByRev, did, sinceRev)).Get()
		if err != nil {
			return nil, fmt.Errorf("failed to resolve since rev: %w", err)
		}
		if len(sinceCIDBytes) == 0 {
			sortBlocksByCID(current)
			return current, nil
		}

		sinceCID, err := cid.Cast(sinceCIDBytes)
		if err != nil {
			return nil, fmt.Errorf("failed to parse since commit cid: %w", err)
		}

		old, err := db.reachableBlocksTx(ctx, tx, did, sinceCID)
		if err != nil {
			return nil, fmt.Errorf("failed to walk since commit: %w", err)
		}

		oldSet := make(map[cid.Cid]bool, len(old))
		for _, blk := range old {
			oldSet[blk.Cid()] = true
		}

		diff := make([]blocks.Block, 0, len(current))
		for _, blk := range current {
			if oldSet[blk.Cid()] {
				continue
			}
			diff = append(diff, blk)
		}

		sortBlocksByCID(diff)
		return diff, nil
	})

	return
}
