package db

import (
	"bytes"
	"context"
	"encoding/binary"
	"errors"
	"fmt"
	"time"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/repo"
	"github.com/bluesky-social/indigo/atproto/repo/mst"
	"github.com/bluesky-social/indigo/atproto/syntax"
	blocks "github.com/ipfs/go-block-format"
	"github.com/ipfs/go-cid"
	cbor "github.com/ipfs/go-ipld-cbor"
	"github.com/driftpds/pds/internal/at"
	"github.com/driftpds/pds/internal/metrics"
	"github.com/driftpds/pds/internal/types"
	"github.com/multiformats/go-multihash"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// ErrConcurrentModification is returned when a swapCommit check fails,
// indicating another server modified the repo concurrently.
var ErrConcurrentModification = errors.New("concurrent modification detected")

// cidBuilder is used to compute CIDs for DAG-CBOR encoded data
var cidBuilder = cid.NewPrefixV1(cid.DagCBOR, multihash.SHA2_256)

// buildCarFile creates a CAR file from the given blocks with the specified root CID.
// This is used to build the blocks field of firehose events.
func buildCarFile(root cid.Cid, blks []blocks.Block) ([]byte, error) {
	var buf bytes.Buffer

	header := map[string]any{
		"version": uint64(1),
		"roots":   []cid.Cid{root},
	}
	headerBytes, err := cbor.DumpObject(header)
	if err != nil {
		return nil, fmt.Errorf("failed to encode car header: %w", err)
	}

	lenBuf := make([]byte, binary.MaxVarintLen64)
	n := binary.PutUvarint(lenBuf, uint64(len(headerBytes)))
	buf.Write(lenBuf[:n])
	buf.Write(headerBytes)

	for _, blk := range blks {
		cidBytes := blk.Cid().Bytes()
		dataBytes := blk.RawData()
		totalLen := len(cidBytes) + len(dataBytes)

		n := binary.PutUvarint(lenBuf, uint64(totalLen))
		buf.Write(lenBuf[:n])
		buf.Write(cidBytes)
		buf.Write(dataBytes)
	}

	return buf.Bytes(), nil
}

// InitRepo creates an empty repository for a new account.
// Returns the initial root CID and revision.
func (db *DB) InitRepo(ctx context.Context, actor *types.Actor) (commitCID cid.Cid, rev string, err error) {
	_, span, done := db.observe(ctx, "InitRepo")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.String("did", actor.Did),
		attribute.String("handle", actor.Handle),
	)

	type result struct {
		commitCID cid.Cid
		rev       string
	}

	res, err := transaction(db.db, func(tx fdb.Transaction) (*result, error) {
		clk := syntax.NewTIDClock(0)
		newRev := clk.Next().String()

		bs := db.newWriteBlockstore(actor.Did, tx)

		tree := mst.NewEmptyTree()

		rootCID, err := tree.WriteDiffBlocks(ctx, bs)
		if err != nil {
			return nil, fmt.Errorf("failed to write tree blocks: %w", err)
		}

		commit := repo.Commit{
			DID:     actor.Did,
			Version: repo.ATPROTO_REPO_VERSION,
			Prev:    nil,
			Data:    *rootCID,
			Rev:     newRev,
		}

		privkey, err := atcrypto.ParsePrivateBytesK256(actor.SigningKey)
		if err != nil {
			return nil, fmt.Errorf("failed to parse signing key: %w", err)
		}
		if err := commit.Sign(privkey); err != nil {
			return nil, fmt.Errorf("failed to sign commit: %w", err)
		}

		commitCID, err := storeCommit(ctx, bs, &commit)
		if err != nil {
			return nil, fmt.Errorf("failed to store commit: %w", err)
		}
		tx.Set(pack(db.blockDir.commitsByRev, actor.Did, commit.Rev), commitCID.Bytes())

		return &result{commitCID: commitCID, rev: commit.Rev}, nil
	})
	if err != nil {
		return
	}

	commitCID = res.commitCID
	rev = res.rev
	return
}

// repoWriteTx bundles the state shared by every mutating repo operation once a
// transaction has validated swapCommit and loaded the current head: the write
// blockstore (tracking blocks touched this transaction), the decoded MST, and
// the base commit it descends from. CreateRecord, PutRecord, DeleteRecord, and
// ApplyWrites all open one of these, mutate rwt.tree however their operation
// requires, then hand it to commitAndEmit to seal a new commit and firehose event.
type repoWriteTx struct {
	bs      *blockstore
	tree    *mst.Tree
	base    *repo.Commit
	headCID cid.Cid
	rev     string
}

// openRepoWriteTx validates swapCommit/actor.Head against the stored head,
// loads the head commit and its MST, and prepares a write blockstore with
// write-tracking enabled so the blocks touched during the mutation can be
// recovered afterward for the CAR payload of the resulting firehose event.
func (db *DB) openRepoWriteTx(ctx context.Context, tx fdb.Transaction, actor *types.Actor, swapCommit *string) (*repoWriteTx, error) {
	existing, err := db.getActorByDIDTx(tx, actor.Did)
	if err != nil {
		return nil, fmt.Errorf("failed to get current head: %w", err)
	}

	if swapCommit != nil && existing.Head != *swapCommit {
		return nil, ErrConcurrentModification
	}
	if existing.Head != actor.Head {
		return nil, ErrConcurrentModification
	}

	headCID, err := cid.Decode(actor.Head)
	if err != nil {
		return nil, fmt.Errorf("failed to parse repo head CID: %w", err)
	}

	bs := db.newWriteBlockstore(actor.Did, tx)
	commit, clk, err := loadCommit(ctx, bs, headCID)
	if err != nil {
		return nil, fmt.Errorf("failed to load commit: %w", err)
	}

	newRev := clk.Next().String()
	bs.EnableWriteTracking()

	tree, err := mst.LoadTreeFromStore(ctx, bs, commit.Data)
	if err != nil {
		return nil, fmt.Errorf("failed to load MST: %w", err)
	}

	return &repoWriteTx{bs: bs, tree: tree, base: commit, headCID: headCID, rev: newRev}, nil
}

// commitAndEmit writes the MST's dirty blocks, seals and signs a new commit
// over the resulting root, advances the actor's head/rev, and publishes a
// firehose event built from every block the transaction wrote (MST nodes,
// record blocks, and the commit block itself).
func (db *DB) commitAndEmit(ctx context.Context, tx fdb.Transaction, actor *types.Actor, rwt *repoWriteTx, ops []*types.RepoOp) (commitCID cid.Cid, rev string, err error) {
	rootCID, err := rwt.tree.WriteDiffBlocks(ctx, rwt.bs)
	if err != nil {
		return cid.Undef, "", fmt.Errorf("failed to write MST blocks: %w", err)
	}

	newCommit := repo.Commit{
		DID:     actor.Did,
		Version: repo.ATPROTO_REPO_VERSION,
		Prev:    &rwt.headCID,
		Data:    *rootCID,
		Rev:     rwt.rev,
	}

	privkey, err := atcrypto.ParsePrivateBytesK256(actor.SigningKey)
	if err != nil {
		return cid.Undef, "", fmt.Errorf("failed to parse signing key: %w", err)
	}
	if err := newCommit.Sign(privkey); err != nil {
		return cid.Undef, "", fmt.Errorf("failed to sign commit: %w", err)
	}

	commitCID, err = storeCommit(ctx, rwt.bs, &newCommit)
	if err != nil {
		return cid.Undef, "", fmt.Errorf("failed to store commit: %w", err)
	}
	tx.Set(pack(db.blockDir.commitsByRev, actor.Did, newCommit.Rev), commitCID.Bytes())

	actor.Head = commitCID.String()
	actor.Rev = newCommit.Rev
	if err := db.saveActorTx(tx, actor); err != nil {
		return cid.Undef, "", fmt.Errorf("failed to save actor: %w", err)
	}

	carBytes, err := buildCarFile(commitCID, rwt.bs.GetWriteLog())
	if err != nil {
		return cid.Undef, "", fmt.Errorf("failed to build CAR file: %w", err)
	}

	event := &types.RepoEvent{
		PdsHost: actor.PdsHost,
		Repo:    actor.Did,
		Rev:     rwt.rev,
		Since:   rwt.base.Rev,
		Commit:  commitCID.Bytes(),
		Blocks:  carBytes,
		Ops:     ops,
		Time:    timestamppb.New(time.Now()),
	}
	if _, err := db.WriteEventTx(tx, event); err != nil {
		return cid.Undef, "", fmt.Errorf("failed to write firehose event: %w", err)
	}

	return commitCID, newCommit.Rev, nil
}

// putRecordBlock computes the CID for CBOR-encoded record data and stores the
// block, returning the CID for use in the MST and secondary index.
func putRecordBlock(ctx context.Context, bs *blockstore, cborBytes []byte) (cid.Cid, error) {
	recordCID, err := cidBuilder.Sum(cborBytes)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to compute record CID: %w", err)
	}

	recordBlock, err := blocks.NewBlockWithCid(cborBytes, recordCID)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to create record block: %w", err)
	}

	if err := bs.Put(ctx, recordBlock); err != nil {
		return cid.Undef, fmt.Errorf("failed to store record block: %w", err)
	}

	return recordCID, nil
}

// CreateRecordResult contains the result of an atomic record creation
type CreateRecordResult struct {
	RecordCID cid.Cid
	CommitCID cid.Cid
	Rev       string
}

// CreateRecord atomically creates a record in the repo. All MST operations,
// block writes, secondary index updates, and actor updates happen within a
// single FDB write transaction.
func (db *DB) CreateRecord(
	ctx context.Context,
	actor *types.Actor,
	record *types.Record,
	cborBytes []byte,
	swapCommit *string,
) (result *CreateRecordResult, err error) {
	_, span, done := db.observe(ctx, "CreateRecord")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.String("did", actor.Did),
		attribute.String("handle", actor.Handle),
		attribute.String("uri", record.URI().String()),
		attribute.Int("record_size", len(record.Value)),
		attribute.Int("cbor_size", len(cborBytes)),
		metrics.NilString("swap_commit", swapCommit),
	)

	result, err = transaction(db.db, func(tx fdb.Transaction) (*CreateRecordResult, error) {
		rwt, err := db.openRepoWriteTx(ctx, tx, actor, swapCommit)
		if err != nil {
			return nil, err
		}

		recordCID, err := putRecordBlock(ctx, rwt.bs, cborBytes)
		if err != nil {
			return nil, err
		}

		rpath := record.Collection + "/" + record.Rkey
		if _, err := rwt.tree.Insert([]byte(rpath), recordCID); err != nil {
			return nil, fmt.Errorf("failed to insert record into MST: %w", err)
		}

		record.Cid = recordCID.String()
		if err := db.saveRecordTx(tx, record); err != nil {
			return nil, fmt.Errorf("failed to save record: %w", err)
		}
		db.incrementCollectionCountTx(tx, actor.Did, record.Collection)

		ops := []*types.RepoOp{{Action: "create", Path: rpath, Cid: recordCID.Bytes()}}
		commitCID, rev, err := db.commitAndEmit(ctx, tx, actor, rwt, ops)
		if err != nil {
			return nil, err
		}

		return &CreateRecordResult{RecordCID: recordCID, CommitCID: commitCID, Rev: rev}, nil
	})

	return
}

// PutRecordResult contains the result of an atomic record put (create or update)
type PutRecordResult struct {
	RecordCID cid.Cid
	CommitCID cid.Cid
	Rev       string
}

// PutRecord atomically creates or updates a record in the repo. All MST operations,
// block writes, secondary index updates, and actor updates happen within a
// single FDB write transaction.
func (db *DB) PutRecord(
	ctx context.Context,
	actor *types.Actor,
	record *types.Record,
	cborBytes []byte,
	swapRecord *string,
	swapCommit *string,
) (result *PutRecordResult, err error) {
	_, span, done := db.observe(ctx, "PutRecord")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.String("did", actor.Did),
		attribute.String("handle", actor.Handle),
		attribute.String("uri", record.URI().String()),
		attribute.Int("record_size", len(record.Value)),
		attribute.Int("cbor_size", len(cborBytes)),
		metrics.NilString("swap_record", swapRecord),
		metrics.NilString("swap_commit", swapCommit),
	)

	result, err = transaction(db.db, func(tx fdb.Transaction) (*PutRecordResult, error) {
		rwt, err := db.openRepoWriteTx(ctx, tx, actor, swapCommit)
		if err != nil {
			return nil, err
		}

		rpath := []byte(record.Collection + "/" + record.Rkey)
		existingCID, err := rwt.tree.Get(rpath)
		isNewRecord := err != nil || existingCID == nil

		if swapRecord != nil {
			if isNewRecord {
				return nil, fmt.Errorf("swapRecord provided but record does not exist")
			}
			if existingCID.String() != *swapRecord {
				return nil, ErrConcurrentModification
			}
		}

		recordCID, err := putRecordBlock(ctx, rwt.bs, cborBytes)
		if err != nil {
			return nil, err
		}

		// MST has no Update; remove the stale leaf before inserting the new one.
		if !isNewRecord {
			if _, err := rwt.tree.Remove(rpath); err != nil {
				return nil, fmt.Errorf("failed to remove old record from MST: %w", err)
			}
		}
		if _, err := rwt.tree.Insert(rpath, recordCID); err != nil {
			return nil, fmt.Errorf("failed to insert record into MST: %w", err)
		}

		record.Cid = recordCID.String()
		if err := db.saveRecordTx(tx, record); err != nil {
			return nil, fmt.Errorf("failed to save record: %w", err)
		}
		if isNewRecord {
			db.incrementCollectionCountTx(tx, actor.Did, record.Collection)
		}

		action := "update"
		if isNewRecord {
			action = "create"
		}
		ops := []*types.RepoOp{{Action: action, Path: string(rpath), Cid: recordCID.Bytes()}}
		commitCID, rev, err := db.commitAndEmit(ctx, tx, actor, rwt, ops)
		if err != nil {
			return nil, err
		}

		return &PutRecordResult{RecordCID: recordCID, CommitCID: commitCID, Rev: rev}, nil
	})

	return
}

// DeleteRecordResult contains the result of an atomic record deletion.
type DeleteRecordResult struct {
	CommitCID cid.Cid
	Rev       string
}

// DeleteRecord atomically deletes a record from the repo.
// All MST operations, block writes, secondary index updates, and actor updates
// happen within a single FDB transaction.
func (db *DB) DeleteRecord(
	ctx context.Context,
	actor *types.Actor,
	uri *at.URI,
	swapCommit *string,
) (result *DeleteRecordResult, err error) {
	_, span, done := db.observe(ctx, "DeleteRecord")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.String("did", actor.Did),
		attribute.String("handle", actor.Handle),
		attribute.String("uri", uri.String()),
		metrics.NilString("swap_commit", swapCommit),
	)

	result, err = transaction(db.db, func(tx fdb.Transaction) (*DeleteRecordResult, error) {
		rwt, err := db.openRepoWriteTx(ctx, tx, actor, swapCommit)
		if err != nil {
			return nil, err
		}

		rpath := uri.Collection + "/" + uri.Rkey
		if _, err := rwt.tree.Remove([]byte(rpath)); err != nil {
			return nil, fmt.Errorf("failed to remove record from MST: %w", err)
		}

		db.DeleteRecordTx(tx, uri)
		db.decrementCollectionCountTx(tx, actor.Did, uri.Collection)

		ops := []*types.RepoOp{{Action: "delete", Path: rpath}}
		commitCID, rev, err := db.commitAndEmit(ctx, tx, actor, rwt, ops)
		if err != nil {
			return nil, err
		}

		return &DeleteRecordResult{CommitCID: commitCID, Rev: rev}, nil
	})

	return
}

// WriteOp represents a single operation in an applyWrites batch
type WriteOp struct {
	Action     string // "create", "update", or "delete"
	Collection string
	Rkey       string
	Value      []byte // CBOR-encoded record data (nil for delete)
}

// WriteOpResult contains the result of a single write operation
type WriteOpResult struct {
	Action      string
	URI         string
	CID         string // empty for delete
	IsNewRecord bool   // true if this was a create (vs update)
}

// ApplyWritesResult contains the result of an atomic batch write
type ApplyWritesResult struct {
	CommitCID cid.Cid
	Rev       string
	Results   []WriteOpResult
}

// applyWriteOp applies a single WriteOp against the in-flight MST and secondary
// indexes, returning the result and firehose op it produced.
func (db *DB) applyWriteOp(ctx context.Context, tx fdb.Transaction, actor *types.Actor, rwt *repoWriteTx, op WriteOp) (WriteOpResult, *types.RepoOp, error) {
	rpath := []byte(op.Collection + "/" + op.Rkey)
	uri := "at://" + actor.Did + "/" + op.Collection + "/" + op.Rkey

	switch op.Action {
	case "create", "update":
		recordCID, err := putRecordBlock(ctx, rwt.bs, op.Value)
		if err != nil {
			return WriteOpResult{}, nil, err
		}

		existingCID, getErr := rwt.tree.Get(rpath)
		isNewRecord := op.Action == "create" || getErr != nil || existingCID == nil

		if !isNewRecord {
			if _, err := rwt.tree.Remove(rpath); err != nil {
				return WriteOpResult{}, nil, fmt.Errorf("failed to remove old record from MST: %w", err)
			}
		}
		if _, err := rwt.tree.Insert(rpath, recordCID); err != nil {
			return WriteOpResult{}, nil, fmt.Errorf("failed to insert record into MST: %w", err)
		}

		record := &types.Record{
			Did:        actor.Did,
			Collection: op.Collection,
			Rkey:       op.Rkey,
			Cid:        recordCID.String(),
			Value:      op.Value,
			CreatedAt:  timestamppb.Now(),
		}
		if err := db.saveRecordTx(tx, record); err != nil {
			return WriteOpResult{}, nil, fmt.Errorf("failed to save record: %w", err)
		}
		if isNewRecord {
			db.incrementCollectionCountTx(tx, actor.Did, op.Collection)
		}

		action := "update"
		if isNewRecord {
			action = "create"
		}
		return WriteOpResult{Action: action, URI: uri, CID: recordCID.String(), IsNewRecord: isNewRecord},
			&types.RepoOp{Action: action, Path: string(rpath), Cid: recordCID.Bytes()},
			nil

	case "delete":
		if _, err := rwt.tree.Remove(rpath); err != nil {
			return WriteOpResult{}, nil, fmt.Errorf("failed to remove record from MST: %w", err)
		}

		aturi := &at.URI{Repo: actor.Did, Collection: op.Collection, Rkey: op.Rkey}
		db.DeleteRecordTx(tx, aturi)
		db.decrementCollectionCountTx(tx, actor.Did, op.Collection)

		return WriteOpResult{Action: "delete", URI: uri}, &types.RepoOp{Action: "delete", Path: string(rpath)}, nil

	default:
		return WriteOpResult{}, nil, fmt.Errorf("unknown action: %s", op.Action)
	}
}

// ApplyWrites atomically applies multiple write operations to a repo.
// All MST operations, block writes, secondary index updates, and actor updates
// happen within a single FDB write transaction.
func (db *DB) ApplyWrites(
	ctx context.Context,
	actor *types.Actor,
	ops []WriteOp,
	swapCommit *string,
) (result *ApplyWritesResult, err error) {
	_, span, done := db.observe(ctx, "ApplyWrites")
	defer func() { done(err) }()

	span.SetAttributes(
		attribute.String("did", actor.Did),
		attribute.String("handle", actor.Handle),
		attribute.Int("num_ops", len(ops)),
		metrics.NilString("swap_commit", swapCommit),
	)

	result, err = transaction(db.db, func(tx fdb.Transaction) (*ApplyWritesResult, error) {
		rwt, err := db.openRepoWriteTx(ctx, tx, actor, swapCommit)
		if err != nil {
			return nil, err
		}

		results := make([]WriteOpResult, 0, len(ops))
		repoOps := make([]*types.RepoOp, 0, len(ops))

		for _, op := range ops {
			res, repoOp, err := db.applyWriteOp(ctx, tx, actor, rwt, op)
			if err != nil {
				return nil, err
			}
			results = append(results, res)
			repoOps = append(repoOps, repoOp)
		}

		commitCID, rev, err := db.commitAndEmit(ctx, tx, actor, rwt, repoOps)
		if err != nil {
			return nil, err
		}

		return &ApplyWritesResult{CommitCID: commitCID, Rev: rev, Results: results}, nil
	})

	return
}

// loadCommit loads a commit from the blockstore and returns it along with a TID clock
// initialized from the commit's rev.
func loadCommit(ctx context.Context, bs *blockstore, commitCID cid.Cid) (*repo.Commit, *syntax.TIDClock, error) {
	blk, err := bs.Get(ctx, commitCID)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get commit block: %w", err)
	}

	var commit repo.Commit
	if err := commit.UnmarshalCBOR(bytes.NewReader(blk.RawData())); err != nil {
		return nil, nil, fmt.Errorf("failed to unmarshal commit: %w", err)
	}

	clk := syntax.ClockFromTID(syntax.TID(commit.Rev))
	return &commit, &clk, nil
}

// storeCommit serializes and stores a commit block, returning its CID.
func storeCommit(ctx context.Context, bs *blockstore, commit *repo.Commit) (cid.Cid, error) {
	buf := new(bytes.Buffer)
	if err := commit.MarshalCBOR(buf); err != nil {
		return cid.Undef, fmt.Errorf("failed to marshal commit: %w", err)
	}

	commitBytes := buf.Bytes()
	commitCID, err := cidBuilder.Sum(commitBytes)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to compute commit CID: %w", err)
	}

	commitBlock, err := blocks.NewBlockWithCid(commitBytes, commitCID)
	if err != nil {
		return cid.Undef, fmt.Errorf("failed to create commit block: %w", err)
	}

	if err := bs.Put(ctx, commitBlock); err != nil {
		return cid.Undef, fmt.Errorf("failed to store commit block: %w", err)
	}

	return commitCID, nil
}
