package db

import (
	"context"
	"encoding/binary"
	"encoding/json"
	"fmt"
	"time"

	"github.com/apple/foundationdb/bindings/go/src/fdb"
	"github.com/apple/foundationdb/bindings/go/src/fdb/directory"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/driftpds/pds/internal/types"
	"go.opentelemetry.io/otel/attribute"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// getActorByDIDTx loads an actor row within an existing transaction.
func (db *DB) getActorByDIDTx(tx fdb.Transaction, did string) (*types.Actor, error) {
	buf, err := tx.Get(pack(db.actors.actors, did)).Get()
	if err != nil {
		return nil, fmt.Errorf("failed to get actor: %w", err)
	}
	if len(buf) == 0 {
		return nil, ErrNotFound
	}

	var actor types.Actor
	if err := json.Unmarshal(buf, &actor); err != nil {
		return nil, fmt.Errorf("failed to unmarshal actor: %w", err)
	}
	return &actor, nil
}

// saveActorTx writes an actor row and maintains its secondary indices
// (handle, email, host) within an existing transaction. Handle uniqueness is
// enforced here, not at the call sites: the read of dids_by_handle joins the
// transaction's conflict range, so two racing writers claiming the same
// handle cannot both commit: FDB retries the loser and it then observes the
// winner's row and fails with ErrHandleTaken.
func (db *DB) saveActorTx(tx fdb.Transaction, actor *types.Actor) error {
	existing, err := db.getActorByDIDTx(tx, actor.Did)
	if err != nil && err != ErrNotFound {
		return err
	}

	if actor.Handle != "" {
		owner, err := tx.Get(pack(db.actors.didsByHandle, actor.Handle)).Get()
		if err != nil {
			return fmt.Errorf("failed to check handle owner: %w", err)
		}
		if len(owner) > 0 && string(owner) != actor.Did {
			return ErrHandleTaken
		}
	}

	if existing != nil {
		if existing.Handle != "" && existing.Handle != actor.Handle {
			tx.Clear(pack(db.actors.didsByHandle, existing.Handle))
		}
		if existing.Email != "" && (existing.Email != actor.Email || existing.PdsHost != actor.PdsHost) {
			tx.Clear(pack(db.actors.didsByEmail, existing.PdsHost, existing.Email))
		}
		if existing.PdsHost != "" && existing.PdsHost != actor.PdsHost {
			tx.Clear(pack(db.actors.didsByHost, existing.PdsHost, actor.Did))
		}
	}

	buf, err := json.Marshal(actor)
	if err != nil {
		return fmt.Errorf("failed to marshal actor: %w", err)
	}
	tx.Set(pack(db.actors.actors, actor.Did), buf)

	if actor.Handle != "" {
		tx.Set(pack(db.actors.didsByHandle, actor.Handle), []byte(actor.Did))
	}
	if actor.Email != "" && actor.PdsHost != "" {
		tx.Set(pack(db.actors.didsByEmail, actor.PdsHost, actor.Email), []byte(actor.Did))
	}
	if actor.PdsHost != "" {
		tx.Set(pack(db.actors.didsByHost, actor.PdsHost, actor.Did), nil)
	}

	return nil
}

// SaveActor inserts or updates an actor row in its own transaction.
func (db *DB) SaveActor(ctx context.Context, actor *types.Actor) (err error) {
	_, span, done := db.observe(ctx, "SaveActor")
	defer func() { done(err) }()

	span.SetAttributes(attribute.String("did", actor.Did))

	_, err = transaction(db.db, func(tx fdb.Transaction) (any, error) {
		return nil, db.saveActorTx(tx, actor)
	})
	return
}

// GetActorByDID looks up an actor by its primary key.
func (db *DB) GetActorByDID(ctx context.Context, did string) (actor *types.Actor, err error) {
	_, span, done := db.observe(ctx, "GetActorByDID")
	defer func() { done(err) }()

	span.SetAttributes(attribute.String("did", did))

	var a types.Actor
	err = readJSON(db.db, &a, func(tx fdb.ReadTransaction) ([]byte, error) {
		return tx.Get(pack(db.actors.actors, did)).Get()
	})
	if err != nil {
		return nil, err
	}

	actor = &a
	return
}

// GetActorByHandle resolves a handle to its DID, then loads the actor row.
// Handles are globally unique across all hosts served by this PDS.
func (db *DB) GetActorByHandle(ctx context.Context, handle string) (actor *types.Actor, err error) {
	_, span, done := db.observe(ctx, "GetActorByHandle")
	defer func() { done(err) }()

	span.SetAttributes(attribute.String("handle", handle))

	res, err := readTransaction(db.db, func(tx fdb.ReadTransaction) (*types.Actor, error) {
		didBytes, err := tx.Get(pack(db.actors.didsByHandle, handle)).Get()
		if err != nil {
			return nil, err
		}
		if len(didBytes) == 0 {
			return nil, ErrNotFound
		}

		buf, err := tx.Get(pack(db.actors.actors, string(didBytes))).Get()
		if err != nil {
			return nil, err
		}
		if len(buf) == 0 {
			return nil, ErrNotFound
		}

		var a types.Actor
		if err := json.Unmarshal(buf, &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal actor: %w", err)
		}
		return &a, nil
	})

	return res, err
}

// GetActorByEmail resolves a (host, email) pair to an actor. Unlike the
// other lookups, a missing actor is not an error: callers use this to check
// whether an email is already registered before account creation.
func (db *DB) GetActorByEmail(ctx context.Context, host, email string) (actor *types.Actor, err error) {
	_, span, done := db.observe(ctx, "GetActorByEmail")
	defer func() { done(err) }()

	span.SetAttributes(attribute.String("host", host), attribute.String("email", email))

	res, err := readTransaction(db.db, func(tx fdb.ReadTransaction) (*types.Actor, error) {
		didBytes, err := tx.Get(pack(db.actors.didsByEmail, host, email)).Get()
		if err != nil {
			return nil, err
		}
		if len(didBytes) == 0 {
			return nil, ErrNotFound
		}

		buf, err := tx.Get(pack(db.actors.actors, string(didBytes))).Get()
		if err != nil {
			return nil, err
		}
		if len(buf) == 0 {
			return nil, ErrNotFound
		}

		var a types.Actor
		if err := json.Unmarshal(buf, &a); err != nil {
			return nil, fmt.Errorf("failed to unmarshal actor: %w", err)
		}
		return &a, nil
	})

	if err == ErrNotFound {
		return nil, nil
	}
	return res, err
}

// ListActorsResult is a page of actors on a given host.
type ListActorsResult struct {
	Actors []*types.Actor
	Cursor string
}

// ListActors paginates all actors registered on the given host, ordered by DID.
func (db *DB) ListActors(ctx context.Context, host string, cursor string, limit int) (result *ListActorsResult, err error) {
	_, span, done := db.observe(ctx, "ListActors")
	defer func() { done(err) }()

	span.SetAttributes(attribute.String("host", host), attribute.Int("limit", limit))

	result, err = readTransaction(db.db, func(tx fdb.ReadTransaction) (*ListActorsResult, error) {
		rangeBegin := pack(db.actors.didsByHost, host)
		rangeEnd := pack(db.actors.didsByHost, host+"\xff")
		if cursor != "" {
			rangeBegin = pack(db.actors.didsByHost, host, cursor+"\x00")
		}

		kr := fdb.KeyRange{Begin: rangeBegin, End: rangeEnd}
		iter := tx.GetRange(kr, fdb.RangeOptions{Limit: limit + 1}).Iterator()

		var dids []string
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, fmt.Errorf("failed to iterate dids_by_host: %w", err)
			}
			tup, err := db.actors.didsByHost.Unpack(kv.Key)
			if err != nil || len(tup) < 2 {
				continue
			}
			did, ok := tup[1].(string)
			if !ok {
				continue
			}
			dids = append(dids, did)
		}

		var nextCursor string
		if len(dids) > limit {
			nextCursor = dids[limit-1]
			dids = dids[:limit]
		}

		actors := make([]*types.Actor, 0, len(dids))
		for _, did := range dids {
			buf, err := tx.Get(pack(db.actors.actors, did)).Get()
			if err != nil {
				return nil, fmt.Errorf("failed to get actor %s: %w", did, err)
			}
			if len(buf) == 0 {
				continue
			}
			var a types.Actor
			if err := json.Unmarshal(buf, &a); err != nil {
				return nil, fmt.Errorf("failed to unmarshal actor: %w", err)
			}
			actors = append(actors, &a)
		}

		return &ListActorsResult{Actors: actors, Cursor: nextCursor}, nil
	})

	return
}

// CountActorsByHost returns the number of actors registered on the given
// host. Single-account mode uses this to reject a second createAccount.
func (db *DB) CountActorsByHost(ctx context.Context, host string) (count int, err error) {
	_, span, done := db.observe(ctx, "CountActorsByHost")
	defer func() { done(err) }()

	span.SetAttributes(attribute.String("host", host))

	count, err = readTransaction(db.db, func(tx fdb.ReadTransaction) (int, error) {
		kr := fdb.KeyRange{
			Begin: pack(db.actors.didsByHost, host),
			End:   pack(db.actors.didsByHost, host+"\xff"),
		}

		n := 0
		iter := tx.GetRange(kr, fdb.RangeOptions{}).Iterator()
		for iter.Advance() {
			if _, err := iter.Get(); err != nil {
				return 0, fmt.Errorf("failed to iterate dids_by_host: %w", err)
			}
			n++
		}
		return n, nil
	})
	return
}

// NextTID generates the next TID for a repo, ensuring strict monotonicity
// across all PDS processes via FDB atomic reads of the last-issued value.
// The candidate is timestamp-based (microseconds, clock ID 0); if it would
// not sort strictly after the last generated TID for this repo, we increment
// from the last value instead.
func (db *DB) NextTID(ctx context.Context, did string) (tid syntax.TID, err error) {
	_, span, done := db.observe(ctx, "NextTID")
	defer func() { done(err) }()

	span.SetAttributes(attribute.String("did", did))

	key := pack(db.actors.tidsByDID, did)

	newTID, err := transaction(db.db, func(tx fdb.Transaction) (uint64, error) {
		val, err := tx.Get(key).Get()
		if err != nil {
			return 0, err
		}

		var lastTID uint64
		if len(val) == 8 {
			lastTID = binary.BigEndian.Uint64(val)
		}

		nowMicros := time.Now().UTC().UnixMicro()
		candidate := uint64(nowMicros&0x1F_FFFF_FFFF_FFFF) << 10

		var next uint64
		if candidate > lastTID {
			next = candidate
		} else {
			next = lastTID + 1
		}

		buf := make([]byte, 8)
		binary.BigEndian.PutUint64(buf, next)
		tx.Set(key, buf)

		return next, nil
	})
	if err != nil {
		return "", err
	}

	span.SetAttributes(attribute.Int64("tid", int64(newTID)))

	return syntax.NewTIDFromInteger(newTID), nil
}

// --- refresh tokens -------------------------------------------------------

// AddRefreshToken appends a refresh token to an actor's row.
func (db *DB) AddRefreshToken(ctx context.Context, did string, rt *types.RefreshToken) (err error) {
	_, span, done := db.observe(ctx, "AddRefreshToken")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("did", did))

	_, err = transaction(db.db, func(tx fdb.Transaction) (any, error) {
		actor, err := db.getActorByDIDTx(tx, did)
		if err != nil {
			return nil, err
		}
		actor.RefreshTokens = append(actor.RefreshTokens, rt)
		return nil, db.saveActorTx(tx, actor)
	})
	return
}

// RemoveRefreshToken removes a single refresh token (by JTI) from an actor's row.
func (db *DB) RemoveRefreshToken(ctx context.Context, did, jti string) (err error) {
	_, span, done := db.observe(ctx, "RemoveRefreshToken")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("did", did))

	_, err = transaction(db.db, func(tx fdb.Transaction) (any, error) {
		actor, err := db.getActorByDIDTx(tx, did)
		if err != nil {
			return nil, err
		}

		kept := make([]*types.RefreshToken, 0, len(actor.RefreshTokens))
		for _, rt := range actor.RefreshTokens {
			if rt.ID != jti {
				kept = append(kept, rt)
			}
		}
		actor.RefreshTokens = kept

		return nil, db.saveActorTx(tx, actor)
	})
	return
}

// RotateRefreshToken atomically replaces a refresh token by JTI with a new one,
// verifying the old token hasn't already been rotated or expired. Returns
// ErrNotFound if the JTI is not a currently-valid token for this actor.
func (db *DB) RotateRefreshToken(ctx context.Context, did, oldJTI string, next *types.RefreshToken) (err error) {
	_, span, done := db.observe(ctx, "RotateRefreshToken")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("did", did))

	_, err = transaction(db.db, func(tx fdb.Transaction) (any, error) {
		actor, err := db.getActorByDIDTx(tx, did)
		if err != nil {
			return nil, err
		}

		found := false
		kept := make([]*types.RefreshToken, 0, len(actor.RefreshTokens)+1)
		for _, rt := range actor.RefreshTokens {
			if rt.ID == oldJTI {
				found = true
				continue
			}
			kept = append(kept, rt)
		}
		if !found {
			return nil, ErrNotFound
		}

		kept = append(kept, next)
		actor.RefreshTokens = kept

		return nil, db.saveActorTx(tx, actor)
	})
	return
}

// DeleteActor removes an actor and everything hanging off it: the actor row,
// its secondary indices, repo records and blocks, blob metadata, pending
// email tokens, and the TID counter. The blob bytes themselves live in the
// object store and are the caller's problem. Everything happens in one
// transaction so a concurrent reader sees the account fully present or fully
// gone.
func (db *DB) DeleteActor(ctx context.Context, did string) (err error) {
	_, span, done := db.observe(ctx, "DeleteActor")
	defer func() { done(err) }()

	span.SetAttributes(attribute.String("did", did))

	_, err = transaction(db.db, func(tx fdb.Transaction) (any, error) {
		actor, err := db.getActorByDIDTx(tx, did)
		if err != nil {
			return nil, err
		}

		tx.Clear(pack(db.actors.actors, did))
		if actor.Handle != "" {
			tx.Clear(pack(db.actors.didsByHandle, actor.Handle))
		}
		if actor.Email != "" && actor.PdsHost != "" {
			tx.Clear(pack(db.actors.didsByEmail, actor.PdsHost, actor.Email))
		}
		if actor.PdsHost != "" {
			tx.Clear(pack(db.actors.didsByHost, actor.PdsHost, did))
		}
		tx.Clear(pack(db.actors.tidsByDID, did))

		clearPrefix := func(dir directory.DirectorySubspace) {
			tx.ClearRange(fdb.KeyRange{
				Begin: pack(dir, did),
				End:   pack(dir, did+"\xff"),
			})
		}
		clearPrefix(db.records.records)
		clearPrefix(db.records.collectionCounts)
		clearPrefix(db.blockDir.blocks)
		clearPrefix(db.blockDir.commitsByRev)
		clearPrefix(db.blobs)

		for _, purpose := range []string{
			types.EmailTokenPurposeConfirmEmail,
			types.EmailTokenPurposeResetPassword,
			types.EmailTokenPurposeUpdateEmail,
			types.EmailTokenPurposeDeleteAccount,
		} {
			buf, err := tx.Get(pack(db.emailTokensByDid, purpose, did)).Get()
			if err != nil {
				return nil, err
			}
			if len(buf) > 0 {
				var et types.EmailToken
				if err := json.Unmarshal(buf, &et); err == nil {
					tx.Clear(pack(db.emailTokensByToken, purpose, et.Token))
				}
				tx.Clear(pack(db.emailTokensByDid, purpose, did))
			}
		}

		return nil, nil
	})
	if err != nil {
		return
	}

	// drop cached records for the deleted repo. A miss on the next read is
	// the worst case if the transaction retried, never a stale hit.
	prefix := "at://" + did + "/"
	for _, key := range db.recordCache.Keys() {
		if len(key) >= len(prefix) && key[:len(prefix)] == prefix {
			db.recordCache.Remove(key)
		}
	}

	return
}

// --- app passwords ---------------------------------------------------------

// AddAppPassword appends an app password to an actor's row, rejecting a
// duplicate name since revocation is by name.
func (db *DB) AddAppPassword(ctx context.Context, did string, ap *types.AppPassword) (err error) {
	_, span, done := db.observe(ctx, "AddAppPassword")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("did", did), attribute.String("name", ap.Name))

	_, err = transaction(db.db, func(tx fdb.Transaction) (any, error) {
		actor, err := db.getActorByDIDTx(tx, did)
		if err != nil {
			return nil, err
		}

		for _, existing := range actor.AppPasswords {
			if existing.Name == ap.Name {
				return nil, fmt.Errorf("app password %q already exists", ap.Name)
			}
		}

		actor.AppPasswords = append(actor.AppPasswords, ap)
		return nil, db.saveActorTx(tx, actor)
	})
	return
}

// RemoveAppPassword deletes an app password by name, along with any refresh
// tokens minted from sessions that authenticated with it.
func (db *DB) RemoveAppPassword(ctx context.Context, did, name string) (err error) {
	_, span, done := db.observe(ctx, "RemoveAppPassword")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("did", did), attribute.String("name", name))

	_, err = transaction(db.db, func(tx fdb.Transaction) (any, error) {
		actor, err := db.getActorByDIDTx(tx, did)
		if err != nil {
			return nil, err
		}

		found := false
		kept := make([]*types.AppPassword, 0, len(actor.AppPasswords))
		for _, ap := range actor.AppPasswords {
			if ap.Name == name {
				found = true
				continue
			}
			kept = append(kept, ap)
		}
		if !found {
			return nil, ErrNotFound
		}
		actor.AppPasswords = kept

		keptTokens := make([]*types.RefreshToken, 0, len(actor.RefreshTokens))
		for _, rt := range actor.RefreshTokens {
			if rt.AppPasswordName == name {
				continue
			}
			keptTokens = append(keptTokens, rt)
		}
		actor.RefreshTokens = keptTokens

		return nil, db.saveActorTx(tx, actor)
	})
	return
}

// --- invite codes ----------------------------------------------------------

// SaveInviteCode inserts or updates an invite code row.
func (db *DB) SaveInviteCode(ctx context.Context, code *types.InviteCode) (err error) {
	_, span, done := db.observe(ctx, "SaveInviteCode")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("code", code.Code))

	buf, err := json.Marshal(code)
	if err != nil {
		return fmt.Errorf("failed to marshal invite code: %w", err)
	}

	_, err = transaction(db.db, func(tx fdb.Transaction) (any, error) {
		tx.Set(pack(db.invites, code.Code), buf)
		if code.CreatedBy != "" {
			tx.Set(pack(db.invitesByCreator, code.CreatedBy, code.Code), nil)
		}
		return nil, nil
	})
	return
}

// ListInviteCodesByAccount returns every invite code created by the given
// DID, ordered by code. Codes created by others for this DID are not listed.
func (db *DB) ListInviteCodesByAccount(ctx context.Context, did string) (codes []*types.InviteCode, err error) {
	_, span, done := db.observe(ctx, "ListInviteCodesByAccount")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("did", did))

	codes, err = readTransaction(db.db, func(tx fdb.ReadTransaction) ([]*types.InviteCode, error) {
		kr := fdb.KeyRange{
			Begin: pack(db.invitesByCreator, did),
			End:   pack(db.invitesByCreator, did+"\xff"),
		}

		var out []*types.InviteCode
		iter := tx.GetRange(kr, fdb.RangeOptions{}).Iterator()
		for iter.Advance() {
			kv, err := iter.Get()
			if err != nil {
				return nil, fmt.Errorf("failed to iterate invites_by_creator: %w", err)
			}

			tup, err := db.invitesByCreator.Unpack(kv.Key)
			if err != nil || len(tup) < 2 {
				continue
			}
			code, ok := tup[1].(string)
			if !ok {
				continue
			}

			buf, err := tx.Get(pack(db.invites, code)).Get()
			if err != nil {
				return nil, err
			}
			if len(buf) == 0 {
				continue
			}

			var ic types.InviteCode
			if err := json.Unmarshal(buf, &ic); err != nil {
				return nil, fmt.Errorf("failed to unmarshal invite code: %w", err)
			}
			out = append(out, &ic)
		}

		return out, nil
	})

	if err == ErrNotFound {
		return nil, nil
	}
	return
}

// GetInviteCode looks up an invite code row.
func (db *DB) GetInviteCode(ctx context.Context, code string) (invite *types.InviteCode, err error) {
	_, span, done := db.observe(ctx, "GetInviteCode")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("code", code))

	var ic types.InviteCode
	err = readJSON(db.db, &ic, func(tx fdb.ReadTransaction) ([]byte, error) {
		return tx.Get(pack(db.invites, code)).Get()
	})
	if err != nil {
		return nil, err
	}

	invite = &ic
	return
}

// ConsumeInviteCode atomically checks that a code is usable and records a use against it.
func (db *DB) ConsumeInviteCode(ctx context.Context, code, usedBy string) (err error) {
	_, span, done := db.observe(ctx, "ConsumeInviteCode")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("code", code), attribute.String("used_by", usedBy))

	_, err = transaction(db.db, func(tx fdb.Transaction) (any, error) {
		buf, err := tx.Get(pack(db.invites, code)).Get()
		if err != nil {
			return nil, err
		}
		if len(buf) == 0 {
			return nil, ErrNotFound
		}

		var ic types.InviteCode
		if err := json.Unmarshal(buf, &ic); err != nil {
			return nil, fmt.Errorf("failed to unmarshal invite code: %w", err)
		}

		if ic.Disabled {
			return nil, fmt.Errorf("invite code is disabled")
		}
		if ic.ForAccount != "" && ic.ForAccount != usedBy {
			return nil, fmt.Errorf("invite code is not valid for this account")
		}
		if len(ic.Uses) >= ic.AvailableUses {
			return nil, fmt.Errorf("invite code has no uses remaining")
		}

		ic.Uses = append(ic.Uses, &types.InviteCodeUse{
			UsedBy: usedBy,
			UsedAt: timestamppb.Now(),
		})

		out, err := json.Marshal(&ic)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal invite code: %w", err)
		}
		tx.Set(pack(db.invites, code), out)

		return nil, nil
	})
	return
}

// --- email tokens ------------------------------------------------------

// SaveEmailToken issues a single-use token for a (purpose, did) pair, replacing
// any existing token of the same purpose for that DID.
func (db *DB) SaveEmailToken(ctx context.Context, token *types.EmailToken) (err error) {
	_, span, done := db.observe(ctx, "SaveEmailToken")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("purpose", token.Purpose), attribute.String("did", token.Did))

	buf, err := json.Marshal(token)
	if err != nil {
		return fmt.Errorf("failed to marshal email token: %w", err)
	}

	_, err = transaction(db.db, func(tx fdb.Transaction) (any, error) {
		// clear any previous token for this purpose/did so old codes are invalidated
		existing, err := tx.Get(pack(db.emailTokensByDid, token.Purpose, token.Did)).Get()
		if err != nil {
			return nil, err
		}
		if len(existing) > 0 {
			var old types.EmailToken
			if err := json.Unmarshal(existing, &old); err == nil {
				tx.Clear(pack(db.emailTokensByToken, token.Purpose, old.Token))
			}
		}

		tx.Set(pack(db.emailTokensByDid, token.Purpose, token.Did), buf)
		tx.Set(pack(db.emailTokensByToken, token.Purpose, token.Token), buf)
		return nil, nil
	})
	return
}

// GetEmailTokenByDID looks up the pending email token for a (purpose, did)
// pair, the primary key under which tokens are stored.
func (db *DB) GetEmailTokenByDID(ctx context.Context, purpose, did string) (et *types.EmailToken, err error) {
	_, span, done := db.observe(ctx, "GetEmailTokenByDID")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("purpose", purpose), attribute.String("did", did))

	var t types.EmailToken
	err = readJSON(db.db, &t, func(tx fdb.ReadTransaction) ([]byte, error) {
		return tx.Get(pack(db.emailTokensByDid, purpose, did)).Get()
	})
	if err != nil {
		return nil, err
	}

	et = &t
	return
}

// GetEmailToken looks up a pending email token by purpose and raw token value.
func (db *DB) GetEmailToken(ctx context.Context, purpose, token string) (et *types.EmailToken, err error) {
	_, span, done := db.observe(ctx, "GetEmailToken")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("purpose", purpose))

	var t types.EmailToken
	err = readJSON(db.db, &t, func(tx fdb.ReadTransaction) ([]byte, error) {
		return tx.Get(pack(db.emailTokensByToken, purpose, token)).Get()
	})
	if err != nil {
		return nil, err
	}

	et = &t
	return
}

// DeleteEmailToken invalidates a used or superseded token.
func (db *DB) DeleteEmailToken(ctx context.Context, purpose, did string) (err error) {
	_, span, done := db.observe(ctx, "DeleteEmailToken")
	defer func() { done(err) }()
	span.SetAttributes(attribute.String("purpose", purpose), attribute.String("did", did))

	_, err = transaction(db.db, func(tx fdb.Transaction) (any, error) {
		buf, err := tx.Get(pack(db.emailTokensByDid, purpose, did)).Get()
		if err != nil {
			return nil, err
		}
		tx.Clear(pack(db.emailTokensByDid, purpose, did))
		if len(buf) > 0 {
			var t types.EmailToken
			if err := json.Unmarshal(buf, &t); err == nil {
				tx.Clear(pack(db.emailTokensByToken, purpose, t.Token))
			}
		}
		return nil, nil
	})
	return
}
