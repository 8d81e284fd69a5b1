package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/bluesky-social/indigo/api/atproto"
	"github.com/bluesky-social/indigo/atproto/syntax"
	"github.com/driftpds/pds/internal/types"
	"github.com/stretchr/testify/require"
	"google.golang.org/protobuf/types/known/timestamppb"
)

// newTestRkey mints a fresh TID-shaped record key so repeated test runs
// against a shared database never collide on the same path.
func newTestRkey() string {
	clk := syntax.NewTIDClock(0)
	return clk.Next().String()
}

func TestHandleListRepos(t *testing.T) {
	t.Parallel()
	srv := testServer(t)
	router := srv.router()
	ctx := t.Context()

	// create test actors with a unique prefix to avoid conflicts
	prefix := "did:plc:zzzzztestrepos"
	for i := 1; i <= 5; i++ {
		actor := &types.Actor{
			Did:           fmt.Sprintf("%s%03d", prefix, i),
			Email:         fmt.Sprintf("testrepos%d@example.com", i),
			Handle:        fmt.Sprintf("testrepos%d.dev.driftpds.net", i),
			PdsHost:       testPDSHost,
			CreatedAt:     timestamppb.New(time.Now()),
			PasswordHash:  fmt.Appendf(nil, "hash%d", i),
			SigningKey:    fmt.Appendf(nil, "key%d", i),
			RotationKeys:  [][]byte{fmt.Appendf(nil, "rotation%d", i)},
			RefreshTokens: []*types.RefreshToken{},
			Active:        true,
		}
		err := srv.db.SaveActor(ctx, actor)
		require.NoError(t, err)
	}

	t.Run("success - returns repos with valid structure", func(t *testing.T) {
		t.Parallel()
		w := httptest.NewRecorder()
		// query starting from our test prefix
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/xrpc/com.atproto.sync.listRepos?cursor=%s000&limit=3", prefix), nil)
		req = addTestHostContext(srv, req)
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)
		require.Equal(t, "application/json", w.Header().Get("Content-Type"))

		var out atproto.SyncListRepos_Output
		err := json.Unmarshal(w.Body.Bytes(), &out)
		require.NoError(t, err)

		// verify we got repos
		require.NotNil(t, out.Repos)
		require.GreaterOrEqual(t, len(out.Repos), 3, "should have at least our 3 test repos")

		// verify our test repos are in the response
		foundOurRepos := 0
		for _, repo := range out.Repos {
			if len(repo.Did) >= len(prefix) && repo.Did[:len(prefix)] == prefix {
				foundOurRepos++
				// verify repo has DID
				require.NotEmpty(t, repo.Did)
				// verify active field is set
				require.NotNil(t, repo.Active)
				require.True(t, *repo.Active)
			}
		}
		require.GreaterOrEqual(t, foundOurRepos, 3, "should find our test repos")

		// verify cursor is set (since we have more than 3 total actors)
		require.NotNil(t, out.Cursor)
	})

	t.Run("success - respects limit parameter", func(t *testing.T) {
		t.Parallel()
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/xrpc/com.atproto.sync.listRepos?cursor=%s000&limit=2", prefix), nil)
		req = addTestHostContext(srv, req)
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var out atproto.SyncListRepos_Output
		err := json.Unmarshal(w.Body.Bytes(), &out)
		require.NoError(t, err)

		require.NotNil(t, out.Repos)
		require.LessOrEqual(t, len(out.Repos), 2, "should respect limit of 2")
	})

	t.Run("success - cursor points to next page", func(t *testing.T) {
		t.Parallel()

		// first request with limit 2
		w1 := httptest.NewRecorder()
		req1 := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/xrpc/com.atproto.sync.listRepos?cursor=%s000&limit=2", prefix), nil)
		req1 = addTestHostContext(srv, req1)
		router.ServeHTTP(w1, req1)

		require.Equal(t, http.StatusOK, w1.Code)

		var out1 atproto.SyncListRepos_Output
		err := json.Unmarshal(w1.Body.Bytes(), &out1)
		require.NoError(t, err)
		require.NotNil(t, out1.Cursor)
		require.NotEmpty(t, *out1.Cursor, "should have a cursor for next page")

		// second request using the cursor from first request
		w2 := httptest.NewRecorder()
		req2 := httptest.NewRequest(http.MethodGet, fmt.Sprintf("/xrpc/com.atproto.sync.listRepos?cursor=%s&limit=2", *out1.Cursor), nil)
		req2 = addTestHostContext(srv, req2)
		router.ServeHTTP(w2, req2)

		require.Equal(t, http.StatusOK, w2.Code)

		var out2 atproto.SyncListRepos_Output
		err = json.Unmarshal(w2.Body.Bytes(), &out2)
		require.NoError(t, err)

		// verify second page has different repos
		if len(out1.Repos) > 0 && len(out2.Repos) > 0 {
			require.NotEqual(t, out1.Repos[0].Did, out2.Repos[0].Did, "second page should have different repos")
		}
	})

	t.Run("success - caps limit at 500", func(t *testing.T) {
		t.Parallel()
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/xrpc/com.atproto.sync.listRepos?limit=501", nil)
		req = addTestHostContext(srv, req)
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var out atproto.SyncListRepos_Output
		err := json.Unmarshal(w.Body.Bytes(), &out)
		require.NoError(t, err)
		require.NotNil(t, out.Repos)
		// limit is capped at 500, so we should get at most 500 repos
		require.LessOrEqual(t, len(out.Repos), 500)
	})

	t.Run("error - invalid limit (negative)", func(t *testing.T) {
		t.Parallel()
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/xrpc/com.atproto.sync.listRepos?limit=-1", nil)
		req = addTestHostContext(srv, req)
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	})

	t.Run("error - invalid limit (non-numeric)", func(t *testing.T) {
		t.Parallel()
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/xrpc/com.atproto.sync.listRepos?limit=abc", nil)
		req = addTestHostContext(srv, req)
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	})

	t.Run("error - invalid cursor (not a DID)", func(t *testing.T) {
		t.Parallel()
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodGet, "/xrpc/com.atproto.sync.listRepos?cursor=not-a-did", nil)
		req = addTestHostContext(srv, req)
		router.ServeHTTP(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Equal(t, "application/json", w.Header().Get("Content-Type"))
	})
}

func TestHandleCreateRecord(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	srv := testServer(t)

	// record writes need a real signing key and an initialized repo, so use
	// the shared helper rather than hand-rolling an actor row
	setupWriteActor := func(did, email, handle string) (*types.Actor, *Session) {
		return setupTestActor(t, srv, did, email, handle)
	}

	// helper to add auth and host context to requests
	addAuthContext := func(req *http.Request, actor *types.Actor, accessToken string) *http.Request {
		req.Header.Set("Authorization", "Bearer "+accessToken)
		ctx := context.WithValue(req.Context(), hostContextKey{}, srv.hosts[testPDSHost])
		ctx = context.WithValue(ctx, actorContextKey{}, actor)
		return req.WithContext(ctx)
	}

	t.Run("success - creates record with generated rkey", func(t *testing.T) {
		t.Parallel()

		actor, session := setupWriteActor("did:plc:createrecord1", "create1@example.com", "create1.dev.driftpds.dev")

		input := map[string]any{
			"repo":       actor.Did,
			"collection": "app.bsky.feed.post",
			"record": map[string]any{
				"$type":     "app.bsky.feed.post",
				"text":      "Hello, world!",
				"createdAt": time.Now().Format(time.RFC3339),
			},
		}

		body, err := json.Marshal(input)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.createRecord", bytes.NewReader(body))
		req = addAuthContext(req, actor, session.AccessToken)
		srv.handleCreateRecord(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var out atproto.RepoCreateRecord_Output
		err = json.Unmarshal(w.Body.Bytes(), &out)
		require.NoError(t, err)

		require.NotEmpty(t, out.Uri)
		require.NotEmpty(t, out.Cid)
		require.Contains(t, out.Uri, actor.Did)
		require.Contains(t, out.Uri, "app.bsky.feed.post")
	})

	t.Run("success - creates record with specified rkey", func(t *testing.T) {
		t.Parallel()

		actor, session := setupWriteActor("did:plc:createrecord2", "create2@example.com", "create2.dev.driftpds.dev")

		customRkey := newTestRkey() // use unique rkey to avoid collisions with previous test runs
		input := map[string]any{
			"repo":       actor.Did,
			"collection": "app.bsky.feed.post",
			"rkey":       customRkey,
			"record": map[string]any{
				"$type":     "app.bsky.feed.post",
				"text":      "Custom rkey post",
				"createdAt": time.Now().Format(time.RFC3339),
			},
		}

		body, err := json.Marshal(input)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.createRecord", bytes.NewReader(body))
		req = addAuthContext(req, actor, session.AccessToken)
		srv.handleCreateRecord(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var out atproto.RepoCreateRecord_Output
		err = json.Unmarshal(w.Body.Bytes(), &out)
		require.NoError(t, err)

		require.Contains(t, out.Uri, customRkey)
	})

	t.Run("success - record can be retrieved after creation", func(t *testing.T) {
		t.Parallel()

		actor, session := setupWriteActor("did:plc:createrecord3", "create3@example.com", "create3.dev.driftpds.dev")

		rkey := newTestRkey() // use unique rkey to avoid collisions with previous test runs
		input := map[string]any{
			"repo":       actor.Did,
			"collection": "app.bsky.feed.like",
			"rkey":       rkey,
			"record": map[string]any{
				"$type":   "app.bsky.feed.like",
				"subject": map[string]any{"uri": "at://did:plc:other/app.bsky.feed.post/abc", "cid": "bafyrei..."},
			},
		}

		body, err := json.Marshal(input)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.createRecord", bytes.NewReader(body))
		req = addAuthContext(req, actor, session.AccessToken)
		srv.handleCreateRecord(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		// verify record was saved to DB
		uri := fmt.Sprintf("at://%s/%s/%s", actor.Did, "app.bsky.feed.like", rkey)
		record, err := srv.db.GetRecord(ctx, uri)
		require.NoError(t, err)
		require.NotNil(t, record)
		require.Equal(t, actor.Did, record.Did)
		require.Equal(t, "app.bsky.feed.like", record.Collection)
		require.Equal(t, rkey, record.Rkey)
	})

	t.Run("error - repo mismatch", func(t *testing.T) {
		t.Parallel()

		actor, session := setupWriteActor("did:plc:createrecord4", "create4@example.com", "create4.dev.driftpds.dev")

		input := map[string]any{
			"repo":       "did:plc:someoneelse",
			"collection": "app.bsky.feed.post",
			"record": map[string]any{
				"$type": "app.bsky.feed.post",
				"text":  "Trying to post as someone else",
			},
		}

		body, err := json.Marshal(input)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.createRecord", bytes.NewReader(body))
		req = addAuthContext(req, actor, session.AccessToken)
		srv.handleCreateRecord(w, req)

		require.Equal(t, http.StatusForbidden, w.Code)
	})

	t.Run("error - invalid collection NSID", func(t *testing.T) {
		t.Parallel()

		actor, session := setupWriteActor("did:plc:createrecord5", "create5@example.com", "create5.dev.driftpds.dev")

		input := map[string]any{
			"repo":       actor.Did,
			"collection": "not-a-valid-nsid",
			"record": map[string]any{
				"$type": "not-a-valid-nsid",
				"text":  "Invalid collection",
			},
		}

		body, err := json.Marshal(input)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.createRecord", bytes.NewReader(body))
		req = addAuthContext(req, actor, session.AccessToken)
		srv.handleCreateRecord(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("error - invalid rkey", func(t *testing.T) {
		t.Parallel()

		actor, session := setupWriteActor("did:plc:createrecord6", "create6@example.com", "create6.dev.driftpds.dev")

		input := map[string]any{
			"repo":       actor.Did,
			"collection": "app.bsky.feed.post",
			"rkey":       "invalid/rkey/with/slashes",
			"record": map[string]any{
				"$type": "app.bsky.feed.post",
				"text":  "Invalid rkey",
			},
		}

		body, err := json.Marshal(input)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.createRecord", bytes.NewReader(body))
		req = addAuthContext(req, actor, session.AccessToken)
		srv.handleCreateRecord(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("error - duplicate record", func(t *testing.T) {
		t.Parallel()

		actor, session := setupWriteActor("did:plc:createrecord7", "create7@example.com", "create7.dev.driftpds.dev")

		rkey := newTestRkey() // use unique rkey to avoid collisions with previous test runs
		input := map[string]any{
			"repo":       actor.Did,
			"collection": "app.bsky.feed.post",
			"rkey":       rkey,
			"record": map[string]any{
				"$type":     "app.bsky.feed.post",
				"text":      "First post",
				"createdAt": time.Now().Format(time.RFC3339),
			},
		}

		body, err := json.Marshal(input)
		require.NoError(t, err)

		// first request should succeed
		w1 := httptest.NewRecorder()
		req1 := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.createRecord", bytes.NewReader(body))
		req1 = addAuthContext(req1, actor, session.AccessToken)
		srv.handleCreateRecord(w1, req1)
		require.Equal(t, http.StatusOK, w1.Code)

		// second request with same rkey should fail
		w2 := httptest.NewRecorder()
		req2 := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.createRecord", bytes.NewReader(body))
		req2 = addAuthContext(req2, actor, session.AccessToken)
		srv.handleCreateRecord(w2, req2)
		require.Equal(t, http.StatusBadRequest, w2.Code)
	})

	t.Run("error - no auth", func(t *testing.T) {
		t.Parallel()

		input := map[string]any{
			"repo":       "did:plc:noauth",
			"collection": "app.bsky.feed.post",
			"record": map[string]any{
				"$type": "app.bsky.feed.post",
				"text":  "No auth",
			},
		}

		body, err := json.Marshal(input)
		require.NoError(t, err)

		// auth is enforced by the middleware, so route through it
		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.createRecord", bytes.NewReader(body))
		req = addTestHostContext(srv, req)
		srv.authMiddleware(srv.handleCreateRecord)(w, req)

		require.Equal(t, http.StatusUnauthorized, w.Code)
	})
}

func TestHandlePutRecord(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	srv := testServer(t)

	addAuthContext := func(req *http.Request, actor *types.Actor, accessToken string) *http.Request {
		req.Header.Set("Authorization", "Bearer "+accessToken)
		ctx := context.WithValue(req.Context(), hostContextKey{}, srv.hosts[testPDSHost])
		ctx = context.WithValue(ctx, actorContextKey{}, actor)
		return req.WithContext(ctx)
	}

	putRecord := func(t *testing.T, actor *types.Actor, token, rkey, displayName string, swapCommit *string) *httptest.ResponseRecorder {
		t.Helper()

		input := map[string]any{
			"repo":       actor.Did,
			"collection": "app.bsky.actor.profile",
			"rkey":       rkey,
			"record": map[string]any{
				"$type":       "app.bsky.actor.profile",
				"displayName": displayName,
			},
		}
		if swapCommit != nil {
			input["swapCommit"] = *swapCommit
		}

		body, err := json.Marshal(input)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.putRecord", bytes.NewReader(body))
		req = addAuthContext(req, actor, token)
		srv.handlePutRecord(w, req)
		return w
	}

	t.Run("put twice returns the second value and sequences both commits", func(t *testing.T) {
		t.Parallel()

		actor, session := setupTestActor(t, srv, "did:plc:putrecord1", "put1@example.com", "put1.dev.driftpds.dev")

		w := putRecord(t, actor, session.AccessToken, "self", "V1", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var first atproto.RepoPutRecord_Output
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &first))
		require.NotNil(t, first.Commit)

		// reload so the handler sees the advanced head
		actor, err := srv.db.GetActorByDID(ctx, actor.Did)
		require.NoError(t, err)

		w = putRecord(t, actor, session.AccessToken, "self", "V2", nil)
		require.Equal(t, http.StatusOK, w.Code)

		var second atproto.RepoPutRecord_Output
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &second))
		require.NotNil(t, second.Commit)
		require.Greater(t, second.Commit.Rev, first.Commit.Rev)

		record, err := srv.db.GetRecord(ctx, fmt.Sprintf("at://%s/app.bsky.actor.profile/self", actor.Did))
		require.NoError(t, err)
		require.Equal(t, second.Cid, record.Cid)

		// the actor's last two firehose events carry the two revs, in order
		events, err := srv.db.GetEventsSince(ctx, 0, 1000)
		require.NoError(t, err)
		var revs []string
		for _, ev := range events {
			if ev.Repo == actor.Did {
				revs = append(revs, ev.Rev)
			}
		}
		require.GreaterOrEqual(t, len(revs), 2)
		require.Equal(t, first.Commit.Rev, revs[len(revs)-2])
		require.Equal(t, second.Commit.Rev, revs[len(revs)-1])
	})

	t.Run("stale swapCommit fails with InvalidSwap", func(t *testing.T) {
		t.Parallel()

		actor, session := setupTestActor(t, srv, "did:plc:putrecord2", "put2@example.com", "put2.dev.driftpds.dev")
		staleHead := actor.Head

		w := putRecord(t, actor, session.AccessToken, "self", "V1", nil)
		require.Equal(t, http.StatusOK, w.Code)

		// the head has moved on, so the old commit CID no longer matches
		actor, err := srv.db.GetActorByDID(ctx, actor.Did)
		require.NoError(t, err)

		w = putRecord(t, actor, session.AccessToken, "self", "V2", &staleHead)
		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "InvalidSwap")
	})
}

func TestHandleDeleteRecord(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	srv := testServer(t)

	addAuthContext := func(req *http.Request, actor *types.Actor, accessToken string) *http.Request {
		req.Header.Set("Authorization", "Bearer "+accessToken)
		ctx := context.WithValue(req.Context(), hostContextKey{}, srv.hosts[testPDSHost])
		ctx = context.WithValue(ctx, actorContextKey{}, actor)
		return req.WithContext(ctx)
	}

	t.Run("deleted record is gone and the op carries no cid", func(t *testing.T) {
		t.Parallel()

		actor, _ := setupTestActor(t, srv, "did:plc:deleterecord1", "del1@example.com", "del1.dev.driftpds.dev")

		rkey := createTestRecordDirect(t, srv, actor, "app.bsky.feed.post", map[string]any{
			"$type": "app.bsky.feed.post",
			"text":  "to be deleted",
		})

		actor, err := srv.db.GetActorByDID(ctx, actor.Did)
		require.NoError(t, err)
		session, err := srv.createSession(context.WithValue(ctx, hostContextKey{}, srv.hosts[testPDSHost]), actor)
		require.NoError(t, err)

		input := map[string]any{
			"repo":       actor.Did,
			"collection": "app.bsky.feed.post",
			"rkey":       rkey,
		}
		body, err := json.Marshal(input)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.deleteRecord", bytes.NewReader(body))
		req = addAuthContext(req, actor, session.AccessToken)
		srv.handleDeleteRecord(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		uri := fmt.Sprintf("at://%s/app.bsky.feed.post/%s", actor.Did, rkey)
		_, err = srv.db.GetRecord(ctx, uri)
		require.Error(t, err)

		// the delete op on the firehose has no cid
		events, err := srv.db.GetEventsSince(ctx, 0, 1000)
		require.NoError(t, err)
		var deleteOp *types.RepoOp
		for i := len(events) - 1; i >= 0 && deleteOp == nil; i-- {
			if events[i].Repo != actor.Did {
				continue
			}
			for _, op := range events[i].Ops {
				if op.Action == "delete" {
					deleteOp = op
					break
				}
			}
		}
		require.NotNil(t, deleteOp)
		require.Empty(t, deleteOp.Cid)
		require.Equal(t, "app.bsky.feed.post/"+rkey, deleteOp.Path)
	})

	t.Run("deleting a missing record returns RecordNotFound", func(t *testing.T) {
		t.Parallel()

		actor, session := setupTestActor(t, srv, "did:plc:deleterecord2", "del2@example.com", "del2.dev.driftpds.dev")

		input := map[string]any{
			"repo":       actor.Did,
			"collection": "app.bsky.feed.post",
			"rkey":       newTestRkey(),
		}
		body, err := json.Marshal(input)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.deleteRecord", bytes.NewReader(body))
		req = addAuthContext(req, actor, session.AccessToken)
		srv.handleDeleteRecord(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "RecordNotFound")
	})
}

func TestHandleApplyWrites(t *testing.T) {
	t.Parallel()
	ctx := t.Context()

	srv := testServer(t)

	addAuthContext := func(req *http.Request, actor *types.Actor, accessToken string) *http.Request {
		req.Header.Set("Authorization", "Bearer "+accessToken)
		ctx := context.WithValue(req.Context(), hostContextKey{}, srv.hosts[testPDSHost])
		ctx = context.WithValue(ctx, actorContextKey{}, actor)
		return req.WithContext(ctx)
	}

	t.Run("batch folds into one commit and one event", func(t *testing.T) {
		t.Parallel()

		actor, session := setupTestActor(t, srv, "did:plc:applywrites1", "apply1@example.com", "apply1.dev.driftpds.dev")

		rkeyA, rkeyB := newTestRkey(), newTestRkey()
		input := map[string]any{
			"repo": actor.Did,
			"writes": []map[string]any{
				{
					"$type":      "com.atproto.repo.applyWrites#create",
					"collection": "app.bsky.feed.post",
					"rkey":       rkeyA,
					"value":      map[string]any{"$type": "app.bsky.feed.post", "text": "first"},
				},
				{
					"$type":      "com.atproto.repo.applyWrites#create",
					"collection": "app.bsky.feed.post",
					"rkey":       rkeyB,
					"value":      map[string]any{"$type": "app.bsky.feed.post", "text": "second"},
				},
			},
		}
		body, err := json.Marshal(input)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.applyWrites", bytes.NewReader(body))
		req = addAuthContext(req, actor, session.AccessToken)
		srv.handleApplyWrites(w, req)

		require.Equal(t, http.StatusOK, w.Code)

		var out atproto.RepoApplyWrites_Output
		require.NoError(t, json.Unmarshal(w.Body.Bytes(), &out))
		require.NotNil(t, out.Commit)

		// both records exist
		for _, rkey := range []string{rkeyA, rkeyB} {
			_, err := srv.db.GetRecord(ctx, fmt.Sprintf("at://%s/app.bsky.feed.post/%s", actor.Did, rkey))
			require.NoError(t, err)
		}

		// exactly one commit event carries both ops, and its rev matches the
		// rev advertised in the response
		events, err := srv.db.GetEventsSince(ctx, 0, 1000)
		require.NoError(t, err)
		var batchEvent *types.RepoEvent
		for i := len(events) - 1; i >= 0; i-- {
			if events[i].Repo == actor.Did {
				batchEvent = events[i]
				break
			}
		}
		require.NotNil(t, batchEvent)
		require.Equal(t, out.Commit.Rev, batchEvent.Rev)
		require.Len(t, batchEvent.Ops, 2)
	})

	t.Run("stale swapCommit fails with InvalidSwap", func(t *testing.T) {
		t.Parallel()

		actor, session := setupTestActor(t, srv, "did:plc:applywrites2", "apply2@example.com", "apply2.dev.driftpds.dev")
		staleHead := actor.Head

		createTestRecordDirect(t, srv, actor, "app.bsky.feed.post", map[string]any{
			"$type": "app.bsky.feed.post",
			"text":  "moves the head",
		})

		actor, err := srv.db.GetActorByDID(ctx, actor.Did)
		require.NoError(t, err)

		input := map[string]any{
			"repo":       actor.Did,
			"swapCommit": staleHead,
			"writes": []map[string]any{
				{
					"$type":      "com.atproto.repo.applyWrites#create",
					"collection": "app.bsky.feed.post",
					"rkey":       newTestRkey(),
					"value":      map[string]any{"$type": "app.bsky.feed.post", "text": "never lands"},
				},
			},
		}
		body, err := json.Marshal(input)
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.applyWrites", bytes.NewReader(body))
		req = addAuthContext(req, actor, session.AccessToken)
		srv.handleApplyWrites(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)
		require.Contains(t, w.Body.String(), "InvalidSwap")
	})

	t.Run("empty writes are rejected", func(t *testing.T) {
		t.Parallel()

		actor, session := setupTestActor(t, srv, "did:plc:applywrites3", "apply3@example.com", "apply3.dev.driftpds.dev")

		body, err := json.Marshal(map[string]any{"repo": actor.Did, "writes": []map[string]any{}})
		require.NoError(t, err)

		w := httptest.NewRecorder()
		req := httptest.NewRequest(http.MethodPost, "/xrpc/com.atproto.repo.applyWrites", bytes.NewReader(body))
		req = addAuthContext(req, actor, session.AccessToken)
		srv.handleApplyWrites(w, req)

		require.Equal(t, http.StatusBadRequest, w.Code)
	})
}
