package pds

import (
	"context"
	"log/slog"
	"net/http"
	"sync"
	"testing"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/driftpds/pds/internal/pds/db"
	"github.com/driftpds/pds/internal/plc"
	"github.com/driftpds/pds/internal/types"
	"github.com/stretchr/testify/require"
	"go.opentelemetry.io/otel"
	"golang.org/x/crypto/bcrypt"
	"google.golang.org/protobuf/types/known/timestamppb"
)

var (
	setupOnce sync.Once
	testDB    *db.DB
)

const testPDSHost = "dev.driftpds.dev"

func testServer(t *testing.T) *server {
	t.Helper()

	tracer := otel.Tracer("test")

	var err error
	setupOnce.Do(func() {
		testDB, err = db.New(tracer, db.Config{
			ClusterFile: "../../foundation.cluster",
			APIVersion:  730,
		})
	})
	require.NoError(t, err)
	require.NotNil(t, testDB)

	dir := identity.NewMockDirectory()

	srv := &server{
		log:    slog.Default(),
		tracer: otel.Tracer("test"),

		hosts: map[string]*loadedHostConfig{
			testPDSHost: {
				hostname:       testPDSHost,
				accessSecret:   []byte("test-access-secret"),
				refreshSecret:  []byte("test-refresh-secret"),
				serviceDID:     "did:web:dev.driftpds.dev",
				userDomains:    []string{".dev.driftpds.dev"},
				contactEmail:   "webmaster@dev.driftpds.dev",
				privacyPolicy:  "https://dev.driftpds.dev/privacy",
				termsOfService: "https://dev.driftpds.dev/tos",
			},
		},

		db: testDB,

		directory:          &dir,
		plc:                &plc.MockClient{},
		feedGeneratorCache: newFeedGeneratorCache(),
		mailer:             &logMailer{log: slog.Default()},
	}

	// httptest.NewRequest defaults Host to example.com; alias it to the test
	// host config so router-driven tests pass hostMiddleware without setting
	// req.Host by hand
	srv.hosts["example.com"] = srv.hosts[testPDSHost]

	return srv
}

// helper to create an authenticated actor with a real signing key and an
// initialized (empty) repo, so record writes against it produce verifiable
// commits just like an account created through the XRPC surface would.
func setupTestActor(t *testing.T, srv *server, did, email, handle string) (*types.Actor, *Session) {
	t.Helper()

	ctx := context.WithValue(t.Context(), hostContextKey{}, srv.hosts[testPDSHost])

	pwHash, err := bcrypt.GenerateFromPassword([]byte("password"), bcrypt.DefaultCost)
	require.NoError(t, err)

	signingKey, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)

	rotationKey, err := atcrypto.GeneratePrivateKeyK256()
	require.NoError(t, err)

	actor := &types.Actor{
		Did:           did,
		Email:         email,
		Handle:        handle,
		PdsHost:       testPDSHost,
		CreatedAt:     timestamppb.Now(),
		PasswordHash:  pwHash,
		SigningKey:    signingKey.Bytes(),
		RotationKeys:  [][]byte{rotationKey.Bytes()},
		RefreshTokens: []*types.RefreshToken{},
		Active:        true,
	}

	commitCID, rev, err := srv.db.InitRepo(ctx, actor)
	require.NoError(t, err)
	actor.Head = commitCID.String()
	actor.Rev = rev

	err = srv.db.SaveActor(ctx, actor)
	require.NoError(t, err)

	session, err := srv.createSession(ctx, actor)
	require.NoError(t, err)

	return actor, session
}

func addAuthContext(t *testing.T, ctx context.Context, srv *server, req *http.Request, actor *types.Actor, accessToken string) *http.Request {
	t.Helper()

	req.Header.Set("Authorization", "Bearer "+accessToken)
	ctx = context.WithValue(ctx, hostContextKey{}, srv.hosts[testPDSHost])
	ctx = context.WithValue(ctx, actorContextKey{}, actor)
	return req.WithContext(ctx)
}
