package pds

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	_ "net/http/pprof"

	"github.com/bluesky-social/indigo/atproto/identity"
	"github.com/driftpds/pds/internal/metrics"
	"github.com/driftpds/pds/internal/pds/db"
	"github.com/driftpds/pds/internal/plc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"
)

const (
	serviceName = "drift.pds"
)

type Args struct {
	Addr        string
	MetricsAddr string

	ReadTimeout  time.Duration
	WriteTimeout time.Duration

	ConfigPath string

	FDB db.Config
}

type server struct {
	log    *slog.Logger
	tracer trace.Tracer

	shutdownOnce sync.Once

	db *db.DB

	directory identity.Directory
	plc       plc.PLC

	hosts              map[string]*loadedHostConfig
	cfg                runtimeConfig
	blobstore          *blobstore
	firehose           *firehose
	relay              *relayNotifier
	appviewProxy       *appviewProxy
	feedGeneratorCache *feedGeneratorCache
	mailer             mailer
}

// getHost returns the configuration for the given (port-stripped) hostname,
// or nil if the server is not configured to serve it.
func (s *server) getHost(hostname string) *loadedHostConfig {
	return s.hosts[hostname]
}

func (s *server) shutdown(cancel context.CancelFunc) {
	s.shutdownOnce.Do(func() {
		s.log.Info("shutdown initiated")
		cancel()
	})
}

func Run(ctx context.Context, args *Args) error {
	log := slog.Default().With(slog.String("service", serviceName))

	log.Info("starting pds server")
	defer log.Info("pds server shutdown complete")

	if err := metrics.InitTracing(ctx, serviceName); err != nil {
		return err
	}
	tracer := otel.Tracer(serviceName)

	cfg, err := LoadConfig(args.ConfigPath)
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	plcClient, err := plc.NewClient(&plc.ClientArgs{
		Tracer: tracer,
		PLCURL: cfg.Runtime.plcURL,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize plc client: %w", err)
	}

	dbClient, err := db.New(tracer, args.FDB)
	if err != nil {
		return err
	}

	var bs *blobstore
	if cfg.Blobstore != nil {
		bs, err = newBlobstore(cfg.Blobstore)
		if err != nil {
			return fmt.Errorf("failed to initialize blobstore: %w", err)
		}
	}

	// the relay notifier needs the hostname of a single logical PDS; in
	// multi-host configs one configured host (whichever map iteration
	// yields first) is used, and the other hosts are not announced
	var primaryHost string
	for hostname := range cfg.Hosts {
		primaryHost = hostname
		break
	}

	s := &server{
		log:    log,
		tracer: tracer,
		db:     dbClient,

		directory: identity.DefaultDirectory(),
		plc:       plcClient,

		hosts:              cfg.Hosts,
		cfg:                cfg.Runtime,
		blobstore:          bs,
		relay:              newRelayNotifier(log, cfg.Runtime.relayURL, primaryHost),
		appviewProxy:       newAppviewProxy(log, cfg.Runtime.appviewURLs),
		feedGeneratorCache: newFeedGeneratorCache(),
		mailer:             &logMailer{log: log},
	}
	s.firehose = newFirehose(log, s.db)

	cancelOnce := &sync.Once{}
	ctx, cancelFn := context.WithCancel(ctx)
	cancel := func() {
		cancelOnce.Do(func() {
			cancelFn()
		})
	}
	defer cancel()

	errs, ctx := errgroup.WithContext(ctx)

	sig := make(chan os.Signal, 1)
	signal.Notify(sig, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		select {
		case <-ctx.Done():
		case <-sig:
			s.log.Info("received shutdown signal")
			s.shutdown(cancel)
		}
	}()

	errs.Go(func() error {
		metrics.RunServer(ctx, cancel, args.MetricsAddr)
		return nil
	})

	errs.Go(func() error {
		s.firehose.Run(ctx)
		return nil
	})

	errs.Go(func() error {
		s.relay.Run(ctx)
		return nil
	})

	errs.Go(func() error {
		s.appviewProxy.Start(ctx)
		return nil
	})

	errs.Go(func() error {
		if err := s.serve(ctx, cancel, args); err != nil {
			return fmt.Errorf("failed to run connect rpc server: %w", err)
		}

		return nil
	})

	return errs.Wait()
}

func (s *server) serve(ctx context.Context, cancel context.CancelFunc, args *Args) error {
	defer cancel()

	handler := s.observabilityMiddleware(s.router())

	srv := &http.Server{
		Handler:      handler,
		Addr:         args.Addr,
		ErrorLog:     slog.NewLogLogger(s.log.Handler(), slog.LevelError),
		WriteTimeout: args.WriteTimeout,
		ReadTimeout:  args.ReadTimeout,
	}

	go func() {
		<-ctx.Done()

		shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer shutdownCancel()

		srv.SetKeepAlivesEnabled(false)
		if err := srv.Shutdown(shutdownCtx); err != nil {
			s.log.Error("server shutdown error", "err", err)
		}
	}()

	s.log.Info("server listening", "addr", args.Addr)
	if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("listen: %w", err)
	}
	return nil
}

func (s *server) plaintextOK(w http.ResponseWriter, msg string, args ...any) {
	s.plaintextWithCode(w, http.StatusOK, msg, args...)
}

func (s *server) plaintextWithCode(w http.ResponseWriter, code int, msg string, args ...any) {
	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	w.WriteHeader(code)
	fmt.Fprintf(w, msg, args...)
}

func (s *server) jsonOK(w http.ResponseWriter, resp any) {
	s.jsonWithCode(w, http.StatusOK, resp)
}

func (s *server) jsonWithCode(w http.ResponseWriter, code int, resp any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)

	if err := json.NewEncoder(w).Encode(resp); err != nil {
		s.log.Error("failed to json encode and write repsonse", "err", err)
		return
	}
}

// errNamed writes the XRPC error envelope `{error, message}`.
func (s *server) errNamed(w http.ResponseWriter, code int, name, message string) {
	type response struct {
		Error   string `json:"error"`
		Message string `json:"message"`
	}

	s.jsonWithCode(w, code, &response{
		Error:   name,
		Message: message,
	})
}

func (s *server) badRequest(w http.ResponseWriter, err error) {
	s.errNamed(w, http.StatusBadRequest, "InvalidRequest", err.Error())
}

func (s *server) notFound(w http.ResponseWriter, err error) {
	s.errNamed(w, http.StatusBadRequest, "RecordNotFound", err.Error())
}

func (s *server) internalErr(w http.ResponseWriter, err error) {
	s.errNamed(w, http.StatusInternalServerError, "InternalServerError", err.Error())
}

func (s *server) unauthorized(w http.ResponseWriter, err error) {
	s.errNamed(w, http.StatusUnauthorized, "InvalidToken", err.Error())
}

func (s *server) forbidden(w http.ResponseWriter, err error) {
	s.errNamed(w, http.StatusForbidden, "AuthorizationError", err.Error())
}

func (s *server) conflict(w http.ResponseWriter, err error) {
	s.errNamed(w, http.StatusBadRequest, "InvalidSwap", err.Error())
}

// wrapSpanless adapts the (s, span, w, r) handler shape used by health.go,
// which doesn't need the request-scoped span stashed in context.
func (s *server) wrapSpanless(h func(s *server, span trace.Span, w http.ResponseWriter, r *http.Request)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		h(s, spanFromContext(r.Context()), w, r)
	}
}

func (s *server) router() *http.ServeMux {
	mux := http.NewServeMux()

	//
	// Misc. routes (no host resolution required)
	//

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /ping", s.wrapSpanless(handlePing))
	mux.HandleFunc("GET /xrpc/_health", s.wrapSpanless(handleHealth))
	mux.HandleFunc("GET /robots.txt", s.handleRobots)

	//
	// well-known / identity routes (host-scoped, unauthenticated)
	//

	mux.Handle("GET /.well-known/did.json", s.hostMiddleware(http.HandlerFunc(s.handleWellKnown)))
	mux.Handle("GET /.well-known/atproto-did", s.hostMiddleware(http.HandlerFunc(s.handleAtprotoDid)))
	mux.Handle("GET /.well-known/oauth-protected-resource", s.hostMiddleware(http.HandlerFunc(s.handleOauthProtectedResource)))
	mux.Handle("GET /.well-known/oauth-authorization-server", s.hostMiddleware(http.HandlerFunc(s.handleOauthAuthorizationServer)))

	//
	// account & session lifecycle (host-scoped; createAccount/createSession are
	// unauthenticated by definition, the rest require a bearer token)
	//

	mux.Handle("GET /xrpc/com.atproto.identity.resolveHandle", s.hostMiddleware(http.HandlerFunc(s.handleResolveHandle)))
	mux.Handle("POST /xrpc/com.atproto.identity.updateHandle", s.hostMiddleware(s.authMiddleware(s.handleUpdateHandle)))
	mux.Handle("GET /xrpc/com.atproto.server.describeServer", s.hostMiddleware(http.HandlerFunc(s.handleDescribeServer)))
	mux.Handle("POST /xrpc/com.atproto.server.createAccount", s.hostMiddleware(http.HandlerFunc(s.handleCreateAccount)))
	mux.Handle("POST /xrpc/com.atproto.server.createSession", s.hostMiddleware(http.HandlerFunc(s.handleCreateSession)))
	mux.Handle("GET /xrpc/com.atproto.server.getSession", s.hostMiddleware(s.authMiddleware(s.handleGetSession)))
	mux.Handle("POST /xrpc/com.atproto.server.refreshSession", s.hostMiddleware(s.authMiddleware(s.handleRefreshSession)))
	mux.Handle("POST /xrpc/com.atproto.server.deleteSession", s.hostMiddleware(s.authMiddleware(s.handleDeleteSession)))

	//
	// account lifecycle & email flows. deleteAccount, requestPasswordReset,
	// and resetPassword are deliberately unauthenticated: they are the
	// recovery paths for users who have lost their sessions.
	//

	mux.Handle("POST /xrpc/com.atproto.server.deactivateAccount", s.hostMiddleware(s.authMiddleware(s.handleDeactivateAccount)))
	mux.Handle("POST /xrpc/com.atproto.server.activateAccount", s.hostMiddleware(s.authMiddleware(s.handleActivateAccount)))
	mux.Handle("POST /xrpc/com.atproto.server.requestAccountDelete", s.hostMiddleware(s.authMiddleware(s.handleRequestAccountDelete)))
	mux.Handle("POST /xrpc/com.atproto.server.deleteAccount", s.hostMiddleware(http.HandlerFunc(s.handleDeleteAccount)))
	mux.Handle("POST /xrpc/com.atproto.server.requestEmailConfirmation", s.hostMiddleware(s.authMiddleware(s.handleRequestEmailConfirmation)))
	mux.Handle("POST /xrpc/com.atproto.server.confirmEmail", s.hostMiddleware(s.authMiddleware(s.handleConfirmEmail)))
	mux.Handle("POST /xrpc/com.atproto.server.requestPasswordReset", s.hostMiddleware(http.HandlerFunc(s.handleRequestPasswordReset)))
	mux.Handle("POST /xrpc/com.atproto.server.resetPassword", s.hostMiddleware(http.HandlerFunc(s.handleResetPassword)))
	mux.Handle("POST /xrpc/com.atproto.server.requestEmailUpdate", s.hostMiddleware(s.authMiddleware(s.handleRequestEmailUpdate)))
	mux.Handle("POST /xrpc/com.atproto.server.updateEmail", s.hostMiddleware(s.authMiddleware(s.handleUpdateEmail)))

	//
	// invite codes & app passwords (authenticated)
	//

	mux.Handle("POST /xrpc/com.atproto.server.createInviteCode", s.hostMiddleware(s.authMiddleware(s.handleCreateInviteCode)))
	mux.Handle("GET /xrpc/com.atproto.server.getAccountInviteCodes", s.hostMiddleware(s.authMiddleware(s.handleGetAccountInviteCodes)))
	mux.Handle("POST /xrpc/com.atproto.server.createAppPassword", s.hostMiddleware(s.authMiddleware(s.handleCreateAppPassword)))
	mux.Handle("GET /xrpc/com.atproto.server.listAppPasswords", s.hostMiddleware(s.authMiddleware(s.handleListAppPasswords)))
	mux.Handle("POST /xrpc/com.atproto.server.revokeAppPassword", s.hostMiddleware(s.authMiddleware(s.handleRevokeAppPassword)))

	//
	// repo reads (public) and writes (authenticated, active accounts only)
	//

	mux.Handle("GET /xrpc/com.atproto.repo.getRecord", s.hostMiddleware(http.HandlerFunc(s.handleGetRecord)))
	mux.Handle("GET /xrpc/com.atproto.repo.listRecords", s.hostMiddleware(http.HandlerFunc(s.handleListRecords)))
	mux.Handle("GET /xrpc/com.atproto.repo.describeRepo", s.hostMiddleware(http.HandlerFunc(s.handleDescribeRepo)))
	mux.Handle("POST /xrpc/com.atproto.repo.createRecord", s.hostMiddleware(s.authMiddleware(s.requireActive(s.handleCreateRecord))))
	mux.Handle("POST /xrpc/com.atproto.repo.putRecord", s.hostMiddleware(s.authMiddleware(s.requireActive(s.handlePutRecord))))
	mux.Handle("POST /xrpc/com.atproto.repo.deleteRecord", s.hostMiddleware(s.authMiddleware(s.requireActive(s.handleDeleteRecord))))
	mux.Handle("POST /xrpc/com.atproto.repo.applyWrites", s.hostMiddleware(s.authMiddleware(s.requireActive(s.handleApplyWrites))))

	//
	// admin surface, gated by the admin_dids allowlist
	//

	mux.Handle("GET /xrpc/com.atproto.admin.getAccountInfo", s.hostMiddleware(s.adminMiddleware(s.handleAdminGetAccountInfo)))
	mux.Handle("POST /xrpc/com.atproto.admin.updateAccountHandle", s.hostMiddleware(s.adminMiddleware(s.handleAdminUpdateAccountHandle)))
	mux.Handle("POST /xrpc/com.atproto.admin.disableAccount", s.hostMiddleware(s.adminMiddleware(s.handleAdminDisableAccount)))
	mux.Handle("POST /xrpc/com.atproto.admin.enableAccount", s.hostMiddleware(s.adminMiddleware(s.handleAdminEnableAccount)))
	mux.Handle("POST /xrpc/com.atproto.admin.sendModerationAction", s.hostMiddleware(s.adminMiddleware(s.handleAdminSendModerationAction)))

	//
	// sync / firehose (public read endpoints)
	//

	mux.Handle("GET /xrpc/com.atproto.sync.listRepos", s.hostMiddleware(http.HandlerFunc(s.handleListRepos)))
	mux.Handle("GET /xrpc/com.atproto.sync.getBlocks", s.hostMiddleware(http.HandlerFunc(s.handleGetBlocks)))
	mux.Handle("GET /xrpc/com.atproto.sync.getLatestCommit", s.hostMiddleware(http.HandlerFunc(s.handleGetLatestCommit)))
	mux.Handle("GET /xrpc/com.atproto.sync.getRepoStatus", s.hostMiddleware(http.HandlerFunc(s.handleGetRepoStatus)))
	mux.Handle("GET /xrpc/com.atproto.sync.getRepo", s.hostMiddleware(http.HandlerFunc(s.handleGetRepo)))
	mux.Handle("GET /xrpc/com.atproto.sync.subscribeRepos", s.hostMiddleware(http.HandlerFunc(s.handleSubscribeRepos)))

	//
	// blobs (upload/list authenticated, fetch public)
	//

	mux.Handle("POST /xrpc/com.atproto.repo.uploadBlob", s.hostMiddleware(s.authMiddleware(s.requireActive(s.handleUploadBlob))))
	mux.Handle("GET /xrpc/com.atproto.sync.listBlobs", s.hostMiddleware(http.HandlerFunc(s.handleListBlobs)))
	mux.Handle("GET /xrpc/com.atproto.sync.getBlob", s.hostMiddleware(http.HandlerFunc(s.handleGetBlob)))

	//
	// preferences (authenticated)
	//

	mux.Handle("GET /xrpc/app.bsky.actor.getPreferences", s.hostMiddleware(s.authMiddleware(s.handleGetPreferences)))
	mux.Handle("POST /xrpc/app.bsky.actor.putPreferences", s.hostMiddleware(s.authMiddleware(s.handlePutPreferences)))

	//
	// appview-proxied reads (feed/label and the generic app.bsky.* catch-all)
	//

	mux.Handle("GET /xrpc/app.bsky.feed.getFeed", s.hostMiddleware(http.HandlerFunc(s.handleGetFeed)))
	mux.Handle("GET /xrpc/com.atproto.label.queryLabels", s.hostMiddleware(http.HandlerFunc(s.handleQueryLabels)))
	mux.Handle("GET /xrpc/", s.hostMiddleware(http.HandlerFunc(s.handleProxy)))
	mux.Handle("POST /xrpc/", s.hostMiddleware(http.HandlerFunc(s.handleProxy)))

	return mux
}
