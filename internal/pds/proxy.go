package pds

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bluesky-social/indigo/api/bsky"
	lexutil "github.com/bluesky-social/indigo/lex/util"
	"github.com/driftpds/pds/internal/pds/metrics"
)

// appviewBackend is one upstream appview plus its last observed health.
type appviewBackend struct {
	url     string
	healthy atomic.Bool
}

// appviewProxy fans XRPC methods this PDS doesn't implement out to a pool of
// appview backends. Each backend is probed on an interval, and requests
// round-robin across whichever backends currently look healthy, so a
// multi-appview deployment shares load instead of pinning everything to the
// first entry in the config.
type appviewProxy struct {
	log      *slog.Logger
	backends []*appviewBackend
	client   *http.Client

	healthCheckInterval time.Duration
	next                atomic.Uint64
}

// newAppviewProxy creates a new appview proxy with the given URLs.
// If urls is empty, the proxy will be disabled (nil returned).
func newAppviewProxy(log *slog.Logger, urls []string) *appviewProxy {
	if len(urls) == 0 {
		return nil
	}

	p := &appviewProxy{
		log: log.With("component", "appview-proxy"),
		client: &http.Client{
			Timeout: 15 * time.Second,
			// a dedicated transport so idle upstream connections can be torn
			// down independently of the default client
			Transport: &http.Transport{
				MaxIdleConns:        10,
				MaxIdleConnsPerHost: 2,
				IdleConnTimeout:     30 * time.Second,
				DisableCompression:  true,
			},
		},
		healthCheckInterval: 15 * time.Second,
	}

	for _, u := range urls {
		b := &appviewBackend{url: strings.TrimRight(u, "/")}
		b.healthy.Store(true) // optimistic until the first probe says otherwise
		p.backends = append(p.backends, b)
	}

	return p
}

// CloseIdleConnections closes any idle connections in the proxy's HTTP client.
// This should be called when the proxy is no longer needed.
func (p *appviewProxy) CloseIdleConnections() {
	if p == nil || p.client == nil {
		return
	}
	if transport, ok := p.client.Transport.(*http.Transport); ok {
		transport.CloseIdleConnections()
	}
}

// Start probes every backend once immediately and then on the configured
// interval, until ctx is cancelled.
func (p *appviewProxy) Start(ctx context.Context) {
	if p == nil {
		return
	}

	var wg sync.WaitGroup
	defer wg.Wait()

	for _, backend := range p.backends {
		b := backend
		wg.Go(func() {
			ticker := time.NewTicker(p.healthCheckInterval)
			defer ticker.Stop()

			p.checkHealth(ctx, b)
			for {
				select {
				case <-ctx.Done():
					return
				case <-ticker.C:
					p.checkHealth(ctx, b)
				}
			}
		})
	}
}

// checkHealth probes one backend's _health endpoint and records the result,
// logging only on transitions so a steady state doesn't spam the log.
func (p *appviewProxy) checkHealth(ctx context.Context, backend *appviewBackend) {
	up := p.probe(ctx, backend.url)

	if was := backend.healthy.Swap(up); was != up {
		if up {
			p.log.Info("appview became healthy", "url", backend.url)
		} else {
			p.log.Warn("appview became unhealthy", "url", backend.url)
		}
	}
}

func (p *appviewProxy) probe(ctx context.Context, baseURL string) bool {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, baseURL+"/xrpc/_health", nil)
	if err != nil {
		p.log.Warn("failed to build health check request", "url", baseURL, "err", err)
		return false
	}

	resp, err := p.client.Do(req)
	if err != nil {
		p.log.Warn("health check failed", "url", baseURL, "err", err)
		return false
	}
	defer resp.Body.Close()        // nolint:errcheck
	io.Copy(io.Discard, resp.Body) // nolint:errcheck

	return resp.StatusCode == http.StatusOK
}

// getHealthyBackend returns the next healthy backend URL in round-robin
// order. If no backends are healthy, it still round-robins over the full
// set rather than blocking all requests, on the theory that a backend
// flapping between health checks is better used than refused outright.
func (p *appviewProxy) getHealthyBackend() (string, error) {
	if p == nil || len(p.backends) == 0 {
		return "", fmt.Errorf("no appview backends configured")
	}

	n := uint64(len(p.backends))
	start := p.next.Add(1) - 1

	for i := uint64(0); i < n; i++ {
		backend := p.backends[(start+i)%n]
		if backend.healthy.Load() {
			return backend.url, nil
		}
	}

	fallback := p.backends[start%n]
	p.log.Warn("no healthy appview backends, falling back round-robin", "url", fallback.url)
	return fallback.url, nil
}

// proxy forwards an HTTP request to a healthy appview backend.
func (p *appviewProxy) proxy(w http.ResponseWriter, r *http.Request) error {
	return p.proxyWithAuth(w, r, "")
}

// proxyWithAuth forwards a request to a healthy backend. serviceAuthToken,
// when set, replaces the Authorization header; otherwise the header is
// stripped, since the caller's PDS session token must never leak upstream.
func (p *appviewProxy) proxyWithAuth(w http.ResponseWriter, r *http.Request, serviceAuthToken string) error {
	start := time.Now()

	upstream, err := p.buildUpstreamRequest(r, serviceAuthToken)
	if err != nil {
		return err
	}

	resp, err := p.client.Do(upstream)
	if err != nil {
		metrics.ProxyErrors.WithLabelValues("upstream").Inc()
		return fmt.Errorf("proxy request failed: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck

	metrics.ProxyDuration.WithLabelValues(r.Method).Observe(time.Since(start).Seconds())
	metrics.ProxyRequests.WithLabelValues(r.Method, strconv.Itoa(resp.StatusCode)).Inc()

	p.relayResponse(w, resp)
	return nil
}

// buildUpstreamRequest clones the incoming request, retargets it at a
// healthy backend, and fixes up the auth header.
func (p *appviewProxy) buildUpstreamRequest(r *http.Request, serviceAuthToken string) (*http.Request, error) {
	backendURL, err := p.getHealthyBackend()
	if err != nil {
		metrics.ProxyErrors.WithLabelValues("no_backend").Inc()
		return nil, err
	}

	target, err := url.Parse(backendURL)
	if err != nil {
		metrics.ProxyErrors.WithLabelValues("invalid_url").Inc()
		return nil, fmt.Errorf("invalid backend URL: %w", err)
	}

	upstream := r.Clone(r.Context())
	upstream.URL.Scheme = target.Scheme
	upstream.URL.Host = target.Host
	upstream.Host = target.Host
	upstream.RequestURI = "" // client requests must not set this

	if r.Method == http.MethodGet || r.Method == http.MethodHead {
		upstream.Body = nil
	}

	if serviceAuthToken != "" {
		upstream.Header.Set("Authorization", "Bearer "+serviceAuthToken)
	} else {
		upstream.Header.Del("Authorization")
	}

	return upstream, nil
}

// relayResponse copies the upstream status, headers, and body back to the
// client, dropping upstream CORS headers since this server sets its own.
func (p *appviewProxy) relayResponse(w http.ResponseWriter, resp *http.Response) {
	for key, values := range resp.Header {
		if strings.HasPrefix(strings.ToLower(key), "access-control-") {
			continue
		}
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}

	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		// the status line is already out; all we can do is note it
		p.log.Error("failed to copy proxy response body", "err", err)
	}
}

func (s *server) handleProxy(w http.ResponseWriter, r *http.Request) {
	if s.appviewProxy == nil {
		s.errNamed(w, http.StatusNotFound, "RecordNotFound", "no appview configured for proxying")
		return
	}

	// the lexicon method is the final path segment: /xrpc/<nsid>
	lxm, ok := strings.CutPrefix(r.URL.Path, "/xrpc/")
	if !ok || lxm == "" || strings.Contains(lxm, "/") {
		s.badRequest(w, fmt.Errorf("invalid xrpc path"))
		return
	}

	// without an atproto-proxy header there is no target service to mint a
	// token for; forward anonymously
	proxyHeader := r.Header.Get("atproto-proxy")
	if proxyHeader == "" {
		if err := s.appviewProxy.proxy(w, r); err != nil {
			s.log.Error("proxy error", "err", err, "path", r.URL.Path)
			s.internalErr(w, fmt.Errorf("proxy error: %w", err))
		}
		return
	}

	// header format: <service-did>#<service-id>, e.g. did:web:api.bsky.app#bsky_appview
	serviceDID, _, ok := strings.Cut(proxyHeader, "#")
	if !ok || serviceDID == "" {
		s.badRequest(w, fmt.Errorf("invalid atproto-proxy header format"))
		return
	}

	// auth is optional on proxied reads; a valid session upgrades the
	// forwarded request to a signed service-auth token
	var serviceAuthToken string
	if actor := s.tryGetAuthenticatedActor(r); actor != nil {
		token, err := createServiceAuthToken(actor, serviceDID, lxm)
		if err != nil {
			s.log.Error("failed to create service auth token", "err", err, "did", actor.Did)
			s.internalErr(w, fmt.Errorf("authentication error"))
			return
		}
		serviceAuthToken = token
	}

	if err := s.appviewProxy.proxyWithAuth(w, r, serviceAuthToken); err != nil {
		s.log.Error("proxy error", "err", err, "path", r.URL.Path)
		s.internalErr(w, fmt.Errorf("proxy error: %w", err))
	}
}

// getRecordResponse is the slice of com.atproto.repo.getRecord's response
// the feed-generator lookup needs.
type getRecordResponse struct {
	URI   string                      `json:"uri"`
	CID   *string                     `json:"cid,omitempty"`
	Value *lexutil.LexiconTypeDecoder `json:"value"`
}

// getFeedGenerator resolves a feed generator record on the appview to the
// DID of the service that actually serves the feed skeleton.
func (p *appviewProxy) getFeedGenerator(ctx context.Context, repo, collection, rkey string) (string, error) {
	backendURL, err := p.getHealthyBackend()
	if err != nil {
		return "", err
	}

	u, err := url.Parse(backendURL + "/xrpc/com.atproto.repo.getRecord")
	if err != nil {
		return "", fmt.Errorf("invalid backend URL: %w", err)
	}
	u.RawQuery = url.Values{
		"repo":       {repo},
		"collection": {collection},
		"rkey":       {rkey},
	}.Encode()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.String(), nil)
	if err != nil {
		return "", fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := p.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("request failed: %w", err)
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body) // nolint:errcheck
		return "", fmt.Errorf("getRecord failed with status %d: %s", resp.StatusCode, string(body))
	}

	var record getRecordResponse
	if err := json.NewDecoder(resp.Body).Decode(&record); err != nil {
		return "", fmt.Errorf("failed to decode response: %w", err)
	}
	if record.Value == nil {
		return "", fmt.Errorf("record value is nil")
	}

	feedGen, ok := record.Value.Val.(*bsky.FeedGenerator)
	if !ok {
		return "", fmt.Errorf("record is not a feed generator")
	}

	return feedGen.Did, nil
}
