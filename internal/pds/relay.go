package pds

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strings"
	"time"
)

// relayRequestTimeout bounds a single requestCrawl POST to the relay
const relayRequestTimeout = 10 * time.Second

// relayNotifier pokes a configured relay to (re)crawl this PDS after repo
// writes, by POSTing com.atproto.sync.requestCrawl. Notifications are
// fire-and-forget: failures are logged, never retried or surfaced to callers.
type relayNotifier struct {
	log      *slog.Logger
	relayURL string
	hostname string
	client   *http.Client

	pending chan struct{}
}

// newRelayNotifier returns nil when relayURL is empty, so callers can call
// notify() unconditionally without a nil check at every call site.
func newRelayNotifier(log *slog.Logger, relayURL, hostname string) *relayNotifier {
	if relayURL == "" {
		return nil
	}

	return &relayNotifier{
		log:      log.With("component", "relay-notifier"),
		relayURL: strings.TrimRight(relayURL, "/"),
		hostname: hostname,
		client:   &http.Client{Timeout: relayRequestTimeout},
		pending:  make(chan struct{}, 1),
	}
}

// notify requests a crawl, coalescing bursts of writes into a single pending
// request so a flood of record writes doesn't queue up a flood of POSTs.
func (n *relayNotifier) notify() {
	if n == nil {
		return
	}

	select {
	case n.pending <- struct{}{}:
	default:
	}
}

// Run drains notify() requests and POSTs requestCrawl to the relay until ctx
// is cancelled.
func (n *relayNotifier) Run(ctx context.Context) {
	if n == nil {
		return
	}

	n.log.Info("starting relay notifier", "relay_url", n.relayURL)

	for {
		select {
		case <-ctx.Done():
			return
		case <-n.pending:
			n.requestCrawl(ctx)
		}
	}
}

func (n *relayNotifier) requestCrawl(ctx context.Context) {
	body, err := json.Marshal(map[string]string{"hostname": n.hostname})
	if err != nil {
		n.log.Error("failed to marshal requestCrawl body", "err", err)
		return
	}

	url := fmt.Sprintf("%s/xrpc/com.atproto.sync.requestCrawl", n.relayURL)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		n.log.Warn("failed to build requestCrawl request", "err", err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := n.client.Do(req)
	if err != nil {
		n.log.Warn("failed to notify relay", "url", url, "err", err)
		return
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		n.log.Warn("relay requestCrawl returned non-2xx", "url", url, "status", resp.StatusCode)
	}
}
