package plc

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/base32"
	"encoding/base64"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/hashicorp/go-retryablehttp"
	"go.opentelemetry.io/otel/trace"
)

// PLC is the slice of the PLC directory this server needs: minting a genesis
// operation for a new account and submitting operations to the directory.
// An interface so tests can swap in a mock.
type PLC interface {
	CreateDID(ctx context.Context, sigkey *atcrypto.PrivateKeyK256, rotationKey atcrypto.PrivateKey, recovery, handle, pdsHost string) (string, *Operation, error)
	SendOperation(ctx context.Context, did string, op *Operation) error
}

type Client struct {
	tracer trace.Tracer

	client *http.Client
	plcURL string
}

type ClientArgs struct {
	Tracer trace.Tracer

	PLCURL string
}

// NewClient builds a PLC directory client whose HTTP calls retry on
// transient network and 5xx failures with exponential backoff: a failed
// genesis or rotation operation submission can't simply be dropped, since
// the DID it documents may already be live on the network.
func NewClient(args *ClientArgs) (*Client, error) {
	retryClient := retryablehttp.NewClient()
	retryClient.RetryMax = 4
	retryClient.Logger = nil // we log via our own tracer/spans, not retryablehttp's logger

	return &Client{
		tracer: args.Tracer,
		client: retryClient.StandardClient(),
		plcURL: strings.TrimRight(args.PLCURL, "/"),
	}, nil
}

// CreateDID builds and signs a genesis operation for a new account and
// derives its did:plc identifier. The operation is returned unsent; the
// caller submits it with SendOperation once it has committed to the account.
func (c *Client) CreateDID(
	ctx context.Context,
	sigkey *atcrypto.PrivateKeyK256,
	rotationKey atcrypto.PrivateKey,
	recovery string,
	handle string,
	pdsHost string,
) (string, *Operation, error) {
	_, span := c.tracer.Start(ctx, "plc/CreateDID")
	defer span.End()

	return signedGenesis(sigkey, rotationKey, recovery, handle, pdsHost)
}

// signedGenesis is CreateDID without the span, shared with the test mock.
func signedGenesis(sigkey *atcrypto.PrivateKeyK256, rotationKey atcrypto.PrivateKey, recovery, handle, pdsHost string) (string, *Operation, error) {
	op, err := newGenesisOp(sigkey, rotationKey, recovery, handle, pdsHost)
	if err != nil {
		return "", nil, err
	}

	if err := signOp(rotationKey, op); err != nil {
		return "", nil, err
	}

	did, err := DIDFromOp(op)
	if err != nil {
		return "", nil, err
	}

	return did, op, nil
}

// signOp signs the operation's DAG-CBOR form (sig absent) with a rotation
// key and stores the signature base64url-encoded, per the did:plc spec.
func signOp(rotationKey atcrypto.PrivateKey, op *Operation) error {
	unsigned := *op
	unsigned.Sig = ""

	b, err := unsigned.MarshalCBOR()
	if err != nil {
		return fmt.Errorf("failed to encode operation for signing: %w", err)
	}

	sig, err := rotationKey.HashAndSign(b)
	if err != nil {
		return fmt.Errorf("failed to sign operation: %w", err)
	}

	op.Sig = base64.RawURLEncoding.EncodeToString(sig)
	return nil
}

// DIDFromOp derives a did:plc identifier from a signed genesis operation:
// the first 24 characters of the lowercased base32 SHA-256 of its DAG-CBOR.
func DIDFromOp(op *Operation) (string, error) {
	b, err := op.MarshalCBOR()
	if err != nil {
		return "", err
	}

	sum := sha256.Sum256(b)
	encoded := strings.ToLower(base32.StdEncoding.EncodeToString(sum[:]))
	return "did:plc:" + encoded[:24], nil
}

// SendOperation submits a signed operation to the directory under the given
// DID. Any non-200 response is an error; retries for transient failures
// happen inside the HTTP client.
func (c *Client) SendOperation(ctx context.Context, did string, op *Operation) error {
	_, span := c.tracer.Start(ctx, "plc/SendOperation")
	defer span.End()

	payload, err := json.Marshal(op)
	if err != nil {
		return fmt.Errorf("failed to encode operation: %w", err)
	}

	endpoint := c.plcURL + "/" + url.QueryEscape(did)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(payload))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close() // nolint:errcheck

	if resp.StatusCode != http.StatusOK {
		body, _ := io.ReadAll(resp.Body) // nolint:errcheck
		return fmt.Errorf("plc directory rejected operation for %s: status %d, response %q", did, resp.StatusCode, body)
	}

	return nil
}
