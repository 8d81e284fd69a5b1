package pds

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/google/uuid"
	"github.com/driftpds/pds/internal/types"
)

// serviceAuthTTL is the lifetime of an inter-service auth token:
// short-lived, scoped to a single method call.
const serviceAuthTTL = time.Minute

// serviceAuthClaims is the payload of a token minted by createServiceAuthToken.
// lxm binds the token to a single NSID so a captured token can't be replayed
// against a different lexicon method on the same appview.
type serviceAuthClaims struct {
	Issuer    string `json:"iss"`
	Audience  string `json:"aud"`
	Method    string `json:"lxm"`
	JTI       string `json:"jti"`
	ExpiresAt int64  `json:"exp"`
}

// createServiceAuthToken mints an ES256K JWT signed with the actor's own
// repo signing key, for use when the PDS proxies a request to an appview on
// the actor's behalf. Unlike session tokens (HS256, signed by the host),
// service-auth tokens are signed per-actor so an appview can verify them
// against the DID's published signing key without trusting the PDS.
func createServiceAuthToken(actor *types.Actor, aud, lxm string) (string, error) {
	privkey, err := atcrypto.ParsePrivateBytesK256(actor.SigningKey)
	if err != nil {
		return "", fmt.Errorf("failed to parse signing key: %w", err)
	}

	claims := serviceAuthClaims{
		Issuer:    actor.Did,
		Audience:  aud,
		Method:    lxm,
		JTI:       uuid.NewString(),
		ExpiresAt: time.Now().Add(serviceAuthTTL).UTC().Unix(),
	}

	signingInput, err := encodeServiceAuthSigningInput(claims)
	if err != nil {
		return "", err
	}

	// HashAndSign hashes with SHA-256 internally before the K256 ECDSA signature
	sig, err := privkey.HashAndSign([]byte(signingInput))
	if err != nil {
		return "", fmt.Errorf("failed to sign service auth token: %w", err)
	}
	encodedSig := strings.TrimRight(base64.RawURLEncoding.EncodeToString(sig), "=")

	return signingInput + "." + encodedSig, nil
}

func encodeServiceAuthSigningInput(claims serviceAuthClaims) (string, error) {
	header := struct {
		Alg string `json:"alg"`
		Typ string `json:"typ"`
	}{Alg: "ES256K", Typ: "JWT"}

	headerJSON, err := json.Marshal(header)
	if err != nil {
		return "", fmt.Errorf("failed to marshal service auth header: %w", err)
	}

	payloadJSON, err := json.Marshal(claims)
	if err != nil {
		return "", fmt.Errorf("failed to marshal service auth claims: %w", err)
	}

	encodedHeader := base64.RawURLEncoding.EncodeToString(headerJSON)
	encodedPayload := base64.RawURLEncoding.EncodeToString(payloadJSON)
	return encodedHeader + "." + encodedPayload, nil
}
