package plc

import (
	"fmt"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
	"github.com/bluesky-social/indigo/atproto/atdata"
	typegen "github.com/whyrusleeping/cbor-gen"
)

// Operation is a did:plc operation document. For account creation the
// operation is a genesis op: Prev is nil and the DID itself is derived from
// the hash of the signed document.
type Operation struct {
	Type                string             `json:"type"`
	VerificationMethods map[string]string  `json:"verificationMethods"`
	RotationKeys        []string           `json:"rotationKeys"`
	AlsoKnownAs         []string           `json:"alsoKnownAs"`
	Services            map[string]Service `json:"services"`
	Prev                *string            `json:"prev"`
	Sig                 string             `json:"sig,omitempty"`
}

// Service is one entry of an operation's services map.
type Service struct {
	Type     string `json:"type"`
	Endpoint string `json:"endpoint"`
}

// newGenesisOp assembles an unsigned genesis operation for a fresh account:
// the repo signing key becomes the atproto verification method, the rotation
// key (plus an optional user-supplied recovery key, listed first so it takes
// precedence) controls future operations, and the PDS hostname is advertised
// as the account's atproto_pds service endpoint.
func newGenesisOp(sigkey *atcrypto.PrivateKeyK256, rotationKey atcrypto.PrivateKey, recovery, handle, pdsHost string) (*Operation, error) {
	sigPub, err := sigkey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive signing public key: %w", err)
	}
	rotPub, err := rotationKey.PublicKey()
	if err != nil {
		return nil, fmt.Errorf("failed to derive rotation public key: %w", err)
	}

	rotationKeys := []string{rotPub.DIDKey()}
	if recovery != "" {
		rotationKeys = append([]string{recovery}, rotationKeys...)
	}

	return &Operation{
		Type: "plc_operation",
		VerificationMethods: map[string]string{
			"atproto": sigPub.DIDKey(),
		},
		RotationKeys: rotationKeys,
		AlsoKnownAs:  []string{"at://" + handle},
		Services: map[string]Service{
			"atproto_pds": {
				Type:     "AtprotoPersonalDataServer",
				Endpoint: "https://" + pdsHost,
			},
		},
		Prev: nil,
	}, nil
}

// asMap renders the operation as the generic value shape DAG-CBOR encoding
// wants. Built by hand rather than via a JSON round trip so the wire
// document's field set is explicit: prev is always present (null for
// genesis), sig only once the op has been signed.
func (op *Operation) asMap() map[string]any {
	services := make(map[string]any, len(op.Services))
	for name, svc := range op.Services {
		services[name] = map[string]any{
			"type":     svc.Type,
			"endpoint": svc.Endpoint,
		}
	}

	verification := make(map[string]any, len(op.VerificationMethods))
	for name, key := range op.VerificationMethods {
		verification[name] = key
	}

	m := map[string]any{
		"type":                op.Type,
		"verificationMethods": verification,
		"rotationKeys":        anySlice(op.RotationKeys),
		"alsoKnownAs":         anySlice(op.AlsoKnownAs),
		"services":            services,
	}

	if op.Prev != nil {
		m["prev"] = *op.Prev
	} else {
		m["prev"] = nil
	}
	if op.Sig != "" {
		m["sig"] = op.Sig
	}

	return m
}

// MarshalCBOR encodes the operation as deterministic DAG-CBOR, the form both
// the signature and the did:plc hash are computed over.
func (op *Operation) MarshalCBOR() ([]byte, error) {
	if op == nil {
		return typegen.CborNull, nil
	}
	return atdata.MarshalCBOR(op.asMap())
}

func anySlice(in []string) []any {
	out := make([]any, len(in))
	for i, s := range in {
		out[i] = s
	}
	return out
}
