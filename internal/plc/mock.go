package plc

import (
	"context"
	"sync"

	"github.com/bluesky-social/indigo/atproto/atcrypto"
)

// MockClient is a PLC client stand-in for tests. It records every
// SendOperation call so a test can assert not just the outcome but how many
// times (and with which DIDs) the PDS talked to the PLC directory; CreateDID
// calls are not recorded.
type MockClient struct {
	CreateDIDFunc     func(ctx context.Context, sigkey *atcrypto.PrivateKeyK256, rotationKey atcrypto.PrivateKey, recovery, handle, pdsHost string) (string, *Operation, error)
	SendOperationFunc func(ctx context.Context, did string, op *Operation) error

	mu                sync.Mutex
	sentOperationDIDs []string
}

// SentOperationDIDs returns the DIDs passed to SendOperation, in call order.
func (m *MockClient) SentOperationDIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sentOperationDIDs))
	copy(out, m.sentOperationDIDs)
	return out
}

func (m *MockClient) CreateDID(ctx context.Context, sigkey *atcrypto.PrivateKeyK256, rotationKey atcrypto.PrivateKey, recovery, handle, pdsHost string) (string, *Operation, error) {
	if m.CreateDIDFunc != nil {
		return m.CreateDIDFunc(ctx, sigkey, rotationKey, recovery, handle, pdsHost)
	}

	// default: real key derivation and signing, just no directory round trip
	return signedGenesis(sigkey, rotationKey, recovery, handle, pdsHost)
}

func (m *MockClient) SendOperation(ctx context.Context, did string, op *Operation) error {
	m.mu.Lock()
	m.sentOperationDIDs = append(m.sentOperationDIDs, did)
	m.mu.Unlock()

	if m.SendOperationFunc != nil {
		return m.SendOperationFunc(ctx, did, op)
	}
	return nil
}
