package pipeline

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/require"

	"github.com/thirdweb-dev/engine-sub000/config"
	"github.com/thirdweb-dev/engine-sub000/pkg/chains/evm"
	"github.com/thirdweb-dev/engine-sub000/pkg/nonce"
	"github.com/thirdweb-dev/engine-sub000/pkg/store"
	"github.com/thirdweb-dev/engine-sub000/pkg/types"
)

type fakeStore struct {
	mu      sync.Mutex
	records map[string]*store.TransactionRecord
	claims  map[string]time.Time
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		records: make(map[string]*store.TransactionRecord),
		claims:  make(map[string]time.Time),
	}
}

func (f *fakeStore) add(rec *store.TransactionRecord) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.records[rec.QueueID] = rec
}

func (f *fakeStore) ListByStatus(ctx context.Context, status types.Status, limit int) ([]store.TransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []store.TransactionRecord
	for _, rec := range f.records {
		if types.Status(rec.Status) == status && len(out) < limit {
			out = append(out, *rec)
		}
	}
	return out, nil
}

func (f *fakeStore) GetRecord(ctx context.Context, queueID string) (*store.TransactionRecord, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[queueID]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *rec
	return &cp, nil
}

func (f *fakeStore) Claim(ctx context.Context, queueID string, lease time.Duration) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[queueID]
	if !ok || types.Status(rec.Status) != types.StatusQueued {
		return false, nil
	}
	if claimedAt, held := f.claims[queueID]; held && time.Since(claimedAt) < lease {
		return false, nil
	}
	f.claims[queueID] = time.Now()
	return true, nil
}

func (f *fakeStore) Transition(ctx context.Context, queueID string, fromStatuses []types.Status, toStatus types.Status, patch store.Patch) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	rec, ok := f.records[queueID]
	if !ok {
		return store.ErrNotFound
	}
	allowed := false
	for _, from := range fromStatuses {
		if types.Status(rec.Status) == from {
			allowed = true
		}
	}
	if !allowed {
		return store.ErrConflict
	}
	rec.Status = string(toStatus)
	if patch.Nonce != nil {
		rec.Nonce = patch.Nonce
	}
	if patch.AppendHash != nil {
		rec.SentHashes = append(rec.SentHashes, patch.AppendHash.Hex())
	}
	if patch.ResendCount != nil {
		rec.ResendCount = *patch.ResendCount
	}
	if patch.ErrorMessage != "" {
		rec.ErrorMessage = patch.ErrorMessage
	}
	return nil
}

type fakeNonces struct {
	mu       sync.Mutex
	next     uint64
	seeded   bool
	recycled []uint64
	sent     map[uint64]string
	consumed []uint64
}

func newFakeNonces() *fakeNonces {
	return &fakeNonces{sent: make(map[uint64]string)}
}

func (f *fakeNonces) Allocate(ctx context.Context, key nonce.WalletKey, seed nonce.SeedFunc) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if len(f.recycled) > 0 {
		n := f.recycled[0]
		f.recycled = f.recycled[1:]
		return n, nil
	}
	if !f.seeded {
		pending, err := seed(ctx)
		if err != nil {
			return 0, err
		}
		f.next = pending
		f.seeded = true
	}
	n := f.next
	f.next++
	return n, nil
}

func (f *fakeNonces) Recycle(ctx context.Context, key nonce.WalletKey, n uint64, ttl time.Duration) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.recycled = append(f.recycled, n)
	return nil
}

func (f *fakeNonces) MarkSent(ctx context.Context, key nonce.WalletKey, n uint64, queueID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sent[n] = queueID
	return nil
}

func (f *fakeNonces) MarkConsumed(ctx context.Context, key nonce.WalletKey, n uint64) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.sent, n)
	f.consumed = append(f.consumed, n)
	return nil
}

func testChainConfig() *config.ChainConfig {
	return &config.ChainConfig{ChainID: 1, Name: "testchain", BlockTime: time.Second}
}

func testQueueConfig() config.QueueConfig {
	return config.QueueConfig{
		PollInterval:          10 * time.Millisecond,
		ConfirmInterval:       10 * time.Millisecond,
		MaintenanceInterval:   10 * time.Millisecond,
		WorkerCount:           4,
		BatchSize:             50,
		DefaultTimeoutSeconds: 1,
		MaxResends:            3,
		RebroadcastAttempts:   1,
		GasBumpPercent:        10,
		RecycledNonceTTL:      time.Minute,
		IdempotencyTTL:        time.Hour,
		ReceiptScanDepth:      16,
		ClaimLease:            time.Minute,
	}
}

func newTestPipeline(t *testing.T, rpc *evm.FakeRPC) (*Pipeline, *fakeStore, *fakeNonces, *ecdsa.PrivateKey) {
	t.Helper()
	key, err := crypto.GenerateKey()
	require.NoError(t, err)
	client := evm.NewClientWithRPC(testChainConfig(), rpc, evm.NewKeyringFromKeys(1, key))
	st := newFakeStore()
	nonces := newFakeNonces()
	return NewPipeline(st, nonces, client, testQueueConfig()), st, nonces, key
}

func queuedRecord(queueID string, key *ecdsa.PrivateKey) *store.TransactionRecord {
	from := crypto.PubkeyToAddress(key.PublicKey)
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	return &store.TransactionRecord{
		QueueID: queueID,
		Status:  string(types.StatusQueued),
		ChainID: 1,
		From:    from.Hex(),
		To:      to.Hex(),
		Value:   "1",
	}
}

func TestProcessBroadcastsAndMarksSent(t *testing.T) {
	rpc := &evm.FakeRPC{
		PendingNonceAtFn: func(ctx context.Context, account common.Address) (uint64, error) {
			return 5, nil
		},
	}
	p, st, nonces, key := newTestPipeline(t, rpc)
	st.add(queuedRecord("q1", key))

	require.NoError(t, p.Process(context.Background(), "q1"))

	rec, err := st.GetRecord(context.Background(), "q1")
	require.NoError(t, err)
	require.Equal(t, string(types.StatusSent), rec.Status)
	require.NotNil(t, rec.Nonce)
	require.Equal(t, uint64(5), *rec.Nonce)
	require.Len(t, rec.SentHashes, 1)

	sent := rpc.SentTxs()
	require.Len(t, sent, 1)
	require.Equal(t, uint64(5), sent[0].Nonce())
	require.Equal(t, sent[0].Hash().Hex(), rec.SentHashes[0])
	require.Equal(t, "q1", nonces.sent[5])
}

func TestProcessAssignsIncreasingNonces(t *testing.T) {
	rpc := &evm.FakeRPC{}
	p, st, _, key := newTestPipeline(t, rpc)
	st.add(queuedRecord("q1", key))
	st.add(queuedRecord("q2", key))
	st.add(queuedRecord("q3", key))

	for _, id := range []string{"q1", "q2", "q3"} {
		require.NoError(t, p.Process(context.Background(), id))
	}

	seen := make(map[uint64]bool)
	for _, id := range []string{"q1", "q2", "q3"} {
		rec, err := st.GetRecord(context.Background(), id)
		require.NoError(t, err)
		require.NotNil(t, rec.Nonce)
		seen[*rec.Nonce] = true
	}
	require.Equal(t, map[uint64]bool{0: true, 1: true, 2: true}, seen)
}

func TestProcessDeterministicRejectionRecyclesNonce(t *testing.T) {
	rpc := &evm.FakeRPC{
		SendTransactionFn: func(ctx context.Context, tx *gethtypes.Transaction) error {
			return errors.New("insufficient funds for gas * price + value")
		},
	}
	p, st, nonces, key := newTestPipeline(t, rpc)
	st.add(queuedRecord("q1", key))

	require.NoError(t, p.Process(context.Background(), "q1"))

	rec, err := st.GetRecord(context.Background(), "q1")
	require.NoError(t, err)
	require.Equal(t, string(types.StatusErrored), rec.Status)
	require.Contains(t, rec.ErrorMessage, "insufficient funds")
	require.Equal(t, []uint64{0}, nonces.recycled)
	require.Empty(t, nonces.sent)
}

func TestProcessSimulationFailureRecyclesNonce(t *testing.T) {
	rpc := &evm.FakeRPC{
		EstimateGasFn: func(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
			return 0, errors.New("execution reverted: transfer amount exceeds balance")
		},
	}
	p, st, nonces, key := newTestPipeline(t, rpc)
	st.add(queuedRecord("q1", key))

	require.NoError(t, p.Process(context.Background(), "q1"))

	rec, err := st.GetRecord(context.Background(), "q1")
	require.NoError(t, err)
	require.Equal(t, string(types.StatusErrored), rec.Status)
	require.Equal(t, []uint64{0}, nonces.recycled)
	require.Empty(t, rpc.SentTxs())
}

func TestProcessNonceTooLowRetriesWithFreshNonce(t *testing.T) {
	calls := 0
	rpc := &evm.FakeRPC{
		PendingNonceAtFn: func(ctx context.Context, account common.Address) (uint64, error) {
			return 3, nil
		},
		SendTransactionFn: func(ctx context.Context, tx *gethtypes.Transaction) error {
			calls++
			if calls == 1 {
				return errors.New("nonce too low")
			}
			return nil
		},
	}
	p, st, nonces, key := newTestPipeline(t, rpc)
	st.add(queuedRecord("q1", key))

	require.NoError(t, p.Process(context.Background(), "q1"))

	rec, err := st.GetRecord(context.Background(), "q1")
	require.NoError(t, err)
	require.Equal(t, string(types.StatusSent), rec.Status)
	require.Equal(t, uint64(4), *rec.Nonce)
	require.Equal(t, []uint64{3}, nonces.consumed)
	require.Empty(t, nonces.recycled)
}

func TestProcessUnknownOutcomeStillMarksSent(t *testing.T) {
	rpc := &evm.FakeRPC{
		SendTransactionFn: func(ctx context.Context, tx *gethtypes.Transaction) error {
			return errors.New("connection reset by peer")
		},
	}
	p, st, nonces, key := newTestPipeline(t, rpc)
	st.add(queuedRecord("q1", key))

	require.NoError(t, p.Process(context.Background(), "q1"))

	// The payload may have reached the pool, so the nonce must stay reserved
	// and the hash recorded for the watcher to settle.
	rec, err := st.GetRecord(context.Background(), "q1")
	require.NoError(t, err)
	require.Equal(t, string(types.StatusSent), rec.Status)
	require.Len(t, rec.SentHashes, 1)
	require.Equal(t, "q1", nonces.sent[0])
	require.Empty(t, nonces.recycled)
}

func TestProcessConcurrentWorkersBroadcastOnce(t *testing.T) {
	broadcasting := make(chan struct{})
	release := make(chan struct{})
	var once sync.Once
	rpc := &evm.FakeRPC{
		SendTransactionFn: func(ctx context.Context, tx *gethtypes.Transaction) error {
			once.Do(func() { close(broadcasting) })
			<-release
			return nil
		},
	}
	p, st, nonces, key := newTestPipeline(t, rpc)
	st.add(queuedRecord("q1", key))

	done := make(chan error, 1)
	go func() { done <- p.Process(context.Background(), "q1") }()
	<-broadcasting

	// A second poller picks up the same record while the first worker is
	// still mid broadcast, before the queued-to-sent transition lands. The
	// lease must stop it from allocating a second nonce and sending again.
	require.NoError(t, p.Process(context.Background(), "q1"))

	close(release)
	require.NoError(t, <-done)

	require.Len(t, rpc.SentTxs(), 1)
	require.Equal(t, map[uint64]string{0: "q1"}, nonces.sent)
	rec, err := st.GetRecord(context.Background(), "q1")
	require.NoError(t, err)
	require.Equal(t, string(types.StatusSent), rec.Status)
	require.Len(t, rec.SentHashes, 1)
}

func TestProcessSkipsNonQueuedRecords(t *testing.T) {
	rpc := &evm.FakeRPC{}
	p, st, _, key := newTestPipeline(t, rpc)
	rec := queuedRecord("q1", key)
	rec.Status = string(types.StatusSent)
	st.add(rec)

	require.NoError(t, p.Process(context.Background(), "q1"))
	require.Empty(t, rpc.SentTxs())
}

func TestProcessUnknownSenderErrors(t *testing.T) {
	rpc := &evm.FakeRPC{}
	p, st, nonces, _ := newTestPipeline(t, rpc)
	other, err := crypto.GenerateKey()
	require.NoError(t, err)
	st.add(queuedRecord("q1", other))

	require.NoError(t, p.Process(context.Background(), "q1"))

	rec, err := st.GetRecord(context.Background(), "q1")
	require.NoError(t, err)
	require.Equal(t, string(types.StatusErrored), rec.Status)
	require.Contains(t, rec.ErrorMessage, "no signing key")
	require.Empty(t, nonces.sent)
}
