package store

import (
	"context"
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	postgresDriver "gorm.io/driver/postgres"
	"gorm.io/gorm"

	"github.com/thirdweb-dev/engine-sub000/pkg/events"
	"github.com/thirdweb-dev/engine-sub000/pkg/types"
)

func setupStore(t *testing.T, bus *events.Bus, idempotencyTTL time.Duration) *TransactionStore {
	t.Helper()
	ctx := context.Background()

	dbName := "engine"
	dbUser := "engine"
	dbPassword := "password"

	postgresContainer, err := postgres.Run(ctx,
		"postgres:16-alpine",
		postgres.WithDatabase(dbName),
		postgres.WithUsername(dbUser),
		postgres.WithPassword(dbPassword),
		testcontainers.WithWaitStrategy(
			wait.ForLog("database system is ready to accept connections").
				WithOccurrence(2).
				WithStartupTimeout(5*time.Second)),
	)
	require.NoError(t, err)
	t.Cleanup(func() { postgresContainer.Terminate(ctx) })

	host, err := postgresContainer.Host(ctx)
	require.NoError(t, err)
	port, err := postgresContainer.MappedPort(ctx, "5432")
	require.NoError(t, err)

	dsn := fmt.Sprintf("host=%s user=%s password=%s dbname=%s port=%d sslmode=disable TimeZone=UTC",
		host, dbUser, dbPassword, dbName, port.Int())

	db, err := gorm.Open(postgresDriver.Open(dsn), &gorm.Config{})
	require.NoError(t, err)

	s, err := NewTransactionStoreWithDB(db, bus, idempotencyTTL)
	require.NoError(t, err)
	return s
}

func testIntent() *types.TransactionIntent {
	to := common.HexToAddress("0x000000000000000000000000000000000000dEaD")
	return &types.TransactionIntent{
		ChainID: 1,
		From:    common.HexToAddress("0x00000000000000000000000000000000000000A1"),
		To:      &to,
		Data:    []byte{0x01, 0x02},
		Value:   big.NewInt(1000),
	}
}

func TestEnqueueAndGet(t *testing.T) {
	s := setupStore(t, nil, time.Hour)
	ctx := context.Background()

	queueID, err := s.Enqueue(ctx, testIntent(), "")
	require.NoError(t, err)
	require.NotEmpty(t, queueID)

	snap, err := s.Get(ctx, queueID)
	require.NoError(t, err)
	require.Equal(t, types.StatusQueued, snap.Status)
	require.Equal(t, uint64(1), snap.ChainID)
	require.Equal(t, big.NewInt(1000), snap.Value)
	require.Nil(t, snap.Nonce)
	require.Empty(t, snap.SentHashes)
}

func TestEnqueueIdempotency(t *testing.T) {
	s := setupStore(t, nil, time.Hour)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, testIntent(), "intake-1")
	require.NoError(t, err)
	second, err := s.Enqueue(ctx, testIntent(), "intake-1")
	require.NoError(t, err)
	require.Equal(t, first, second)

	third, err := s.Enqueue(ctx, testIntent(), "intake-2")
	require.NoError(t, err)
	require.NotEqual(t, first, third)
}

func TestEnqueueExpiredIdempotencyKeyIsReclaimed(t *testing.T) {
	s := setupStore(t, nil, time.Nanosecond)
	ctx := context.Background()

	first, err := s.Enqueue(ctx, testIntent(), "intake-1")
	require.NoError(t, err)
	time.Sleep(10 * time.Millisecond)

	second, err := s.Enqueue(ctx, testIntent(), "intake-1")
	require.NoError(t, err)
	require.NotEqual(t, first, second)
}

func TestTransitionAppliesPatchOnce(t *testing.T) {
	s := setupStore(t, nil, time.Hour)
	ctx := context.Background()

	queueID, err := s.Enqueue(ctx, testIntent(), "")
	require.NoError(t, err)

	nonce := uint64(42)
	hash := common.HexToHash("0xabc")
	err = s.Transition(ctx, queueID, []types.Status{types.StatusQueued}, types.StatusSent, Patch{
		Nonce:      &nonce,
		AppendHash: &hash,
	})
	require.NoError(t, err)

	snap, err := s.Get(ctx, queueID)
	require.NoError(t, err)
	require.Equal(t, types.StatusSent, snap.Status)
	require.Equal(t, uint64(42), *snap.Nonce)
	require.Equal(t, []common.Hash{hash}, snap.SentHashes)
	require.NotNil(t, snap.SentAt)

	// A second worker holding the stale queued view must lose.
	err = s.Transition(ctx, queueID, []types.Status{types.StatusQueued}, types.StatusSent, Patch{Nonce: &nonce})
	require.ErrorIs(t, err, ErrConflict)
}

func TestClaimIsExclusiveWhileLeaseHolds(t *testing.T) {
	s := setupStore(t, nil, time.Hour)
	ctx := context.Background()

	queueID, err := s.Enqueue(ctx, testIntent(), "")
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, queueID, time.Minute)
	require.NoError(t, err)
	require.True(t, claimed)

	// A second worker racing for the same record loses until the lease runs
	// out.
	claimed, err = s.Claim(ctx, queueID, time.Minute)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestClaimExpiredLeaseIsReclaimable(t *testing.T) {
	s := setupStore(t, nil, time.Hour)
	ctx := context.Background()

	queueID, err := s.Enqueue(ctx, testIntent(), "")
	require.NoError(t, err)

	claimed, err := s.Claim(ctx, queueID, time.Nanosecond)
	require.NoError(t, err)
	require.True(t, claimed)
	time.Sleep(10 * time.Millisecond)

	claimed, err = s.Claim(ctx, queueID, time.Nanosecond)
	require.NoError(t, err)
	require.True(t, claimed)
}

func TestClaimRefusesNonQueuedRecords(t *testing.T) {
	s := setupStore(t, nil, time.Hour)
	ctx := context.Background()

	queueID, err := s.Enqueue(ctx, testIntent(), "")
	require.NoError(t, err)

	nonce := uint64(1)
	hash := common.HexToHash("0x01")
	require.NoError(t, s.Transition(ctx, queueID, []types.Status{types.StatusQueued}, types.StatusSent, Patch{Nonce: &nonce, AppendHash: &hash}))

	claimed, err := s.Claim(ctx, queueID, time.Minute)
	require.NoError(t, err)
	require.False(t, claimed)

	claimed, err = s.Claim(ctx, "missing", time.Minute)
	require.NoError(t, err)
	require.False(t, claimed)
}

func TestTransitionToMinedRecordsReceiptFields(t *testing.T) {
	s := setupStore(t, nil, time.Hour)
	ctx := context.Background()

	queueID, err := s.Enqueue(ctx, testIntent(), "")
	require.NoError(t, err)

	nonce := uint64(1)
	hash := common.HexToHash("0x01")
	require.NoError(t, s.Transition(ctx, queueID, []types.Status{types.StatusQueued}, types.StatusSent, Patch{Nonce: &nonce, AppendHash: &hash}))

	block := uint64(777)
	gasUsed := uint64(21000)
	success := true
	err = s.Transition(ctx, queueID, []types.Status{types.StatusSent}, types.StatusMined, Patch{
		BlockNumber:       &block,
		EffectiveGasPrice: big.NewInt(123456789),
		CumulativeGasUsed: &gasUsed,
		OnchainSuccess:    &success,
	})
	require.NoError(t, err)

	snap, err := s.Get(ctx, queueID)
	require.NoError(t, err)
	require.Equal(t, types.StatusMined, snap.Status)
	require.Equal(t, uint64(777), *snap.BlockNumber)
	require.Equal(t, big.NewInt(123456789), snap.EffectiveGasPrice)
	require.True(t, *snap.OnchainSuccess)
	require.NotNil(t, snap.MinedAt)
}

func TestTransitionNotFound(t *testing.T) {
	s := setupStore(t, nil, time.Hour)
	err := s.Transition(context.Background(), "missing", []types.Status{types.StatusQueued}, types.StatusSent, Patch{})
	require.ErrorIs(t, err, ErrNotFound)
}

func TestTransitionPublishesEvent(t *testing.T) {
	bus := events.NewBus(8)
	s := setupStore(t, bus, time.Hour)
	ctx := context.Background()
	sub := bus.Subscribe()

	queueID, err := s.Enqueue(ctx, testIntent(), "")
	require.NoError(t, err)

	msg := "simulation failed: execution reverted"
	require.NoError(t, s.Transition(ctx, queueID, []types.Status{types.StatusQueued}, types.StatusErrored, Patch{ErrorMessage: msg}))

	select {
	case event := <-sub:
		require.Equal(t, queueID, event.QueueID)
		require.Equal(t, types.StatusQueued, event.PreviousStatus)
		require.Equal(t, types.StatusErrored, event.NewStatus)
		require.Equal(t, msg, event.Snapshot.ErrorMessage)
	case <-time.After(time.Second):
		t.Fatal("expected a status change event")
	}
}

func TestListByStatusOldestFirst(t *testing.T) {
	s := setupStore(t, nil, time.Hour)
	ctx := context.Background()

	var ids []string
	for i := 0; i < 3; i++ {
		queueID, err := s.Enqueue(ctx, testIntent(), "")
		require.NoError(t, err)
		ids = append(ids, queueID)
		time.Sleep(5 * time.Millisecond)
	}

	recs, err := s.ListByStatus(ctx, types.StatusQueued, 10)
	require.NoError(t, err)
	require.Len(t, recs, 3)
	for i, rec := range recs {
		require.Equal(t, ids[i], rec.QueueID)
	}
}

func TestFindByNonce(t *testing.T) {
	s := setupStore(t, nil, time.Hour)
	ctx := context.Background()

	intent := testIntent()
	queueID, err := s.Enqueue(ctx, intent, "")
	require.NoError(t, err)

	nonce := uint64(9)
	hash := common.HexToHash("0x09")
	require.NoError(t, s.Transition(ctx, queueID, []types.Status{types.StatusQueued}, types.StatusSent, Patch{Nonce: &nonce, AppendHash: &hash}))

	rec, err := s.FindByNonce(ctx, intent.ChainID, intent.From, 9)
	require.NoError(t, err)
	require.Equal(t, queueID, rec.QueueID)

	_, err = s.FindByNonce(ctx, intent.ChainID, intent.From, 10)
	require.ErrorIs(t, err, ErrNotFound)
}
