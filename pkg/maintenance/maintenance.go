// Package maintenance keeps the local nonce state convergent with the chain.
// It runs two repairs per wallet: free everything the chain has moved past,
// and unblock stuck nonces by replacing them with zero-value self transfers.
package maintenance

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/rs/zerolog/log"

	"github.com/thirdweb-dev/engine-sub000/config"
	"github.com/thirdweb-dev/engine-sub000/pkg/chains/evm"
	"github.com/thirdweb-dev/engine-sub000/pkg/nonce"
	"github.com/thirdweb-dev/engine-sub000/pkg/pipeline"
	"github.com/thirdweb-dev/engine-sub000/pkg/store"
	"github.com/thirdweb-dev/engine-sub000/pkg/types"
)

// cancelQueueID marks a sent-nonce reservation that belongs to a cancellation
// transfer rather than a caller transaction.
const cancelQueueID = "cancel"

// Store is the slice of the transaction store maintenance needs.
type Store interface {
	GetRecord(ctx context.Context, queueID string) (*store.TransactionRecord, error)
	FindByNonce(ctx context.Context, chainID uint64, from common.Address, nonceValue uint64) (*store.TransactionRecord, error)
	Transition(ctx context.Context, queueID string, fromStatuses []types.Status, toStatus types.Status, patch store.Patch) error
}

// Nonces is the slice of the nonce allocator maintenance needs.
type Nonces interface {
	Wallets(ctx context.Context) ([]nonce.WalletKey, error)
	FreeBelow(ctx context.Context, key nonce.WalletKey, chainNonce uint64) (map[uint64]string, error)
	SentNonces(ctx context.Context, key nonce.WalletKey) (map[uint64]string, error)
	RecycledNonces(ctx context.Context, key nonce.WalletKey) ([]nonce.RecycledNonce, error)
	LastAllocated(ctx context.Context, key nonce.WalletKey) (uint64, bool, error)
	MarkSent(ctx context.Context, key nonce.WalletKey, nonceValue uint64, queueID string) error
}

// Maintainer is the periodic resync and unstick job for one chain.
type Maintainer struct {
	store  Store
	nonces Nonces
	client *evm.Client
	cfg    config.QueueConfig
	now    func() time.Time
}

func NewMaintainer(txStore Store, nonces Nonces, client *evm.Client, cfg config.QueueConfig) *Maintainer {
	return &Maintainer{
		store:  txStore,
		nonces: nonces,
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}
}

// Run resyncs every wallet until the context is cancelled.
func (m *Maintainer) Run(ctx context.Context) {
	ticker := time.NewTicker(m.cfg.MaintenanceInterval)
	defer ticker.Stop()
	log.Info().
		Str("chain", m.client.Config.Name).
		Msgf("[NonceMaintenance] [Run] resyncing every %s", m.cfg.MaintenanceInterval)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("chain", m.client.Config.Name).Msg("[NonceMaintenance] [Run] stopped")
			return
		case <-ticker.C:
			m.tick(ctx)
		}
	}
}

func (m *Maintainer) tick(ctx context.Context) {
	wallets, err := m.nonces.Wallets(ctx)
	if err != nil {
		log.Error().Err(err).Msg("[NonceMaintenance] [tick] failed to list tracked wallets")
		return
	}
	for _, key := range wallets {
		if key.ChainID != m.client.Config.ChainID {
			continue
		}
		if err := m.ResyncWallet(ctx, key); err != nil {
			log.Error().Err(err).
				Str("wallet", key.String()).
				Msg("[NonceMaintenance] [ResyncWallet] failed, will retry on next cycle")
		}
	}
}

// ResyncWallet reconciles one wallet against the chain: settles every record
// the chain has moved past, then replaces stuck nonces so the ones behind
// them can mine.
func (m *Maintainer) ResyncWallet(ctx context.Context, key nonce.WalletKey) error {
	chainNonce, err := m.client.RPC.NonceAt(ctx, key.Address, nil)
	if err != nil {
		return fmt.Errorf("failed to get account nonce: %w", err)
	}

	freed, err := m.nonces.FreeBelow(ctx, key, chainNonce)
	if err != nil {
		return fmt.Errorf("failed to free consumed nonces: %w", err)
	}
	for nonceValue, queueID := range freed {
		if queueID == cancelQueueID {
			continue
		}
		if err := m.settleFreed(ctx, key, nonceValue, queueID); err != nil {
			log.Error().Err(err).
				Str("queueId", queueID).
				Uint64("nonce", nonceValue).
				Msg("[NonceMaintenance] [settleFreed] failed")
		}
	}

	return m.unstick(ctx, key, chainNonce)
}

// settleFreed closes out a record whose nonce the chain consumed while the
// record was still open. The watcher normally wins this race; maintenance is
// the backstop for hashes lost to a restart or a replaced attempt.
func (m *Maintainer) settleFreed(ctx context.Context, key nonce.WalletKey, nonceValue uint64, queueID string) error {
	rec, err := m.store.GetRecord(ctx, queueID)
	if err != nil {
		if err == store.ErrNotFound {
			return nil
		}
		return err
	}
	if types.Status(rec.Status).Terminal() {
		return nil
	}

	receipt, err := m.client.ReceiptByNonce(ctx, key.Address, nonceValue, m.cfg.ReceiptScanDepth)
	if err != nil {
		if !evm.IsNotFound(err) {
			return fmt.Errorf("failed to scan for receipt by nonce: %w", err)
		}
		patch := store.Patch{ErrorMessage: "nonce consumed by an untracked transaction"}
		err := m.store.Transition(ctx, queueID, []types.Status{types.StatusSent}, types.StatusErrored, patch)
		if err == store.ErrConflict {
			return nil
		}
		return err
	}

	blockNumber := receipt.BlockNumber.Uint64()
	success := receipt.Status == 1
	patch := store.Patch{
		BlockNumber:       &blockNumber,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
		CumulativeGasUsed: &receipt.CumulativeGasUsed,
		OnchainSuccess:    &success,
		AppendHash:        &receipt.TxHash,
	}
	err = m.store.Transition(ctx, queueID, []types.Status{types.StatusSent}, types.StatusMined, patch)
	if err == store.ErrConflict {
		return nil
	}
	return err
}

// unstick finds nonces that block later allocations and replaces them
// on-chain. Two kinds qualify: recycled nonces whose hold expired with nobody
// reclaiming them, and sent transactions that exhausted their fee escalations
// while a higher nonce waits behind them.
func (m *Maintainer) unstick(ctx context.Context, key nonce.WalletKey, chainNonce uint64) error {
	last, tracked, err := m.nonces.LastAllocated(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to get last allocated nonce: %w", err)
	}
	if !tracked || last < chainNonce {
		return nil
	}

	recycled, err := m.nonces.RecycledNonces(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to list recycled nonces: %w", err)
	}
	now := m.now()
	for _, rn := range recycled {
		// An expired hole below the high-water mark will never fill itself.
		if rn.Nonce >= chainNonce && rn.Nonce < last && !rn.ExpiresAt.IsZero() && now.After(rn.ExpiresAt) {
			if err := m.cancelNonce(ctx, key, rn.Nonce); err != nil {
				log.Error().Err(err).
					Str("wallet", key.String()).
					Uint64("nonce", rn.Nonce).
					Msg("[NonceMaintenance] [unstick] failed to cancel expired recycled nonce")
			}
		}
	}

	sent, err := m.nonces.SentNonces(ctx, key)
	if err != nil {
		return fmt.Errorf("failed to list sent nonces: %w", err)
	}
	for nonceValue, queueID := range sent {
		if nonceValue < chainNonce || queueID == cancelQueueID {
			continue
		}
		// Replacing the caller's transaction only pays off when a later
		// allocation is waiting behind it. The newest nonce blocks nothing.
		if nonceValue >= last {
			continue
		}
		rec, err := m.store.GetRecord(ctx, queueID)
		if err != nil {
			continue
		}
		if types.Status(rec.Status) != types.StatusSent || rec.ResendCount < m.cfg.MaxResends {
			continue
		}
		if err := m.cancelRecord(ctx, key, nonceValue, rec); err != nil {
			log.Error().Err(err).
				Str("queueId", queueID).
				Uint64("nonce", nonceValue).
				Msg("[NonceMaintenance] [unstick] failed to cancel exhausted transaction")
		}
	}
	return nil
}

// CancelNoncesUpTo force-replaces every pending nonce from the current chain
// nonce up to and including upTo with zero-value self transfers. It is the
// synchronous operator escape hatch for a wedged wallet and returns the
// nonces it cancelled.
func (m *Maintainer) CancelNoncesUpTo(ctx context.Context, from common.Address, upTo uint64) ([]uint64, error) {
	if !m.client.Keyring.Has(from) {
		return nil, fmt.Errorf("no signing key for sender %s", from.Hex())
	}
	chainNonce, err := m.client.RPC.NonceAt(ctx, from, nil)
	if err != nil {
		return nil, fmt.Errorf("failed to get account nonce: %w", err)
	}
	key := nonce.WalletKey{ChainID: m.client.Config.ChainID, Address: from}
	var cancelled []uint64
	for n := chainNonce; n <= upTo; n++ {
		rec, err := m.store.FindByNonce(ctx, key.ChainID, from, n)
		if err == nil && types.Status(rec.Status) == types.StatusSent {
			if err := m.cancelRecord(ctx, key, n, rec); err != nil {
				return cancelled, err
			}
		} else {
			if err := m.cancelNonce(ctx, key, n); err != nil {
				return cancelled, err
			}
		}
		cancelled = append(cancelled, n)
	}
	log.Info().
		Str("wallet", key.String()).
		Uint64("upTo", upTo).
		Uints64("cancelled", cancelled).
		Msg("[NonceMaintenance] [CancelNoncesUpTo] cancellations broadcast")
	return cancelled, nil
}

// cancelRecord replaces a caller transaction and moves its record to
// cancelled, recording the replacement hash.
func (m *Maintainer) cancelRecord(ctx context.Context, key nonce.WalletKey, nonceValue uint64, rec *store.TransactionRecord) error {
	hash, err := m.broadcastCancel(ctx, key, nonceValue)
	if err != nil {
		return err
	}
	patch := store.Patch{AppendHash: &hash}
	err = m.store.Transition(ctx, rec.QueueID, []types.Status{types.StatusSent}, types.StatusCancelled, patch)
	if err != nil && err != store.ErrConflict {
		return fmt.Errorf("failed to mark transaction cancelled: %w", err)
	}
	log.Info().
		Str("queueId", rec.QueueID).
		Str("hash", hash.Hex()).
		Uint64("nonce", nonceValue).
		Msg("[NonceMaintenance] [cancelRecord] transaction replaced with cancellation")
	return nil
}

// cancelNonce replaces a nonce that no open record owns.
func (m *Maintainer) cancelNonce(ctx context.Context, key nonce.WalletKey, nonceValue uint64) error {
	_, err := m.broadcastCancel(ctx, key, nonceValue)
	return err
}

// broadcastCancel signs and sends a zero-value transfer to self at the given
// nonce, priced above the market so it replaces whatever holds the slot. The
// nonce stays reserved under the cancel marker until the chain moves past it.
func (m *Maintainer) broadcastCancel(ctx context.Context, key nonce.WalletKey, nonceValue uint64) (common.Hash, error) {
	to := key.Address
	gas := uint64(21000)
	intent := &types.TransactionIntent{
		ChainID: key.ChainID,
		From:    key.Address,
		To:      &to,
		Gas:     &gas,
	}
	current, err := pipeline.ResolveFees(ctx, m.client, intent)
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to resolve cancellation fees: %w", err)
	}
	fees := pipeline.BumpFees(current, nil, 2*m.cfg.GasBumpPercent)

	signed, err := m.client.Keyring.SignTx(key.Address, pipeline.BuildTx(intent, nonceValue, fees))
	if err != nil {
		return common.Hash{}, fmt.Errorf("failed to sign cancellation: %w", err)
	}
	err = m.client.RPC.SendTransaction(ctx, signed)
	if err != nil && !evm.IsAlreadyKnown(err) && !evm.IsNonceTooLow(err) {
		return common.Hash{}, fmt.Errorf("failed to broadcast cancellation: %w", err)
	}
	if err := m.nonces.MarkSent(ctx, key, nonceValue, cancelQueueID); err != nil {
		log.Error().Err(err).
			Str("wallet", key.String()).
			Uint64("nonce", nonceValue).
			Msg("[NonceMaintenance] [broadcastCancel] failed to reserve cancelled nonce")
	}
	return signed.Hash(), nil
}
