// Package confirm tracks broadcast transactions until they mine or until
// escalating their fees is the only way forward. It never reassigns a nonce:
// a resend reuses the stuck nonce with higher fees, so at most one of the
// attempts can ever mine.
package confirm

import (
	"context"
	"fmt"
	"time"

	"github.com/ethereum/go-ethereum/common"
	gethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/rs/zerolog/log"

	"github.com/thirdweb-dev/engine-sub000/config"
	"github.com/thirdweb-dev/engine-sub000/pkg/chains/evm"
	"github.com/thirdweb-dev/engine-sub000/pkg/nonce"
	"github.com/thirdweb-dev/engine-sub000/pkg/pipeline"
	"github.com/thirdweb-dev/engine-sub000/pkg/store"
	"github.com/thirdweb-dev/engine-sub000/pkg/types"
)

// Store is the slice of the transaction store the watcher needs.
type Store interface {
	ListByStatus(ctx context.Context, status types.Status, limit int) ([]store.TransactionRecord, error)
	Transition(ctx context.Context, queueID string, fromStatuses []types.Status, toStatus types.Status, patch store.Patch) error
}

// Nonces is the slice of the nonce allocator the watcher needs.
type Nonces interface {
	MarkConsumed(ctx context.Context, key nonce.WalletKey, nonceValue uint64) error
}

// Watcher polls sent transactions for receipts and escalates fees on the
// ones the network is sitting on.
type Watcher struct {
	store  Store
	nonces Nonces
	client *evm.Client
	cfg    config.QueueConfig
	now    func() time.Time
}

func NewWatcher(txStore Store, nonces Nonces, client *evm.Client, cfg config.QueueConfig) *Watcher {
	return &Watcher{
		store:  txStore,
		nonces: nonces,
		client: client,
		cfg:    cfg,
		now:    time.Now,
	}
}

// pollInterval is the receipt poll cadence. Chains that declare a block time
// are polled at that pace; receipts cannot appear faster than blocks.
func (w *Watcher) pollInterval() time.Duration {
	if w.client.Config.BlockTime > 0 {
		return w.client.Config.BlockTime
	}
	return w.cfg.ConfirmInterval
}

// Run polls for sent records until the context is cancelled.
func (w *Watcher) Run(ctx context.Context) {
	ticker := time.NewTicker(w.pollInterval())
	defer ticker.Stop()
	log.Info().
		Str("chain", w.client.Config.Name).
		Msgf("[ConfirmationWatcher] [Run] polling every %s", w.pollInterval())
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("chain", w.client.Config.Name).Msg("[ConfirmationWatcher] [Run] stopped")
			return
		case <-ticker.C:
			w.tick(ctx)
		}
	}
}

func (w *Watcher) tick(ctx context.Context) {
	records, err := w.store.ListByStatus(ctx, types.StatusSent, w.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("[ConfirmationWatcher] [tick] failed to list sent transactions")
		return
	}
	for _, rec := range records {
		if rec.ChainID != w.client.Config.ChainID {
			continue
		}
		if err := w.Check(ctx, &rec); err != nil {
			log.Error().Err(err).
				Str("queueId", rec.QueueID).
				Msg("[ConfirmationWatcher] [Check] failed, will retry on next poll")
		}
	}
}

// Check inspects one sent record: finalize it when any tracked attempt has a
// receipt, recover the receipt by nonce when the chain moved past it, or
// resend with bumped fees once its deadline expires.
func (w *Watcher) Check(ctx context.Context, rec *store.TransactionRecord) error {
	if rec.Nonce == nil {
		return fmt.Errorf("sent record %s has no nonce", rec.QueueID)
	}
	snap := rec.Snapshot()

	// Newest attempt first: it carries the highest fees and is the most
	// likely winner.
	for i := len(snap.SentHashes) - 1; i >= 0; i-- {
		receipt, err := w.client.RPC.TransactionReceipt(ctx, snap.SentHashes[i])
		if err != nil {
			if evm.IsNotFound(err) {
				continue
			}
			return fmt.Errorf("failed to get receipt for %s: %w", snap.SentHashes[i], err)
		}
		return w.finalize(ctx, rec, receipt)
	}

	intent := rec.Intent()

	// No tracked hash has a receipt. If the account nonce moved past this
	// one the nonce was consumed, either by an attempt whose hash we lost or
	// by something outside the engine.
	chainNonce, err := w.client.RPC.NonceAt(ctx, intent.From, nil)
	if err != nil {
		return fmt.Errorf("failed to get account nonce: %w", err)
	}
	if chainNonce > *rec.Nonce {
		receipt, err := w.client.ReceiptByNonce(ctx, intent.From, *rec.Nonce, w.cfg.ReceiptScanDepth)
		if err != nil {
			if !evm.IsNotFound(err) {
				return fmt.Errorf("failed to scan for receipt by nonce: %w", err)
			}
			return w.consumedWithoutReceipt(ctx, rec)
		}
		return w.finalize(ctx, rec, receipt)
	}

	return w.maybeResend(ctx, rec, intent)
}

// finalize moves the record to mined and releases the nonce. A reverted
// transaction still mined: it consumed the nonce and paid gas, so it is
// reported as mined with OnchainSuccess false rather than errored.
func (w *Watcher) finalize(ctx context.Context, rec *store.TransactionRecord, receipt *gethtypes.Receipt) error {
	blockNumber := receipt.BlockNumber.Uint64()
	cumulativeGasUsed := receipt.CumulativeGasUsed
	success := receipt.Status == gethtypes.ReceiptStatusSuccessful
	hash := receipt.TxHash
	patch := store.Patch{
		BlockNumber:       &blockNumber,
		EffectiveGasPrice: receipt.EffectiveGasPrice,
		CumulativeGasUsed: &cumulativeGasUsed,
		OnchainSuccess:    &success,
	}
	known := false
	for _, h := range rec.SentHashes {
		if common.HexToHash(h) == hash {
			known = true
			break
		}
	}
	if !known {
		patch.AppendHash = &hash
	}
	err := w.store.Transition(ctx, rec.QueueID, []types.Status{types.StatusSent}, types.StatusMined, patch)
	if err != nil {
		return fmt.Errorf("failed to mark transaction mined: %w", err)
	}
	w.markConsumed(ctx, rec)
	log.Info().
		Str("queueId", rec.QueueID).
		Str("hash", hash.Hex()).
		Uint64("block", blockNumber).
		Bool("success", success).
		Msg("[ConfirmationWatcher] [finalize] transaction mined")
	return nil
}

// consumedWithoutReceipt covers a nonce taken by a transaction the engine
// cannot locate, usually one submitted outside the engine. The record is
// closed as errored; the caller can inspect the chain and requeue.
func (w *Watcher) consumedWithoutReceipt(ctx context.Context, rec *store.TransactionRecord) error {
	patch := store.Patch{ErrorMessage: "nonce consumed by an untracked transaction"}
	err := w.store.Transition(ctx, rec.QueueID, []types.Status{types.StatusSent}, types.StatusErrored, patch)
	if err != nil {
		return fmt.Errorf("failed to mark transaction errored: %w", err)
	}
	w.markConsumed(ctx, rec)
	log.Warn().
		Str("queueId", rec.QueueID).
		Uint64("nonce", *rec.Nonce).
		Msg("[ConfirmationWatcher] [consumedWithoutReceipt] nonce consumed outside the engine")
	return nil
}

// maybeResend rebroadcasts the intent at the same nonce with bumped fees once
// the record has waited past its deadline. Resends are bounded; a record that
// exhausts them is left for nonce maintenance to cancel.
func (w *Watcher) maybeResend(ctx context.Context, rec *store.TransactionRecord, intent *types.TransactionIntent) error {
	timeout := time.Duration(intent.TimeoutSeconds) * time.Second
	if timeout == 0 {
		timeout = time.Duration(w.cfg.DefaultTimeoutSeconds) * time.Second
	}
	if rec.SentAt == nil {
		return nil
	}
	deadline := rec.SentAt.Add(timeout * time.Duration(rec.ResendCount+1))
	if w.now().Before(deadline) {
		return nil
	}
	if rec.ResendCount >= w.cfg.MaxResends {
		return nil
	}

	prevFees, err := w.previousFees(ctx, rec)
	if err != nil {
		return err
	}
	currentFees, err := pipeline.ResolveFees(ctx, w.client, intent)
	if err != nil {
		return fmt.Errorf("failed to resolve fees for resend: %w", err)
	}
	fees := pipeline.BumpFees(prevFees, currentFees, int64(w.cfg.GasBumpPercent))

	signed, err := w.client.Keyring.SignTx(intent.From, pipeline.BuildTx(intent, *rec.Nonce, fees))
	if err != nil {
		return fmt.Errorf("failed to sign resend: %w", err)
	}
	err = w.client.RPC.SendTransaction(ctx, signed)
	if err != nil && !evm.IsAlreadyKnown(err) {
		if evm.IsNonceTooLow(err) {
			// Something at this nonce just mined; the next poll will find it.
			return nil
		}
		return fmt.Errorf("failed to broadcast resend: %w", err)
	}

	hash := signed.Hash()
	resendCount := rec.ResendCount + 1
	patch := store.Patch{AppendHash: &hash, ResendCount: &resendCount}
	if err := w.store.Transition(ctx, rec.QueueID, []types.Status{types.StatusSent}, types.StatusSent, patch); err != nil {
		return fmt.Errorf("failed to record resend: %w", err)
	}
	log.Info().
		Str("queueId", rec.QueueID).
		Str("hash", hash.Hex()).
		Uint64("nonce", *rec.Nonce).
		Int("resendCount", resendCount).
		Msg("[ConfirmationWatcher] [maybeResend] rebroadcast with bumped fees")
	return nil
}

// previousFees recovers the fee level of the latest attempt so the bump has a
// floor. A dropped transaction falls back to the current network estimate.
func (w *Watcher) previousFees(ctx context.Context, rec *store.TransactionRecord) (*pipeline.FeeParams, error) {
	snap := rec.Snapshot()
	hash, ok := snap.LastHash()
	if !ok {
		return &pipeline.FeeParams{Dynamic: w.client.SupportsEIP1559(ctx)}, nil
	}
	tx, _, err := w.client.RPC.TransactionByHash(ctx, hash)
	if err != nil {
		if evm.IsNotFound(err) {
			return &pipeline.FeeParams{Dynamic: w.client.SupportsEIP1559(ctx)}, nil
		}
		return nil, fmt.Errorf("failed to load previous attempt %s: %w", hash, err)
	}
	return pipeline.FeesFromTx(tx), nil
}

func (w *Watcher) markConsumed(ctx context.Context, rec *store.TransactionRecord) {
	intent := rec.Intent()
	key := nonce.WalletKey{ChainID: rec.ChainID, Address: intent.From}
	if err := w.nonces.MarkConsumed(ctx, key, *rec.Nonce); err != nil {
		log.Error().Err(err).
			Str("wallet", key.String()).
			Uint64("nonce", *rec.Nonce).
			Msg("[ConfirmationWatcher] [markConsumed] failed to release nonce")
	}
}
