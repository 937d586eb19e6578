// Package pipeline drains queued transactions into the network. Each record
// moves through: allocate nonce, resolve gas, sign, broadcast, mark sent. A
// nonce is released back to the pool whenever the record provably never
// reached the network, and kept reserved whenever the outcome is uncertain.
package pipeline

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
	"github.com/thirdweb-dev/engine-sub000/pkg/store"
	"github.com/thirdweb-dev/engine-sub000/pkg/types"
)

// Store is the slice of the transaction store the pipeline needs.
type Store interface {
	ListByStatus(ctx context.Context, status types.Status, limit int) ([]store.TransactionRecord, error)
	GetRecord(ctx context.Context, queueID string) (*store.TransactionRecord, error)
	Claim(ctx context.Context, queueID string, lease time.Duration) (bool, error)
	Transition(ctx context.Context, queueID string, fromStatuses []types.Status, toStatus types.Status, patch store.Patch) error
}

// Nonces is the slice of the nonce allocator the pipeline needs.
type Nonces interface {
	Allocate(ctx context.Context, key nonce.WalletKey, seed nonce.SeedFunc) (uint64, error)
	Recycle(ctx context.Context, key nonce.WalletKey, nonceValue uint64, ttl time.Duration) error
	MarkSent(ctx context.Context, key nonce.WalletKey, nonceValue uint64, queueID string) error
	MarkConsumed(ctx context.Context, key nonce.WalletKey, nonceValue uint64) error
}

// Broadcaster submits a signed transaction to the network. The default
// implementation talks straight to the node; alternative submission paths
// (bundlers, private relays) plug in here.
type Broadcaster interface {
	Broadcast(ctx context.Context, tx *gethtypes.Transaction) error
}

type rpcBroadcaster struct {
	rpc evm.RPC
}

func (b *rpcBroadcaster) Broadcast(ctx context.Context, tx *gethtypes.Transaction) error {
	return b.rpc.SendTransaction(ctx, tx)
}

// Pipeline is the send worker pool for one chain.
type Pipeline struct {
	store       Store
	nonces      Nonces
	client      *evm.Client
	broadcaster Broadcaster
	cfg         config.QueueConfig
}

func NewPipeline(txStore Store, nonces Nonces, client *evm.Client, cfg config.QueueConfig) *Pipeline {
	return &Pipeline{
		store:       txStore,
		nonces:      nonces,
		client:      client,
		broadcaster: &rpcBroadcaster{rpc: client.RPC},
		cfg:         cfg,
	}
}

// SetBroadcaster replaces the default node submission path.
func (p *Pipeline) SetBroadcaster(b Broadcaster) {
	p.broadcaster = b
}

// Run polls for queued records until the context is cancelled. Records are
// fanned out to at most WorkerCount concurrent Process calls per tick.
func (p *Pipeline) Run(ctx context.Context) {
	ticker := time.NewTicker(p.cfg.PollInterval)
	defer ticker.Stop()
	log.Info().
		Str("chain", p.client.Config.Name).
		Msgf("[SendPipeline] [Run] polling every %s with %d workers", p.cfg.PollInterval, p.cfg.WorkerCount)
	for {
		select {
		case <-ctx.Done():
			log.Info().Str("chain", p.client.Config.Name).Msg("[SendPipeline] [Run] stopped")
			return
		case <-ticker.C:
			p.tick(ctx)
		}
	}
}

func (p *Pipeline) tick(ctx context.Context) {
	records, err := p.store.ListByStatus(ctx, types.StatusQueued, p.cfg.BatchSize)
	if err != nil {
		log.Error().Err(err).Msg("[SendPipeline] [tick] failed to list queued transactions")
		return
	}

	sem := make(chan struct{}, p.cfg.WorkerCount)
	done := make(chan struct{})
	pending := 0
	for _, rec := range records {
		if rec.ChainID != p.client.Config.ChainID {
			continue
		}
		pending++
		sem <- struct{}{}
		go func(queueID string) {
			defer func() {
				if r := recover(); r != nil {
					log.Error().Any("recovered", r).
						Str("queueId", queueID).
						Msg("[SendPipeline] [tick] worker panicked")
				}
				<-sem
				done <- struct{}{}
			}()
			if err := p.Process(ctx, queueID); err != nil {
				log.Error().Err(err).
					Str("queueId", queueID).
					Msg("[SendPipeline] [Process] failed, will retry on next poll")
			}
		}(rec.QueueID)
	}
	for i := 0; i < pending; i++ {
		<-done
	}
}

// Process drives one queued record to sent or errored. A non-nil error means
// the record is still queued and will be retried on a later poll.
func (p *Pipeline) Process(ctx context.Context, queueID string) error {
	rec, err := p.store.GetRecord(ctx, queueID)
	if err != nil {
		return err
	}
	if types.Status(rec.Status) != types.StatusQueued {
		// Another worker got here first.
		return nil
	}

	// Lease the record before any side effect. Pollers in other processes see
	// the same queued rows; only the claim holder may allocate and broadcast.
	claimed, err := p.store.Claim(ctx, queueID, p.cfg.ClaimLease)
	if err != nil {
		return fmt.Errorf("failed to claim transaction: %w", err)
	}
	if !claimed {
		return nil
	}
	intent := rec.Intent()

	if !p.client.Keyring.Has(intent.From) {
		return p.reject(ctx, queueID, fmt.Sprintf("no signing key for sender %s", intent.From.Hex()))
	}

	key := nonce.WalletKey{ChainID: intent.ChainID, Address: intent.From}
	seed := func(ctx context.Context) (uint64, error) {
		return p.client.RPC.PendingNonceAt(ctx, intent.From)
	}

	// One retry when the first nonce turns out to be consumed on-chain.
	for attempt := 0; ; attempt++ {
		nonceValue, err := p.nonces.Allocate(ctx, key, seed)
		if err != nil {
			return fmt.Errorf("failed to allocate nonce: %w", err)
		}

		outcome, err := p.sendWithNonce(ctx, queueID, intent, key, nonceValue)
		if outcome == outcomeNonceConsumed && attempt == 0 {
			continue
		}
		return err
	}
}

type sendOutcome int

const (
	outcomeDone sendOutcome = iota
	outcomeNonceConsumed
	outcomeRetryLater
)

// sendWithNonce runs the fee, sign, broadcast, record sequence for one
// allocated nonce. Every exit path settles the nonce: recycled when the
// network provably never saw it, reserved otherwise.
func (p *Pipeline) sendWithNonce(ctx context.Context, queueID string, intent *types.TransactionIntent, key nonce.WalletKey, nonceValue uint64) (sendOutcome, error) {
	fees, err := ResolveFees(ctx, p.client, intent)
	if err != nil {
		p.recycle(ctx, key, nonceValue)
		if evm.IsDeterministicRejection(err) {
			return outcomeDone, p.reject(ctx, queueID, err.Error())
		}
		return outcomeRetryLater, fmt.Errorf("failed to resolve fees: %w", err)
	}

	signed, err := p.client.Keyring.SignTx(intent.From, BuildTx(intent, nonceValue, fees))
	if err != nil {
		p.recycle(ctx, key, nonceValue)
		return outcomeDone, p.reject(ctx, queueID, err.Error())
	}

	err = p.broadcast(ctx, signed)
	switch {
	case err == nil || evm.IsAlreadyKnown(err):
		return outcomeDone, p.markSent(ctx, queueID, key, nonceValue, signed.Hash())
	case evm.IsNonceTooLow(err):
		// The chain already moved past this value; burn it and let the
		// caller retry with a fresh one.
		if err := p.nonces.MarkConsumed(ctx, key, nonceValue); err != nil {
			log.Error().Err(err).
				Str("wallet", key.String()).
				Uint64("nonce", nonceValue).
				Msg("[SendPipeline] [sendWithNonce] failed to mark stale nonce consumed")
		}
		return outcomeNonceConsumed, nil
	case evm.IsDeterministicRejection(err):
		p.recycle(ctx, key, nonceValue)
		return outcomeDone, p.reject(ctx, queueID, err.Error())
	default:
		// Outcome unknown. The payload may be in the pool, so the nonce
		// stays reserved and the hash is recorded; resync settles it.
		log.Warn().Err(err).
			Str("queueId", queueID).
			Uint64("nonce", nonceValue).
			Msg("[SendPipeline] [sendWithNonce] broadcast outcome unknown, assuming sent")
		return outcomeDone, p.markSent(ctx, queueID, key, nonceValue, signed.Hash())
	}
}

// broadcast submits the payload, retrying transient failures with the same
// bytes. Rebroadcasting an identical transaction is safe: the pool dedupes on
// hash.
func (p *Pipeline) broadcast(ctx context.Context, tx *gethtypes.Transaction) error {
	var err error
	backoff := 250 * time.Millisecond
	for attempt := 0; attempt <= p.cfg.RebroadcastAttempts; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return err
			case <-time.After(backoff):
			}
			backoff *= 2
		}
		err = p.broadcaster.Broadcast(ctx, tx)
		if err == nil || evm.IsAlreadyKnown(err) || evm.IsNonceTooLow(err) || evm.IsDeterministicRejection(err) {
			return err
		}
		log.Warn().Err(err).
			Str("hash", tx.Hash().Hex()).
			Int("attempt", attempt).
			Msg("[SendPipeline] [broadcast] transient broadcast failure, retrying")
	}
	return err
}

// markSent reserves the nonce for this queue ID and records the broadcast
// hash. The redis reservation happens first so a crash between the two writes
// leaves the nonce tracked rather than leaked.
func (p *Pipeline) markSent(ctx context.Context, queueID string, key nonce.WalletKey, nonceValue uint64, hash common.Hash) error {
	if err := p.nonces.MarkSent(ctx, key, nonceValue, queueID); err != nil {
		return fmt.Errorf("failed to mark nonce sent: %w", err)
	}
	patch := store.Patch{Nonce: &nonceValue, AppendHash: &hash}
	err := p.store.Transition(ctx, queueID, []types.Status{types.StatusQueued}, types.StatusSent, patch)
	if err != nil {
		return fmt.Errorf("failed to mark transaction sent: %w", err)
	}
	log.Info().
		Str("queueId", queueID).
		Str("hash", hash.Hex()).
		Uint64("nonce", nonceValue).
		Msg("[SendPipeline] [markSent] transaction broadcast")
	return nil
}

func (p *Pipeline) recycle(ctx context.Context, key nonce.WalletKey, nonceValue uint64) {
	if err := p.nonces.Recycle(ctx, key, nonceValue, p.cfg.RecycledNonceTTL); err != nil {
		log.Error().Err(err).
			Str("wallet", key.String()).
			Uint64("nonce", nonceValue).
			Msg("[SendPipeline] [recycle] failed to recycle nonce")
	}
}

func (p *Pipeline) reject(ctx context.Context, queueID string, message string) error {
	err := p.store.Transition(ctx, queueID, []types.Status{types.StatusQueued}, types.StatusErrored, store.Patch{ErrorMessage: message})
	if err != nil {
		return fmt.Errorf("failed to mark transaction errored: %w", err)
	}
	return nil
}
