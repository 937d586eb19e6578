package engine

import (
	"context"
	"fmt"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog/log"

	"github.com/thirdweb-dev/engine-sub000/config"
	"github.com/thirdweb-dev/engine-sub000/pkg/chains/evm"
	"github.com/thirdweb-dev/engine-sub000/pkg/confirm"
	"github.com/thirdweb-dev/engine-sub000/pkg/events"
	"github.com/thirdweb-dev/engine-sub000/pkg/maintenance"
	"github.com/thirdweb-dev/engine-sub000/pkg/mq"
	"github.com/thirdweb-dev/engine-sub000/pkg/nonce"
	"github.com/thirdweb-dev/engine-sub000/pkg/pipeline"
	"github.com/thirdweb-dev/engine-sub000/pkg/store"
	"github.com/thirdweb-dev/engine-sub000/pkg/types"
)

// chainWorkers holds the three background jobs for one chain.
type chainWorkers struct {
	client      *evm.Client
	pipeline    *pipeline.Pipeline
	watcher     *confirm.Watcher
	maintenance *maintenance.Maintainer
}

// Service owns the full send and confirm machinery: one durable store and
// nonce allocator shared by per-chain worker sets. It is the only surface the
// API layer talks to.
type Service struct {
	Store     *store.TransactionStore
	Nonces    *nonce.Allocator
	EventBus  *events.Bus
	Publisher *mq.Publisher

	chains map[uint64]*chainWorkers
	cfg    *config.Config

	cancel context.CancelFunc
	wg     sync.WaitGroup
}

func NewService(cfg *config.Config) (*Service, error) {
	bus := events.NewBus(0)

	txStore, err := store.NewTransactionStore(cfg.Database.URL, bus, cfg.Queue.IdempotencyTTL)
	if err != nil {
		return nil, fmt.Errorf("failed to create transaction store: %w", err)
	}

	allocator := nonce.NewAllocator(redis.NewClient(&redis.Options{
		Addr:     cfg.Redis.Addr,
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	}))

	svc := &Service{
		Store:    txStore,
		Nonces:   allocator,
		EventBus: bus,
		chains:   make(map[uint64]*chainWorkers),
		cfg:      cfg,
	}

	for i := range cfg.Chains {
		chainCfg := &cfg.Chains[i]
		client, err := evm.NewClient(chainCfg)
		if err != nil {
			return nil, fmt.Errorf("failed to create client for chain %d: %w", chainCfg.ChainID, err)
		}
		svc.chains[chainCfg.ChainID] = &chainWorkers{
			client:      client,
			pipeline:    pipeline.NewPipeline(txStore, allocator, client, cfg.Queue),
			watcher:     confirm.NewWatcher(txStore, allocator, client, cfg.Queue),
			maintenance: maintenance.NewMaintainer(txStore, allocator, client, cfg.Queue),
		}
		log.Info().
			Str("chain", chainCfg.Name).
			Uint64("chainId", chainCfg.ChainID).
			Int("wallets", len(client.Keyring.Addresses())).
			Msg("[Engine] [NewService] chain configured")
	}

	if cfg.RabbitMQ.Enabled {
		publisher, err := mq.NewPublisher(cfg.RabbitMQ)
		if err != nil {
			return nil, fmt.Errorf("failed to create webhook publisher: %w", err)
		}
		svc.Publisher = publisher
	} else {
		log.Warn().Msg("[Engine] [NewService] RabbitMQ disabled, status events stay in-process")
	}

	return svc, nil
}

// Start launches the per-chain workers and the webhook forwarder.
func (s *Service) Start(ctx context.Context) error {
	ctx, s.cancel = context.WithCancel(ctx)

	if s.Publisher != nil {
		s.Publisher.Attach(ctx, s.EventBus)
	}

	for chainID, workers := range s.chains {
		s.wg.Add(3)
		go func(w *chainWorkers) {
			defer s.wg.Done()
			w.pipeline.Run(ctx)
		}(workers)
		go func(w *chainWorkers) {
			defer s.wg.Done()
			w.watcher.Run(ctx)
		}(workers)
		go func(w *chainWorkers) {
			defer s.wg.Done()
			w.maintenance.Run(ctx)
		}(workers)
		log.Info().Uint64("chainId", chainID).Msg("[Engine] [Start] workers started")
	}
	return nil
}

// Stop cancels the workers and waits for them to drain.
func (s *Service) Stop() {
	if s.cancel != nil {
		s.cancel()
	}
	s.wg.Wait()
	s.EventBus.Close()
	if s.Publisher != nil {
		s.Publisher.Close()
	}
	log.Info().Msg("[Engine] [Stop] engine stopped")
}

// Enqueue accepts a transaction intent and returns its queue ID. The
// optional idempotency key dedupes retried intakes.
func (s *Service) Enqueue(ctx context.Context, intent *types.TransactionIntent, idempotencyKey string) (string, error) {
	workers, ok := s.chains[intent.ChainID]
	if !ok {
		return "", fmt.Errorf("chain %d is not configured", intent.ChainID)
	}
	if !workers.client.Keyring.Has(intent.From) {
		return "", fmt.Errorf("no signing key for sender %s on chain %d", intent.From.Hex(), intent.ChainID)
	}
	return s.Store.Enqueue(ctx, intent, idempotencyKey)
}

// GetStatus returns the current snapshot for a queue ID.
func (s *Service) GetStatus(ctx context.Context, queueID string) (*types.QueuedTransaction, error) {
	return s.Store.Get(ctx, queueID)
}

// CancelNoncesUpTo force-replaces every pending nonce of the wallet up to and
// including upTo, returning the nonces it cancelled. Synchronous operator
// escape hatch.
func (s *Service) CancelNoncesUpTo(ctx context.Context, chainID uint64, from common.Address, upTo uint64) ([]uint64, error) {
	workers, ok := s.chains[chainID]
	if !ok {
		return nil, fmt.Errorf("chain %d is not configured", chainID)
	}
	return workers.maintenance.CancelNoncesUpTo(ctx, from, upTo)
}
