package store

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"
	"github.com/rs/zerolog/log"
	"gorm.io/driver/postgres"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"github.com/thirdweb-dev/engine-sub000/pkg/events"
	"github.com/thirdweb-dev/engine-sub000/pkg/types"
)

var (
	// ErrNotFound is returned when no record exists for a queue ID.
	ErrNotFound = errors.New("transaction not found")
	// ErrConflict is returned when a conditional transition finds the record
	// in a status outside the expected set. The caller's view is stale.
	ErrConflict = errors.New("transaction status conflict")
)

// Patch carries the fields a transition is allowed to set. Only fields valid
// in the target status should be populated.
type Patch struct {
	Nonce             *uint64
	AppendHash        *common.Hash
	ResendCount       *int
	BlockNumber       *uint64
	EffectiveGasPrice *big.Int
	CumulativeGasUsed *uint64
	OnchainSuccess    *bool
	ErrorMessage      string
}

// TransactionStore is the durable record of every transaction intent and the
// idempotency index. Every successful transition is published on the bus.
type TransactionStore struct {
	db             *gorm.DB
	bus            *events.Bus
	idempotencyTTL time.Duration
}

func NewTransactionStore(databaseURL string, bus *events.Bus, idempotencyTTL time.Duration) (*TransactionStore, error) {
	db, err := gorm.Open(postgres.Open(databaseURL), &gorm.Config{})
	if err != nil {
		return nil, fmt.Errorf("failed to connect to postgres: %w", err)
	}
	return NewTransactionStoreWithDB(db, bus, idempotencyTTL)
}

// NewTransactionStoreWithDB wraps an existing gorm handle; used by tests.
func NewTransactionStoreWithDB(db *gorm.DB, bus *events.Bus, idempotencyTTL time.Duration) (*TransactionStore, error) {
	err := db.AutoMigrate(
		&TransactionRecord{},
		&IdempotencyRecord{},
	)
	if err != nil {
		return nil, fmt.Errorf("failed to migrate transaction store schema: %w", err)
	}
	return &TransactionStore{db: db, bus: bus, idempotencyTTL: idempotencyTTL}, nil
}

// Enqueue persists a new intent in status queued and returns its queue ID.
// When idempotencyKey matches a non-expired prior intake the existing queue
// ID is returned and no new record is created.
func (s *TransactionStore) Enqueue(ctx context.Context, intent *types.TransactionIntent, idempotencyKey string) (string, error) {
	queueID := uuid.NewString()

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if idempotencyKey != "" {
			var existing IdempotencyRecord
			err := tx.First(&existing, "key = ?", idempotencyKey).Error
			if err == nil {
				if s.idempotencyTTL == 0 || time.Since(existing.CreatedAt) <= s.idempotencyTTL {
					queueID = existing.QueueID
					return nil
				}
				// Expired key, reclaim it for this intake.
				if err := tx.Model(&IdempotencyRecord{}).
					Where("key = ?", idempotencyKey).
					Updates(map[string]interface{}{"queue_id": queueID, "created_at": time.Now().UTC()}).Error; err != nil {
					return err
				}
			} else if errors.Is(err, gorm.ErrRecordNotFound) {
				rec := IdempotencyRecord{Key: idempotencyKey, QueueID: queueID, CreatedAt: time.Now().UTC()}
				if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&rec).Error; err != nil {
					return err
				}
				// A concurrent intake may have won the insert.
				var winner IdempotencyRecord
				if err := tx.First(&winner, "key = ?", idempotencyKey).Error; err != nil {
					return err
				}
				if winner.QueueID != queueID {
					queueID = winner.QueueID
					return nil
				}
			} else {
				return err
			}
		}
		return tx.Create(newRecord(queueID, intent)).Error
	})
	if err != nil {
		return "", fmt.Errorf("failed to enqueue transaction: %w", err)
	}
	return queueID, nil
}

// Get returns the snapshot for a queue ID.
func (s *TransactionStore) Get(ctx context.Context, queueID string) (*types.QueuedTransaction, error) {
	var rec TransactionRecord
	err := s.db.WithContext(ctx).First(&rec, "queue_id = ?", queueID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	snap := rec.Snapshot()
	return &snap, nil
}

// GetRecord returns the raw row; used by workers that need the stored intent.
func (s *TransactionStore) GetRecord(ctx context.Context, queueID string) (*TransactionRecord, error) {
	var rec TransactionRecord
	err := s.db.WithContext(ctx).First(&rec, "queue_id = ?", queueID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}

// Claim leases a queued record to the calling worker for the given duration.
// It returns false when the record is not queued anymore or another worker
// holds an unexpired lease. Workers must hold the claim before allocating a
// nonce or broadcasting, so concurrent pollers cannot send the same intent
// twice.
func (s *TransactionStore) Claim(ctx context.Context, queueID string, lease time.Duration) (bool, error) {
	now := time.Now().UTC()
	res := s.db.WithContext(ctx).Model(&TransactionRecord{}).
		Where("queue_id = ? AND status = ? AND (claimed_at IS NULL OR claimed_at < ?)",
			queueID, string(types.StatusQueued), now.Add(-lease)).
		Update("claimed_at", now)
	if res.Error != nil {
		return false, fmt.Errorf("failed to claim transaction: %w", res.Error)
	}
	return res.RowsAffected == 1, nil
}

// Transition moves the record to toStatus if and only if its current status
// is in fromStatuses, applying the patch in the same write. ErrConflict means
// another worker advanced the record first; the caller must re-read and back
// off rather than retry blindly.
func (s *TransactionStore) Transition(ctx context.Context, queueID string, fromStatuses []types.Status, toStatus types.Status, patch Patch) error {
	var event *types.StatusChangeEvent

	err := s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		var rec TransactionRecord
		err := tx.Clauses(clause.Locking{Strength: "UPDATE"}).
			First(&rec, "queue_id = ?", queueID).Error
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}

		previous := types.Status(rec.Status)
		allowed := false
		for _, from := range fromStatuses {
			if previous == from {
				allowed = true
				break
			}
		}
		if !allowed {
			return ErrConflict
		}

		now := time.Now().UTC()
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
		if patch.BlockNumber != nil {
			rec.BlockNumber = patch.BlockNumber
		}
		if patch.EffectiveGasPrice != nil {
			rec.EffectiveGasPrice = patch.EffectiveGasPrice.String()
		}
		if patch.CumulativeGasUsed != nil {
			rec.CumulativeGasUsed = patch.CumulativeGasUsed
		}
		if patch.OnchainSuccess != nil {
			rec.OnchainSuccess = patch.OnchainSuccess
		}
		if patch.ErrorMessage != "" {
			rec.ErrorMessage = patch.ErrorMessage
		}
		switch toStatus {
		case types.StatusSent:
			if rec.SentAt == nil {
				rec.SentAt = &now
			}
		case types.StatusMined:
			rec.MinedAt = &now
		case types.StatusCancelled:
			rec.CancelledAt = &now
		}

		if err := tx.Save(&rec).Error; err != nil {
			return err
		}

		event = &types.StatusChangeEvent{
			QueueID:        queueID,
			PreviousStatus: previous,
			NewStatus:      toStatus,
			Snapshot:       rec.Snapshot(),
		}
		return nil
	})
	if err != nil {
		return err
	}

	if s.bus != nil && event != nil {
		s.bus.Publish(event)
	}
	log.Debug().
		Str("queueId", queueID).
		Str("from", string(event.PreviousStatus)).
		Str("to", string(toStatus)).
		Msg("[TransactionStore] [Transition] status changed")
	return nil
}

// ListByStatus returns up to limit records in the given status, oldest first.
func (s *TransactionStore) ListByStatus(ctx context.Context, status types.Status, limit int) ([]TransactionRecord, error) {
	var recs []TransactionRecord
	err := s.db.WithContext(ctx).
		Where("status = ?", string(status)).
		Order("queued_at asc").
		Limit(limit).
		Find(&recs).Error
	if err != nil {
		return nil, fmt.Errorf("failed to list transactions by status %s: %w", status, err)
	}
	return recs, nil
}

// FindByNonce returns the record holding the given nonce for a wallet, if any.
func (s *TransactionStore) FindByNonce(ctx context.Context, chainID uint64, from common.Address, nonce uint64) (*TransactionRecord, error) {
	var rec TransactionRecord
	err := s.db.WithContext(ctx).
		Where("chain_id = ? AND \"from\" = ? AND nonce = ?", chainID, from.Hex(), nonce).
		First(&rec).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &rec, nil
}
