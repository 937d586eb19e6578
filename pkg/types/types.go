package types

import (
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a queued transaction.
type Status string

const (
	StatusQueued    Status = "queued"
	StatusSent      Status = "sent"
	StatusMined     Status = "mined"
	StatusErrored   Status = "errored"
	StatusCancelled Status = "cancelled"
)

// Terminal reports whether no further transition is allowed from s.
func (s Status) Terminal() bool {
	return s == StatusMined || s == StatusErrored || s == StatusCancelled
}

// TransactionIntent is a fully-formed write request as handed over by the API
// layer. The engine only decides when and in what order it reaches the chain.
type TransactionIntent struct {
	ChainID uint64          `json:"chainId"`
	From    common.Address  `json:"from"`
	To      *common.Address `json:"to,omitempty"` // nil for contract deployment
	Data    []byte          `json:"data,omitempty"`
	Value   *big.Int        `json:"value,omitempty"`

	// Optional gas overrides. When set they bypass network estimation.
	Gas                  *uint64  `json:"gas,omitempty"`
	GasPrice             *big.Int `json:"gasPrice,omitempty"`
	MaxFeePerGas         *big.Int `json:"maxFeePerGas,omitempty"`
	MaxPriorityFeePerGas *big.Int `json:"maxPriorityFeePerGas,omitempty"`

	// TimeoutSeconds bounds how long the watcher waits for a receipt before
	// escalating fees. Zero means the policy default.
	TimeoutSeconds int64 `json:"timeoutSeconds,omitempty"`
}

// QueuedTransaction is the caller-visible snapshot of one transaction intent
// and everything the engine knows about its lifecycle so far.
type QueuedTransaction struct {
	QueueID string `json:"queueId"`
	Status  Status `json:"status"`

	ChainID uint64          `json:"chainId"`
	From    common.Address  `json:"from"`
	To      *common.Address `json:"to,omitempty"`
	Data    []byte          `json:"data,omitempty"`
	Value   *big.Int        `json:"value,omitempty"`

	// Nonce is assigned on entering sent and immutable afterwards. Nil while
	// the transaction is still queued.
	Nonce *uint64 `json:"nonce,omitempty"`

	// SentHashes lists every hash broadcast for this queue ID in order; the
	// last one is the canonical candidate.
	SentHashes  []common.Hash `json:"sentTransactionHashes,omitempty"`
	ResendCount int           `json:"resendCount"`

	// Receipt fields, populated only for mined.
	BlockNumber       *uint64  `json:"blockNumber,omitempty"`
	EffectiveGasPrice *big.Int `json:"effectiveGasPrice,omitempty"`
	CumulativeGasUsed *uint64  `json:"cumulativeGasUsed,omitempty"`
	OnchainSuccess    *bool    `json:"onchainSuccess,omitempty"`

	// ErrorMessage is populated only for errored.
	ErrorMessage string `json:"errorMessage,omitempty"`

	QueuedAt    time.Time  `json:"queuedAt"`
	SentAt      *time.Time `json:"sentAt,omitempty"`
	MinedAt     *time.Time `json:"minedAt,omitempty"`
	CancelledAt *time.Time `json:"cancelledAt,omitempty"`
}

// LastHash returns the canonical candidate hash, the most recently broadcast
// one, or false when nothing has been broadcast yet.
func (q *QueuedTransaction) LastHash() (common.Hash, bool) {
	if len(q.SentHashes) == 0 {
		return common.Hash{}, false
	}
	return q.SentHashes[len(q.SentHashes)-1], true
}

// StatusChangeEvent is emitted on every successful store transition and
// handed to the webhook collaborator. Delivery semantics are its problem,
// not the engine's.
type StatusChangeEvent struct {
	QueueID        string            `json:"queueId"`
	PreviousStatus Status            `json:"previousStatus"`
	NewStatus      Status            `json:"newStatus"`
	Snapshot       QueuedTransaction `json:"snapshot"`
}
