package store

import (
	"database/sql/driver"
	"encoding/json"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"

	"github.com/thirdweb-dev/engine-sub000/pkg/types"
)

// StringSlice stores an ordered list of strings as jsonb.
type StringSlice []string

func (s StringSlice) Value() (driver.Value, error) {
	if s == nil {
		return "[]", nil
	}
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	return string(data), nil
}

func (s *StringSlice) Scan(value interface{}) error {
	if value == nil {
		*s = nil
		return nil
	}
	var data []byte
	switch v := value.(type) {
	case []byte:
		data = v
	case string:
		data = []byte(v)
	default:
		return fmt.Errorf("cannot scan %T into StringSlice", value)
	}
	return json.Unmarshal(data, s)
}

// TransactionRecord is the durable row behind one queue ID.
type TransactionRecord struct {
	QueueID string `gorm:"primaryKey;type:varchar(64)"`
	Status  string `gorm:"type:varchar(16);index;not null"`

	ChainID uint64 `gorm:"index:idx_wallet,priority:1;not null"`
	From    string `gorm:"type:varchar(64);index:idx_wallet,priority:2;not null"`
	To      string `gorm:"type:varchar(64)"`
	Data    []byte `gorm:"type:bytea"`
	Value   string `gorm:"type:numeric(78,0)"`

	GasOverride      *uint64
	GasPriceOverride string `gorm:"type:numeric(78,0)"`
	FeeCapOverride   string `gorm:"type:numeric(78,0)"`
	TipCapOverride   string `gorm:"type:numeric(78,0)"`
	TimeoutSeconds   int64

	Nonce       *uint64     `gorm:"index:idx_wallet,priority:3"`
	SentHashes  StringSlice `gorm:"type:jsonb"`
	ResendCount int         `gorm:"default:0"`
	ClaimedAt   *time.Time

	BlockNumber       *uint64
	EffectiveGasPrice string `gorm:"type:numeric(78,0)"`
	CumulativeGasUsed *uint64
	OnchainSuccess    *bool

	ErrorMessage string `gorm:"type:text"`

	QueuedAt    time.Time `gorm:"type:timestamp(6);default:current_timestamp(6)"`
	SentAt      *time.Time
	MinedAt     *time.Time
	CancelledAt *time.Time
	UpdatedAt   time.Time `gorm:"type:timestamp(6)"`
}

func (TransactionRecord) TableName() string { return "queued_transactions" }

// IdempotencyRecord maps a caller-supplied key to the queue ID it created.
type IdempotencyRecord struct {
	Key       string    `gorm:"primaryKey;type:varchar(255)"`
	QueueID   string    `gorm:"type:varchar(64);not null"`
	CreatedAt time.Time `gorm:"type:timestamp(6);default:current_timestamp(6)"`
}

func (IdempotencyRecord) TableName() string { return "idempotency_keys" }

func bigToString(v *big.Int) string {
	if v == nil {
		return ""
	}
	return v.String()
}

func stringToBig(s string) *big.Int {
	if s == "" {
		return nil
	}
	v, ok := new(big.Int).SetString(s, 10)
	if !ok {
		return nil
	}
	return v
}

func newRecord(queueID string, intent *types.TransactionIntent) *TransactionRecord {
	rec := &TransactionRecord{
		QueueID:          queueID,
		Status:           string(types.StatusQueued),
		ChainID:          intent.ChainID,
		From:             intent.From.Hex(),
		Data:             intent.Data,
		Value:            bigToString(intent.Value),
		GasOverride:      intent.Gas,
		GasPriceOverride: bigToString(intent.GasPrice),
		FeeCapOverride:   bigToString(intent.MaxFeePerGas),
		TipCapOverride:   bigToString(intent.MaxPriorityFeePerGas),
		TimeoutSeconds:   intent.TimeoutSeconds,
		QueuedAt:         time.Now().UTC(),
	}
	if intent.To != nil {
		rec.To = intent.To.Hex()
	}
	return rec
}

// Intent rebuilds the original transaction intent from the row.
func (r *TransactionRecord) Intent() *types.TransactionIntent {
	intent := &types.TransactionIntent{
		ChainID:              r.ChainID,
		From:                 common.HexToAddress(r.From),
		Data:                 r.Data,
		Value:                stringToBig(r.Value),
		Gas:                  r.GasOverride,
		GasPrice:             stringToBig(r.GasPriceOverride),
		MaxFeePerGas:         stringToBig(r.FeeCapOverride),
		MaxPriorityFeePerGas: stringToBig(r.TipCapOverride),
		TimeoutSeconds:       r.TimeoutSeconds,
	}
	if r.To != "" {
		to := common.HexToAddress(r.To)
		intent.To = &to
	}
	return intent
}

// Snapshot converts the row to the caller-visible view.
func (r *TransactionRecord) Snapshot() types.QueuedTransaction {
	snap := types.QueuedTransaction{
		QueueID:           r.QueueID,
		Status:            types.Status(r.Status),
		ChainID:           r.ChainID,
		From:              common.HexToAddress(r.From),
		Data:              r.Data,
		Value:             stringToBig(r.Value),
		Nonce:             r.Nonce,
		ResendCount:       r.ResendCount,
		BlockNumber:       r.BlockNumber,
		EffectiveGasPrice: stringToBig(r.EffectiveGasPrice),
		CumulativeGasUsed: r.CumulativeGasUsed,
		OnchainSuccess:    r.OnchainSuccess,
		ErrorMessage:      r.ErrorMessage,
		QueuedAt:          r.QueuedAt,
		SentAt:            r.SentAt,
		MinedAt:           r.MinedAt,
		CancelledAt:       r.CancelledAt,
	}
	if r.To != "" {
		to := common.HexToAddress(r.To)
		snap.To = &to
	}
	for _, h := range r.SentHashes {
		snap.SentHashes = append(snap.SentHashes, common.HexToHash(h))
	}
	return snap
}
