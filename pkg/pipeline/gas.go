package pipeline

import (
	"context"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum"
	gethtypes "github.com/ethereum/go-ethereum/core/types"

	"github.com/thirdweb-dev/engine-sub000/pkg/chains/evm"
	"github.com/thirdweb-dev/engine-sub000/pkg/types"
)

// estimateMarginPercent pads network gas estimates to survive small state
// changes between estimation and inclusion.
const estimateMarginPercent = 20

// FeeParams is the fully resolved gas configuration for one attempt.
type FeeParams struct {
	Gas      uint64
	Dynamic  bool
	GasPrice *big.Int // legacy only
	FeeCap   *big.Int // dynamic only
	TipCap   *big.Int // dynamic only
}

// ResolveFees turns intent overrides plus network estimates into concrete
// fee parameters. Estimation doubles as simulation: a deterministic node
// rejection here means the transaction can never succeed as formed.
func ResolveFees(ctx context.Context, client *evm.Client, intent *types.TransactionIntent) (*FeeParams, error) {
	fees := &FeeParams{}

	// An explicit legacy gas price forces legacy pricing; an explicit fee cap
	// forces dynamic pricing. Otherwise follow the chain.
	switch {
	case intent.GasPrice != nil:
		fees.Dynamic = false
	case intent.MaxFeePerGas != nil || intent.MaxPriorityFeePerGas != nil:
		fees.Dynamic = true
	default:
		fees.Dynamic = client.SupportsEIP1559(ctx)
	}

	if intent.Gas != nil {
		fees.Gas = *intent.Gas
	} else {
		msg := ethereum.CallMsg{
			From:  intent.From,
			To:    intent.To,
			Data:  intent.Data,
			Value: intent.Value,
		}
		estimate, err := client.RPC.EstimateGas(ctx, msg)
		if err != nil {
			return nil, fmt.Errorf("failed to estimate gas: %w", err)
		}
		fees.Gas = estimate * (100 + estimateMarginPercent) / 100
	}

	if fees.Dynamic {
		tip := intent.MaxPriorityFeePerGas
		if tip == nil {
			suggested, err := client.RPC.SuggestGasTipCap(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to get suggested gas tip cap: %w", err)
			}
			tip = suggested
		}
		feeCap := intent.MaxFeePerGas
		if feeCap == nil {
			header, err := client.RPC.HeaderByNumber(ctx, nil)
			if err != nil {
				return nil, fmt.Errorf("failed to get latest header: %w", err)
			}
			baseFee := header.BaseFee
			if baseFee == nil {
				baseFee = big.NewInt(0)
			}
			// baseFee*2 + tip absorbs two maximal base fee increases.
			feeCap = new(big.Int).Add(new(big.Int).Mul(baseFee, big.NewInt(2)), tip)
		}
		fees.TipCap = tip
		fees.FeeCap = feeCap
	} else {
		gasPrice := intent.GasPrice
		if gasPrice == nil {
			suggested, err := client.RPC.SuggestGasPrice(ctx)
			if err != nil {
				return nil, fmt.Errorf("failed to get suggested gas price: %w", err)
			}
			gasPrice = suggested
		}
		fees.GasPrice = gasPrice
	}

	return fees, nil
}

// BumpFees returns fees for a replacement attempt: every price component is
// at least bumpPercent above the previous attempt and no lower than the
// current network estimate, so the pool accepts the replacement and it can
// actually outbid the stuck original.
func BumpFees(prev, current *FeeParams, bumpPercent int64) *FeeParams {
	next := &FeeParams{Gas: prev.Gas, Dynamic: prev.Dynamic}
	if current != nil && current.Gas > next.Gas {
		next.Gas = current.Gas
	}
	if prev.Dynamic {
		next.FeeCap = bumped(prev.FeeCap, currentOrNil(current, func(f *FeeParams) *big.Int { return f.FeeCap }), bumpPercent)
		next.TipCap = bumped(prev.TipCap, currentOrNil(current, func(f *FeeParams) *big.Int { return f.TipCap }), bumpPercent)
	} else {
		next.GasPrice = bumped(prev.GasPrice, currentOrNil(current, func(f *FeeParams) *big.Int { return f.GasPrice }), bumpPercent)
	}
	return next
}

func currentOrNil(f *FeeParams, pick func(*FeeParams) *big.Int) *big.Int {
	if f == nil {
		return nil
	}
	return pick(f)
}

func bumped(prev, current *big.Int, bumpPercent int64) *big.Int {
	if prev == nil {
		prev = big.NewInt(0)
	}
	min := new(big.Int).Mul(prev, big.NewInt(100+bumpPercent))
	min.Div(min, big.NewInt(100))
	min.Add(min, big.NewInt(1))
	if current != nil && current.Cmp(min) > 0 {
		return current
	}
	return min
}

// BuildTx assembles the unsigned transaction for the given nonce and fees.
func BuildTx(intent *types.TransactionIntent, nonceValue uint64, fees *FeeParams) *gethtypes.Transaction {
	value := intent.Value
	if value == nil {
		value = big.NewInt(0)
	}
	if fees.Dynamic {
		return gethtypes.NewTx(&gethtypes.DynamicFeeTx{
			ChainID:   new(big.Int).SetUint64(intent.ChainID),
			Nonce:     nonceValue,
			To:        intent.To,
			Value:     value,
			Gas:       fees.Gas,
			GasFeeCap: fees.FeeCap,
			GasTipCap: fees.TipCap,
			Data:      intent.Data,
		})
	}
	return gethtypes.NewTx(&gethtypes.LegacyTx{
		Nonce:    nonceValue,
		To:       intent.To,
		Value:    value,
		Gas:      fees.Gas,
		GasPrice: fees.GasPrice,
		Data:     intent.Data,
	})
}

// FeesFromTx recovers the fee parameters of a previously signed attempt.
func FeesFromTx(tx *gethtypes.Transaction) *FeeParams {
	if tx.Type() == gethtypes.DynamicFeeTxType {
		return &FeeParams{
			Gas:     tx.Gas(),
			Dynamic: true,
			FeeCap:  tx.GasFeeCap(),
			TipCap:  tx.GasTipCap(),
		}
	}
	return &FeeParams{
		Gas:      tx.Gas(),
		Dynamic:  false,
		GasPrice: tx.GasPrice(),
	}
}
