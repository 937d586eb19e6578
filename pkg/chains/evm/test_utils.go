package evm

import (
	"context"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeRPC is a scriptable RPC implementation for worker tests. Unset function
// fields fall back to benign defaults; SendTransaction records every payload.
type FakeRPC struct {
	mu   sync.Mutex
	Sent []*types.Transaction

	PendingNonceAtFn     func(ctx context.Context, account common.Address) (uint64, error)
	NonceAtFn            func(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPriceFn    func(ctx context.Context) (*big.Int, error)
	SuggestGasTipCapFn   func(ctx context.Context) (*big.Int, error)
	HeaderByNumberFn     func(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGasFn        func(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransactionFn    func(ctx context.Context, tx *types.Transaction) error
	TransactionReceiptFn func(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHashFn  func(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockByNumberFn      func(ctx context.Context, number *big.Int) (*types.Block, error)
	BlockNumberFn        func(ctx context.Context) (uint64, error)
}

func (f *FakeRPC) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	if f.PendingNonceAtFn != nil {
		return f.PendingNonceAtFn(ctx, account)
	}
	return 0, nil
}

func (f *FakeRPC) NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error) {
	if f.NonceAtFn != nil {
		return f.NonceAtFn(ctx, account, blockNumber)
	}
	return 0, nil
}

func (f *FakeRPC) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	if f.SuggestGasPriceFn != nil {
		return f.SuggestGasPriceFn(ctx)
	}
	return big.NewInt(1_000_000_000), nil
}

func (f *FakeRPC) SuggestGasTipCap(ctx context.Context) (*big.Int, error) {
	if f.SuggestGasTipCapFn != nil {
		return f.SuggestGasTipCapFn(ctx)
	}
	return big.NewInt(100_000_000), nil
}

func (f *FakeRPC) HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error) {
	if f.HeaderByNumberFn != nil {
		return f.HeaderByNumberFn(ctx, number)
	}
	return &types.Header{Number: big.NewInt(1), BaseFee: big.NewInt(500_000_000)}, nil
}

func (f *FakeRPC) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	if f.EstimateGasFn != nil {
		return f.EstimateGasFn(ctx, msg)
	}
	return 21000, nil
}

func (f *FakeRPC) SendTransaction(ctx context.Context, tx *types.Transaction) error {
	var err error
	if f.SendTransactionFn != nil {
		err = f.SendTransactionFn(ctx, tx)
	}
	if err == nil {
		f.mu.Lock()
		f.Sent = append(f.Sent, tx)
		f.mu.Unlock()
	}
	return err
}

func (f *FakeRPC) TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	if f.TransactionReceiptFn != nil {
		return f.TransactionReceiptFn(ctx, txHash)
	}
	return nil, ethereum.NotFound
}

func (f *FakeRPC) TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error) {
	if f.TransactionByHashFn != nil {
		return f.TransactionByHashFn(ctx, hash)
	}
	return nil, false, ethereum.NotFound
}

func (f *FakeRPC) BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error) {
	if f.BlockByNumberFn != nil {
		return f.BlockByNumberFn(ctx, number)
	}
	return types.NewBlockWithHeader(&types.Header{Number: number}), nil
}

func (f *FakeRPC) BlockNumber(ctx context.Context) (uint64, error) {
	if f.BlockNumberFn != nil {
		return f.BlockNumberFn(ctx)
	}
	return 0, nil
}

// SentTxs returns a copy of everything broadcast through the fake.
func (f *FakeRPC) SentTxs() []*types.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]*types.Transaction, len(f.Sent))
	copy(out, f.Sent)
	return out
}
