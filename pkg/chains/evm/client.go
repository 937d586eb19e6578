package evm

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/ethereum/go-ethereum/rpc"
	"github.com/rs/zerolog/log"

	"github.com/thirdweb-dev/engine-sub000/config"
)

// RPC is the subset of the node API the engine consumes. *ethclient.Client
// satisfies it; tests substitute fakes.
type RPC interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	NonceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (uint64, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error)
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	BlockByNumber(ctx context.Context, number *big.Int) (*types.Block, error)
	BlockNumber(ctx context.Context) (uint64, error)
}

// Client wraps one chain's JSON-RPC endpoint together with its signer
// keyring. The node is treated as unreliable and eventually consistent; an
// RPC error never implies "not broadcast".
type Client struct {
	Config  *config.ChainConfig
	RPC     RPC
	Keyring *Keyring

	mu       sync.Mutex
	eip1559  bool
	detected bool
}

func NewClient(chainConfig *config.ChainConfig) (*Client, error) {
	rpcClient, err := rpc.DialContext(context.Background(), chainConfig.RPCUrl)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to EVM network %s: %w", chainConfig.Name, err)
	}
	keyring, err := NewKeyring(chainConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to build keyring for network %s: %w", chainConfig.Name, err)
	}
	return &Client{
		Config:  chainConfig,
		RPC:     ethclient.NewClient(rpcClient),
		Keyring: keyring,
	}, nil
}

// NewClientWithRPC wires a client around an existing RPC implementation.
func NewClientWithRPC(chainConfig *config.ChainConfig, rpcImpl RPC, keyring *Keyring) *Client {
	return &Client{Config: chainConfig, RPC: rpcImpl, Keyring: keyring}
}

// SupportsEIP1559 probes the chain once for a base fee. A config override
// forces legacy pricing regardless.
func (c *Client) SupportsEIP1559(ctx context.Context) bool {
	if c.Config.LegacyGas {
		return false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.detected {
		return c.eip1559
	}
	header, err := c.RPC.HeaderByNumber(ctx, nil)
	if err != nil {
		log.Warn().Err(err).
			Str("chain", c.Config.Name).
			Msg("[EvmClient] [SupportsEIP1559] failed to fetch header, assuming legacy gas")
		return false
	}
	c.eip1559 = header.BaseFee != nil
	c.detected = true
	return c.eip1559
}

// ReceiptByNonce scans up to depth recent blocks for a transaction from the
// sender at the given nonce and returns its receipt. Used when the locally
// tracked hashes lost a race and the canonical hash is unknown.
func (c *Client) ReceiptByNonce(ctx context.Context, from common.Address, nonce uint64, depth uint64) (*types.Receipt, error) {
	latest, err := c.RPC.BlockNumber(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get latest block number: %w", err)
	}
	signer := types.LatestSignerForChainID(new(big.Int).SetUint64(c.Config.ChainID))
	for i := uint64(0); i <= depth && i <= latest; i++ {
		block, err := c.RPC.BlockByNumber(ctx, new(big.Int).SetUint64(latest-i))
		if err != nil {
			return nil, fmt.Errorf("failed to get block %d: %w", latest-i, err)
		}
		for _, tx := range block.Transactions() {
			if tx.Nonce() != nonce {
				continue
			}
			sender, err := types.Sender(signer, tx)
			if err != nil {
				continue
			}
			if sender != from {
				continue
			}
			receipt, err := c.RPC.TransactionReceipt(ctx, tx.Hash())
			if err != nil {
				return nil, fmt.Errorf("failed to get receipt for recovered tx %s: %w", tx.Hash(), err)
			}
			return receipt, nil
		}
	}
	return nil, ethereum.NotFound
}

// --- broadcast error classification ---
//
// The node reports pool rejections as error strings. Anything not recognized
// below is treated as outcome-unknown, never as "not broadcast".

var deterministicRejections = []string{
	"insufficient funds",
	"intrinsic gas too low",
	"invalid sender",
	"exceeds block gas limit",
	"oversized data",
	"negative value",
	"execution reverted",
	"gas required exceeds allowance",
	"max fee per gas less than block base fee",
	"transaction underpriced",
	"replacement transaction underpriced",
	"nonce too high",
}

// IsDeterministicRejection reports whether the node refused the transaction
// before admitting it to the pool. The nonce was never offered to the network.
func IsDeterministicRejection(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	for _, s := range deterministicRejections {
		if strings.Contains(msg, s) {
			return true
		}
	}
	return false
}

// IsNonceTooLow reports whether the nonce was already consumed on-chain.
func IsNonceTooLow(err error) bool {
	if err == nil {
		return false
	}
	return strings.Contains(strings.ToLower(err.Error()), "nonce too low")
}

// IsAlreadyKnown reports whether the pool already holds this exact payload,
// which counts as a successful broadcast.
func IsAlreadyKnown(err error) bool {
	if err == nil {
		return false
	}
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "already known") || strings.Contains(msg, "alreadyknown")
}

// IsNotFound reports whether the error is the node's not-found condition.
func IsNotFound(err error) bool {
	return errors.Is(err, ethereum.NotFound)
}
