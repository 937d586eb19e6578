package evm

import (
	"crypto/ecdsa"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	hdwallet "github.com/miguelmota/go-ethereum-hdwallet"

	"github.com/thirdweb-dev/engine-sub000/config"
)

// Keyring resolves sender addresses to signing keys for one chain. Keys come
// from raw hex private keys or from a mnemonic with derivation indexes.
type Keyring struct {
	chainID *big.Int
	keys    map[common.Address]*ecdsa.PrivateKey
}

func NewKeyring(chainConfig *config.ChainConfig) (*Keyring, error) {
	kr := &Keyring{
		chainID: new(big.Int).SetUint64(chainConfig.ChainID),
		keys:    make(map[common.Address]*ecdsa.PrivateKey),
	}

	for _, raw := range chainConfig.PrivateKeys {
		key, err := crypto.HexToECDSA(strings.TrimPrefix(raw, "0x"))
		if err != nil {
			return nil, fmt.Errorf("failed to parse private key for network %s: %w", chainConfig.Name, err)
		}
		kr.keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}

	if chainConfig.Mnemonic != "" {
		wallet, err := hdwallet.NewFromMnemonic(chainConfig.Mnemonic)
		if err != nil {
			return nil, fmt.Errorf("failed to create wallet from mnemonic: %w", err)
		}
		indexes := chainConfig.WalletIndexes
		if len(indexes) == 0 {
			indexes = []uint32{0}
		}
		for _, index := range indexes {
			path := hdwallet.MustParseDerivationPath(fmt.Sprintf("m/44'/60'/0'/0/%d", index))
			account, err := wallet.Derive(path, true)
			if err != nil {
				return nil, fmt.Errorf("failed to derive account %d: %w", index, err)
			}
			key, err := wallet.PrivateKey(account)
			if err != nil {
				return nil, fmt.Errorf("failed to get private key for account %d: %w", index, err)
			}
			kr.keys[account.Address] = key
		}
	}

	return kr, nil
}

// NewKeyringFromKeys builds a keyring from in-memory keys; used by tests.
func NewKeyringFromKeys(chainID uint64, keys ...*ecdsa.PrivateKey) *Keyring {
	kr := &Keyring{
		chainID: new(big.Int).SetUint64(chainID),
		keys:    make(map[common.Address]*ecdsa.PrivateKey),
	}
	for _, key := range keys {
		kr.keys[crypto.PubkeyToAddress(key.PublicKey)] = key
	}
	return kr
}

// Has reports whether the keyring can sign for the address.
func (k *Keyring) Has(from common.Address) bool {
	_, ok := k.keys[from]
	return ok
}

// Addresses lists every sender the keyring custodies.
func (k *Keyring) Addresses() []common.Address {
	out := make([]common.Address, 0, len(k.keys))
	for addr := range k.keys {
		out = append(out, addr)
	}
	return out
}

// SignTx signs the transaction for the given sender.
func (k *Keyring) SignTx(from common.Address, tx *types.Transaction) (*types.Transaction, error) {
	key, ok := k.keys[from]
	if !ok {
		return nil, fmt.Errorf("no signing key for sender %s", from.Hex())
	}
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(k.chainID), key)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction for %s: %w", from.Hex(), err)
	}
	return signed, nil
}
