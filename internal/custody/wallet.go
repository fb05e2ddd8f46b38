// Package custody implements the Custodian collaborator: the account that
// escrows deposited funds, receives trade proceeds, and pays out withdrawals
// and fees.
package custody

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/recurswap/keeperd/internal/domain"
)

const (
	transferGasLimit = uint64(90_000)
	receiptInterval  = 3 * time.Second
	receiptTimeout   = 60 * time.Second
)

var erc20ABI abi.ABI

func init() {
	var err error
	erc20ABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "transfer",
			"type": "function",
			"inputs": [
				{"name": "to", "type": "address"},
				{"name": "amount", "type": "uint256"}
			],
			"outputs": [{"name": "", "type": "bool"}]
		},
		{
			"name": "balanceOf",
			"type": "function",
			"stateMutability": "view",
			"inputs": [{"name": "account", "type": "address"}],
			"outputs": [{"name": "", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("custody: erc20 abi parse: " + err.Error())
	}
}

// Wallet is the on-chain custodian: an EOA holding the escrowed ERC20
// balances of every position.
type Wallet struct {
	client     *ethclient.Client
	privateKey []byte
	address    common.Address
	chainID    *big.Int
	logger     *slog.Logger
}

var _ domain.Custodian = (*Wallet)(nil)

// NewWallet dials the RPC endpoint and derives the custody address from the
// signing key. privateKeyHex is with or without 0x prefix.
func NewWallet(rpcURL, privateKeyHex string, chainID int64, logger *slog.Logger) (*Wallet, error) {
	pkBytes, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("custody: decode private key: %w", err)
	}
	privKey, err := crypto.ToECDSA(pkBytes)
	if err != nil {
		return nil, fmt.Errorf("custody: invalid private key: %w", err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("custody: dial rpc %s: %w", rpcURL, err)
	}

	return &Wallet{
		client:     client,
		privateKey: pkBytes,
		address:    crypto.PubkeyToAddress(privKey.PublicKey),
		chainID:    big.NewInt(chainID),
		logger:     logger.With(slog.String("component", "custody")),
	}, nil
}

// Address returns the custody account.
func (w *Wallet) Address() common.Address {
	return w.address
}

// Transfer sends an ERC20 transfer from custody and waits for confirmation.
func (w *Wallet) Transfer(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	callData, err := erc20ABI.Pack("transfer", to, amount)
	if err != nil {
		return fmt.Errorf("custody: pack transfer: %w", err)
	}

	privKey, err := crypto.ToECDSA(w.privateKey)
	if err != nil {
		return fmt.Errorf("custody: private key: %w", err)
	}
	nonce, err := w.client.PendingNonceAt(ctx, w.address)
	if err != nil {
		return fmt.Errorf("custody: nonce: %w", err)
	}
	gasPrice, err := w.client.SuggestGasPrice(ctx)
	if err != nil {
		return fmt.Errorf("custody: gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, asset, new(big.Int), transferGasLimit, gasPrice, callData)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(w.chainID), privKey)
	if err != nil {
		return fmt.Errorf("custody: sign tx: %w", err)
	}
	if err := w.client.SendTransaction(ctx, signed); err != nil {
		return fmt.Errorf("custody: send tx: %w", err)
	}

	receiptCtx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()
	receipt, err := w.waitForReceipt(receiptCtx, signed.Hash())
	if err != nil {
		return fmt.Errorf("custody: wait receipt %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return fmt.Errorf("custody: transfer tx reverted: %s", signed.Hash().Hex())
	}

	w.logger.InfoContext(ctx, "custody: transfer confirmed",
		slog.String("asset", asset.Hex()),
		slog.String("to", to.Hex()),
		slog.String("amount", amount.String()),
	)
	return nil
}

// Balance returns the custodied total for an asset.
func (w *Wallet) Balance(ctx context.Context, asset common.Address) (*big.Int, error) {
	callData, err := erc20ABI.Pack("balanceOf", w.address)
	if err != nil {
		return nil, fmt.Errorf("custody: pack balanceOf: %w", err)
	}
	result, err := w.client.CallContract(ctx, ethereum.CallMsg{To: &asset, Data: callData}, nil)
	if err != nil {
		return nil, fmt.Errorf("custody: balanceOf %s: %w", asset.Hex(), err)
	}
	vals, err := erc20ABI.Unpack("balanceOf", result)
	if err != nil || len(vals) == 0 {
		return nil, fmt.Errorf("custody: unpack balanceOf %s: %w", asset.Hex(), err)
	}
	return vals[0].(*big.Int), nil
}

func (w *Wallet) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := w.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}
