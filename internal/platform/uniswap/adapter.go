package uniswap

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
	swapGasLimit    = uint64(350_000)
	receiptInterval = 3 * time.Second
	receiptTimeout  = 90 * time.Second

	// defaultPoolFee is the 0.30% fee tier, the deepest tier for most pairs.
	defaultPoolFee = int64(3000)
)

var routerABI abi.ABI

func init() {
	var err error
	routerABI, err = abi.JSON(strings.NewReader(`[
		{
			"name": "exactInputSingle",
			"type": "function",
			"stateMutability": "payable",
			"inputs": [
				{
					"name": "params",
					"type": "tuple",
					"components": [
						{"name": "tokenIn", "type": "address"},
						{"name": "tokenOut", "type": "address"},
						{"name": "fee", "type": "uint24"},
						{"name": "recipient", "type": "address"},
						{"name": "amountIn", "type": "uint256"},
						{"name": "amountOutMinimum", "type": "uint256"},
						{"name": "sqrtPriceLimitX96", "type": "uint160"}
					]
				}
			],
			"outputs": [{"name": "amountOut", "type": "uint256"}]
		}
	]`))
	if err != nil {
		panic("uniswap: router abi parse: " + err.Error())
	}
}

// Adapter implements domain.TradeAdapter against the V3 swap router. Swaps
// are simulated with eth_call first so the adapter can report the realized
// output, then submitted and confirmed on-chain.
type Adapter struct {
	client     *ethclient.Client
	router     common.Address
	privateKey []byte
	sender     common.Address
	chainID    *big.Int
	logger     *slog.Logger
}

var _ domain.TradeAdapter = (*Adapter)(nil)

// NewAdapter builds a router adapter. privateKeyHex is the keeper's signing
// key, with or without 0x prefix.
func NewAdapter(rpcURL string, router common.Address, privateKeyHex string, chainID int64, logger *slog.Logger) (*Adapter, error) {
	pkBytes, err := hex.DecodeString(strings.TrimPrefix(privateKeyHex, "0x"))
	if err != nil {
		return nil, fmt.Errorf("uniswap: decode private key: %w", err)
	}
	privKey, err := crypto.ToECDSA(pkBytes)
	if err != nil {
		return nil, fmt.Errorf("uniswap: invalid private key: %w", err)
	}

	client, err := ethclient.Dial(rpcURL)
	if err != nil {
		return nil, fmt.Errorf("uniswap: dial rpc %s: %w", rpcURL, err)
	}

	return &Adapter{
		client:     client,
		router:     router,
		privateKey: pkBytes,
		sender:     crypto.PubkeyToAddress(privKey.PublicKey),
		chainID:    big.NewInt(chainID),
		logger:     logger.With(slog.String("component", "uniswap")),
	}, nil
}

// Venue identifies the route this adapter serves.
func (a *Adapter) Venue() domain.Venue {
	return domain.VenueUniswapV3
}

// SwapExactInput executes the swap and returns the output amount credited to
// the recipient. The router reverts when the output falls below MinAmountOut.
func (a *Adapter) SwapExactInput(ctx context.Context, req domain.SwapRequest) (*big.Int, error) {
	callData, err := routerABI.Pack("exactInputSingle", struct {
		TokenIn           common.Address
		TokenOut          common.Address
		Fee               *big.Int
		Recipient         common.Address
		AmountIn          *big.Int
		AmountOutMinimum  *big.Int
		SqrtPriceLimitX96 *big.Int
	}{
		TokenIn:           req.AssetIn,
		TokenOut:          req.AssetOut,
		Fee:               big.NewInt(defaultPoolFee),
		Recipient:         req.Recipient,
		AmountIn:          req.AmountIn,
		AmountOutMinimum:  req.MinAmountOut,
		SqrtPriceLimitX96: new(big.Int),
	})
	if err != nil {
		return nil, fmt.Errorf("uniswap: pack exactInputSingle: %w", err)
	}

	// Simulate first: a revert here surfaces slippage before gas is spent,
	// and the simulated return is the amount the settlement records.
	simulated, err := a.client.CallContract(ctx, ethereum.CallMsg{
		From: a.sender,
		To:   &a.router,
		Data: callData,
	}, nil)
	if err != nil {
		return nil, fmt.Errorf("uniswap: simulate swap: %w", err)
	}
	vals, err := routerABI.Unpack("exactInputSingle", simulated)
	if err != nil || len(vals) == 0 {
		return nil, fmt.Errorf("uniswap: unpack simulated amountOut: %w", err)
	}
	amountOut := vals[0].(*big.Int)

	privKey, err := crypto.ToECDSA(a.privateKey)
	if err != nil {
		return nil, fmt.Errorf("uniswap: private key: %w", err)
	}
	nonce, err := a.client.PendingNonceAt(ctx, a.sender)
	if err != nil {
		return nil, fmt.Errorf("uniswap: nonce: %w", err)
	}
	gasPrice, err := a.client.SuggestGasPrice(ctx)
	if err != nil {
		return nil, fmt.Errorf("uniswap: gas price: %w", err)
	}

	tx := types.NewTransaction(nonce, a.router, new(big.Int), swapGasLimit, gasPrice, callData)
	signed, err := types.SignTx(tx, types.NewEIP155Signer(a.chainID), privKey)
	if err != nil {
		return nil, fmt.Errorf("uniswap: sign tx: %w", err)
	}
	if err := a.client.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("uniswap: send tx: %w", err)
	}

	receiptCtx, cancel := context.WithTimeout(ctx, receiptTimeout)
	defer cancel()
	receipt, err := a.waitForReceipt(receiptCtx, signed.Hash())
	if err != nil {
		return nil, fmt.Errorf("uniswap: wait receipt %s: %w", signed.Hash().Hex(), err)
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		return nil, fmt.Errorf("uniswap: swap tx reverted: %s", signed.Hash().Hex())
	}

	a.logger.InfoContext(ctx, "uniswap: swap confirmed",
		slog.String("tx", signed.Hash().Hex()),
		slog.String("amount_in", req.AmountIn.String()),
		slog.String("amount_out", amountOut.String()),
	)
	return new(big.Int).Set(amountOut), nil
}

// waitForReceipt polls for a transaction receipt until confirmed or timeout.
func (a *Adapter) waitForReceipt(ctx context.Context, txHash common.Hash) (*types.Receipt, error) {
	ticker := time.NewTicker(receiptInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
			receipt, err := a.client.TransactionReceipt(ctx, txHash)
			if err != nil {
				continue // not yet mined
			}
			return receipt, nil
		}
	}
}
