package services

import (
	"context"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
	"github.com/shopspring/decimal"
)

var (
	transferSelector  = crypto.Keccak256([]byte("transfer(address,uint256)"))[:4]
	balanceOfSelector = crypto.Keccak256([]byte("balanceOf(address)"))[:4]
)

// ToBaseUnits scales a token amount to the integer base units of a token with
// the given decimals, truncating anything below one base unit.
func ToBaseUnits(amount decimal.Decimal, decimals int32) (*big.Int, error) {
	units := amount.Shift(decimals).Truncate(0).BigInt()
	if units.Sign() <= 0 {
		return nil, fmt.Errorf("amount %s is below one base unit at %d decimals", amount, decimals)
	}
	return units, nil
}

// FromBaseUnits is the inverse of ToBaseUnits.
func FromBaseUnits(units *big.Int, decimals int32) decimal.Decimal {
	return decimal.NewFromBigInt(units, -decimals)
}

func encodeTransfer(to common.Address, units *big.Int) []byte {
	data := make([]byte, 0, 4+32+32)
	data = append(data, transferSelector...)
	data = append(data, common.LeftPadBytes(to.Bytes(), 32)...)
	data = append(data, common.LeftPadBytes(units.Bytes(), 32)...)
	return data
}

// EVMConfig configures the ERC-20 creditor.
type EVMConfig struct {
	RPCURL        string
	PrivateKey    string
	TokenContract string
	TokenDecimals int32
	ChainID       int64
	ReceiptWait   time.Duration
}

// evmBackend is the part of ethclient.Client the creditor uses.
type evmBackend interface {
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SuggestGasTipCap(ctx context.Context) (*big.Int, error)
	HeaderByNumber(ctx context.Context, number *big.Int) (*types.Header, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	SendTransaction(ctx context.Context, tx *types.Transaction) error
	TransactionByHash(ctx context.Context, hash common.Hash) (*types.Transaction, bool, error)
	TransactionReceipt(ctx context.Context, hash common.Hash) (*types.Receipt, error)
	CallContract(ctx context.Context, msg ethereum.CallMsg, blockNumber *big.Int) ([]byte, error)
	Close()
}

// lookupTimeout bounds the transaction lookup made after a failed send.
const lookupTimeout = 5 * time.Second

// EVMCreditor credits wallets by sending ERC-20 transfers from a treasury key.
type EVMCreditor struct {
	client   evmBackend
	key      *ecdsa.PrivateKey
	from     common.Address
	token    common.Address
	chainID  *big.Int
	decimals int32
	wait     time.Duration
	logger   *slog.Logger

	// sendMu serialises sends from the key and guards signed.
	sendMu sync.Mutex
	// signed holds the transfer built for each credit reference until the
	// network is known to have it, so a retry rebroadcasts the same
	// transaction instead of signing a second one with a new nonce.
	signed map[string]*types.Transaction
}

// NewEVMCreditor dials the RPC endpoint and loads the signing key.
func NewEVMCreditor(ctx context.Context, cfg EVMConfig, logger *slog.Logger) (*EVMCreditor, error) {
	if cfg.RPCURL == "" || cfg.PrivateKey == "" {
		return nil, errors.New("ledger rpc url and private key are required")
	}
	if !common.IsHexAddress(cfg.TokenContract) {
		return nil, fmt.Errorf("invalid token contract address %q", cfg.TokenContract)
	}
	key, err := crypto.HexToECDSA(strings.TrimPrefix(cfg.PrivateKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse ledger private key: %w", err)
	}

	client, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial ledger rpc: %w", err)
	}

	if cfg.ChainID == 0 {
		chainID, err := client.ChainID(ctx)
		if err != nil {
			client.Close()
			return nil, fmt.Errorf("read chain id: %w", err)
		}
		cfg.ChainID = chainID.Int64()
	}
	return newEVMCreditor(client, key, cfg, logger), nil
}

func newEVMCreditor(client evmBackend, key *ecdsa.PrivateKey, cfg EVMConfig, logger *slog.Logger) *EVMCreditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &EVMCreditor{
		client:   client,
		key:      key,
		from:     crypto.PubkeyToAddress(key.PublicKey),
		token:    common.HexToAddress(cfg.TokenContract),
		chainID:  big.NewInt(cfg.ChainID),
		decimals: cfg.TokenDecimals,
		wait:     cfg.ReceiptWait,
		logger:   logger,
		signed:   make(map[string]*types.Transaction),
	}
}

// Close releases the RPC connection.
func (c *EVMCreditor) Close() {
	c.client.Close()
}

// Credit transfers amount tokens to address. Calls sharing a reference produce
// at most one transfer on the network: a transfer whose submission outcome is
// unknown is looked up and rebroadcast, never re-signed with a new nonce.
// An error means the network does not have the transfer, or it was mined and
// reverted. Once accepted, a receipt wait that runs out is not an error.
func (c *EVMCreditor) Credit(ctx context.Context, reference, address string, amount decimal.Decimal) (CreditReceipt, error) {
	if !common.IsHexAddress(address) {
		return CreditReceipt{}, fmt.Errorf("invalid wallet address %q", address)
	}
	units, err := ToBaseUnits(amount, c.decimals)
	if err != nil {
		return CreditReceipt{}, err
	}
	data := encodeTransfer(common.HexToAddress(address), units)

	c.sendMu.Lock()
	signed, err := c.submit(ctx, reference, data)
	c.sendMu.Unlock()
	if err != nil {
		return CreditReceipt{}, err
	}

	hash := signed.Hash()
	c.logger.Info("ledger transfer submitted", "reference", reference, "tx_hash", hash.Hex(),
		"nonce", signed.Nonce(), "to", address, "units", units.String())

	confirmed, err := c.waitMined(ctx, hash)
	c.sendMu.Lock()
	delete(c.signed, reference)
	c.sendMu.Unlock()
	if err != nil {
		return CreditReceipt{}, err
	}
	return CreditReceipt{TxHash: hash.Hex(), Confirmed: confirmed}, nil
}

// submit gets the transfer for reference onto the network. It must be called
// with sendMu held.
func (c *EVMCreditor) submit(ctx context.Context, reference string, data []byte) (*types.Transaction, error) {
	if prev, ok := c.signed[reference]; ok {
		if c.known(ctx, prev.Hash()) {
			return prev, nil
		}
		err := c.client.SendTransaction(ctx, prev)
		if err == nil || c.known(ctx, prev.Hash()) {
			return prev, nil
		}
		if strings.Contains(err.Error(), "nonce too low") {
			// The nonce went to another transfer, so prev can never be mined.
			delete(c.signed, reference)
		}
		return nil, fmt.Errorf("rebroadcast transfer %s: %w", prev.Hash().Hex(), err)
	}

	signed, err := c.sign(ctx, data)
	if err != nil {
		return nil, err
	}
	c.signed[reference] = signed
	if err := c.client.SendTransaction(ctx, signed); err != nil {
		if c.known(ctx, signed.Hash()) {
			return signed, nil
		}
		return nil, fmt.Errorf("send transfer %s: %w", signed.Hash().Hex(), err)
	}
	return signed, nil
}

// known reports whether the node has hash, pending or mined. Lookup failures
// count as unknown.
func (c *EVMCreditor) known(ctx context.Context, hash common.Hash) bool {
	lookupCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), lookupTimeout)
	defer cancel()
	tx, _, err := c.client.TransactionByHash(lookupCtx, hash)
	if err != nil {
		if !errors.Is(err, ethereum.NotFound) {
			c.logger.Warn("transfer lookup failed", "tx_hash", hash.Hex(), "error", err)
		}
		return false
	}
	return tx != nil
}

func (c *EVMCreditor) sign(ctx context.Context, data []byte) (*types.Transaction, error) {
	nonce, err := c.client.PendingNonceAt(ctx, c.from)
	if err != nil {
		return nil, fmt.Errorf("pending nonce: %w", err)
	}
	tip, err := c.client.SuggestGasTipCap(ctx)
	if err != nil {
		return nil, fmt.Errorf("suggest gas tip: %w", err)
	}
	head, err := c.client.HeaderByNumber(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("latest header: %w", err)
	}
	baseFee := head.BaseFee
	if baseFee == nil {
		baseFee = new(big.Int)
	}
	feeCap := new(big.Int).Add(tip, new(big.Int).Mul(baseFee, big.NewInt(2)))

	gas, err := c.client.EstimateGas(ctx, ethereum.CallMsg{
		From: c.from,
		To:   &c.token,
		Data: data,
	})
	if err != nil {
		return nil, fmt.Errorf("estimate gas: %w", err)
	}

	tx := types.NewTx(&types.DynamicFeeTx{
		ChainID:   c.chainID,
		Nonce:     nonce,
		GasTipCap: tip,
		GasFeeCap: feeCap,
		Gas:       gas,
		To:        &c.token,
		Value:     big.NewInt(0),
		Data:      data,
	})
	signed, err := types.SignTx(tx, types.LatestSignerForChainID(c.chainID), c.key)
	if err != nil {
		return nil, fmt.Errorf("sign transfer: %w", err)
	}
	return signed, nil
}

// waitMined polls for the receipt until c.wait elapses. It reports false when
// the transaction is still unmined at the deadline.
func (c *EVMCreditor) waitMined(ctx context.Context, hash common.Hash) (bool, error) {
	if c.wait <= 0 {
		return false, nil
	}
	// The transfer is already on the network; do not let the caller's deadline
	// turn an accepted transfer into a failure.
	waitCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.wait)
	defer cancel()

	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()
	for {
		receipt, err := c.client.TransactionReceipt(waitCtx, hash)
		switch {
		case err == nil:
			if receipt.Status != types.ReceiptStatusSuccessful {
				return false, fmt.Errorf("transfer %s reverted in block %s", hash.Hex(), receipt.BlockNumber)
			}
			return true, nil
		case !errors.Is(err, ethereum.NotFound):
			c.logger.Warn("receipt lookup failed", "tx_hash", hash.Hex(), "error", err)
		}

		select {
		case <-waitCtx.Done():
			c.logger.Warn("transfer not mined before wait deadline", "tx_hash", hash.Hex())
			return false, nil
		case <-ticker.C:
		}
	}
}

// BalanceOf reads the token balance of address via eth_call.
func (c *EVMCreditor) BalanceOf(ctx context.Context, address string) (decimal.Decimal, error) {
	if !common.IsHexAddress(address) {
		return decimal.Zero, fmt.Errorf("invalid wallet address %q", address)
	}
	data := append(append([]byte{}, balanceOfSelector...), common.LeftPadBytes(common.HexToAddress(address).Bytes(), 32)...)
	out, err := c.client.CallContract(ctx, ethereum.CallMsg{To: &c.token, Data: data}, nil)
	if err != nil {
		return decimal.Zero, fmt.Errorf("balanceOf call: %w", err)
	}
	if len(out) < 32 {
		return decimal.Zero, fmt.Errorf("balanceOf returned %d bytes", len(out))
	}
	return FromBaseUnits(new(big.Int).SetBytes(out[:32]), c.decimals), nil
}

// DryRunCreditor logs credits instead of sending them. Used in sandbox
// deployments where no token contract is wired.
type DryRunCreditor struct {
	decimals int32
	logger   *slog.Logger

	mu       sync.Mutex
	balances map[string]decimal.Decimal
	receipts map[string]CreditReceipt
}

func NewDryRunCreditor(decimals int32, logger *slog.Logger) *DryRunCreditor {
	if logger == nil {
		logger = slog.Default()
	}
	return &DryRunCreditor{
		decimals: decimals,
		logger:   logger,
		balances: make(map[string]decimal.Decimal),
		receipts: make(map[string]CreditReceipt),
	}
}

// Credit adds amount to the in-memory balance of address once per reference.
func (d *DryRunCreditor) Credit(_ context.Context, reference, address string, amount decimal.Decimal) (CreditReceipt, error) {
	units, err := ToBaseUnits(amount, d.decimals)
	if err != nil {
		return CreditReceipt{}, err
	}
	credited := FromBaseUnits(units, d.decimals)
	key := strings.ToLower(address)

	d.mu.Lock()
	defer d.mu.Unlock()
	if receipt, ok := d.receipts[reference]; ok {
		return receipt, nil
	}
	d.balances[key] = d.balances[key].Add(credited)

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%s", reference, key, units)))
	receipt := CreditReceipt{TxHash: "dryrun-" + hex.EncodeToString(sum[:8]), Confirmed: true}
	d.receipts[reference] = receipt
	d.logger.Info("dry-run credit", "reference", reference, "wallet", address,
		"token_amount", credited.String(), "tx_hash", receipt.TxHash)
	return receipt, nil
}

func (d *DryRunCreditor) BalanceOf(_ context.Context, address string) (decimal.Decimal, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.balances[strings.ToLower(address)], nil
}
