package ledger

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"github.com/bountyrelay/bountyrelay/internal/logging"
	"github.com/bountyrelay/bountyrelay/internal/metrics"
	"github.com/bountyrelay/bountyrelay/internal/util"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// Backend is the subset of an Ethereum RPC client the ledger uses.
// *ethclient.Client satisfies it.
type Backend interface {
	bind.ContractCaller
	ChainID(ctx context.Context) (*big.Int, error)
	BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error)
	SuggestGasPrice(ctx context.Context) (*big.Int, error)
	EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error)
	PendingNonceAt(ctx context.Context, account common.Address) (uint64, error)
	SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error
	TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error)
}

// ClientConfig holds configuration for the ledger RPC client
type ClientConfig struct {
	RPCURL             string
	ChainID            int64
	GasPriceMultiplier float64  // applied to the suggested gas price (default: 1.2)
	GasLimitMultiplier float64  // applied to the estimated gas (default: 1.3)
	MaxGasPrice        *big.Int // nil = no cap
	ReceiptTimeout     time.Duration
	RetryConfig        *util.RetryConfig
	Metrics            *metrics.Metrics
}

// DefaultClientConfig returns sensible defaults for a local development chain.
func DefaultClientConfig() *ClientConfig {
	return &ClientConfig{
		RPCURL:             "http://127.0.0.1:8545",
		ChainID:            31337,
		GasPriceMultiplier: 1.2,
		GasLimitMultiplier: 1.3,
		ReceiptTimeout:     2 * time.Minute,
		RetryConfig:        util.DefaultRetryConfig(),
	}
}

// Call is one contract write.
type Call struct {
	Method string // contract method name, for logs, metrics and errors
	To     common.Address
	Data   []byte
	Value  *big.Int
	MinGas uint64 // floor for the gas limit, e.g. a forwarded call's inner budget
}

// TxResult describes a confirmed transaction.
type TxResult struct {
	TxHash          string        `json:"tx_hash"`
	BlockNumber     uint64        `json:"block_number"`
	GasUsed         uint64        `json:"gas_used"`
	ContractAddress types.Address `json:"contract_address,omitempty"`
}

// Client builds, signs, submits and confirms transactions.
//
// Every write prices gas at the suggested price times GasPriceMultiplier,
// sizes the gas limit at the estimate times GasLimitMultiplier, and fetches
// the sender's pending nonce immediately before broadcasting. Fetch, sign and
// broadcast run under a per-sender lock so concurrent writes from one wallet
// never reuse a nonce.
type Client struct {
	config  *ClientConfig
	backend Backend
	chainID *big.Int
	signer  ethtypes.Signer

	senderLocks sync.Map // common.Address -> *sync.Mutex
}

// NewClient wraps an existing backend. Use Dial for a live RPC endpoint.
func NewClient(config *ClientConfig, backend Backend) *Client {
	if config == nil {
		config = DefaultClientConfig()
	}
	if config.GasPriceMultiplier < 1 {
		config.GasPriceMultiplier = 1
	}
	if config.GasLimitMultiplier < 1 {
		config.GasLimitMultiplier = 1
	}
	if config.ReceiptTimeout <= 0 {
		config.ReceiptTimeout = 2 * time.Minute
	}
	chainID := big.NewInt(config.ChainID)
	return &Client{
		config:  config,
		backend: backend,
		chainID: chainID,
		signer:  ethtypes.LatestSignerForChainID(chainID),
	}
}

// Dial connects to the configured RPC endpoint and verifies the chain id.
func Dial(ctx context.Context, config *ClientConfig) (*Client, error) {
	if config == nil {
		config = DefaultClientConfig()
	}

	client, result := util.RetryWithValue(ctx, config.RetryConfig, func() (*ethclient.Client, error) {
		return ethclient.DialContext(ctx, config.RPCURL)
	})
	if result.LastError != nil {
		return nil, fmt.Errorf("failed to connect to ledger RPC: %w", result.LastError)
	}

	chainID, err := client.ChainID(ctx)
	if err != nil {
		client.Close()
		return nil, fmt.Errorf("failed to get chain ID: %w", err)
	}
	if chainID.Cmp(big.NewInt(config.ChainID)) != 0 {
		client.Close()
		return nil, fmt.Errorf("chain ID mismatch: expected %d, got %d", config.ChainID, chainID)
	}

	logging.Info("connected to ledger",
		logging.Component("ledger"),
		"rpc_url", config.RPCURL,
		"chain_id", config.ChainID)

	return NewClient(config, client), nil
}

// Backend returns the underlying RPC backend.
func (c *Client) Backend() Backend {
	return c.backend
}

// Close closes the RPC connection if the backend owns one.
func (c *Client) Close() {
	if closer, ok := c.backend.(interface{ Close() }); ok {
		closer.Close()
	}
}

// Ping checks that the node answers.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.backend.ChainID(ctx)
	return err
}

// Balance returns the native balance of account.
func (c *Client) Balance(ctx context.Context, account common.Address) (*big.Int, error) {
	balance, result := util.RetryWithValue(ctx, c.config.RetryConfig, func() (*big.Int, error) {
		return c.backend.BalanceAt(ctx, account, nil)
	})
	if result.LastError != nil {
		return nil, fmt.Errorf("failed to get balance: %w", result.LastError)
	}
	return balance, nil
}

// GasPrice returns the suggested gas price with the safety multiplier applied
// and clamped to MaxGasPrice.
func (c *Client) GasPrice(ctx context.Context) (*big.Int, error) {
	suggested, result := util.RetryWithValue(ctx, c.config.RetryConfig, func() (*big.Int, error) {
		return c.backend.SuggestGasPrice(ctx)
	})
	if result.LastError != nil {
		return nil, fmt.Errorf("failed to get gas price: %w", result.LastError)
	}

	price := scale(suggested, c.config.GasPriceMultiplier)
	if c.config.MaxGasPrice != nil && price.Cmp(c.config.MaxGasPrice) > 0 {
		price = new(big.Int).Set(c.config.MaxGasPrice)
	}
	return price, nil
}

// scale multiplies v by m with percent precision.
func scale(v *big.Int, m float64) *big.Int {
	pct := big.NewInt(int64(math.Round(m * 100)))
	out := new(big.Int).Mul(v, pct)
	return out.Quo(out, big.NewInt(100))
}

// Transact signs call with key, submits it and waits for the receipt.
// Failures come back as *types.SubmissionError; Sent tells whether the
// transaction reached the node, Reverted whether it was mined and failed.
func (c *Client) Transact(ctx context.Context, key *ecdsa.PrivateKey, call Call) (*TxResult, error) {
	from := crypto.PubkeyToAddress(key.PublicKey)
	value := call.Value
	if value == nil {
		value = new(big.Int)
	}
	to := call.To

	notSent := func(err error) error {
		c.config.Metrics.ObserveTransaction(call.Method, "failed", 0)
		return &types.SubmissionError{Method: call.Method, ContractAddress: types.Address(to), Err: err}
	}

	gasPrice, err := c.GasPrice(ctx)
	if err != nil {
		return nil, notSent(err)
	}

	estimated, err := c.backend.EstimateGas(ctx, ethereum.CallMsg{
		From:     from,
		To:       &to,
		GasPrice: gasPrice,
		Value:    value,
		Data:     call.Data,
	})
	if err != nil {
		return nil, notSent(fmt.Errorf("failed to estimate gas: %w", err))
	}
	gasLimit := uint64(float64(estimated) * c.config.GasLimitMultiplier)
	if gasLimit < call.MinGas {
		gasLimit = call.MinGas
	}

	signed, err := c.send(ctx, key, from, &ethtypes.LegacyTx{
		To:       &to,
		Value:    value,
		Gas:      gasLimit,
		GasPrice: gasPrice,
		Data:     call.Data,
	})
	if err != nil {
		return nil, notSent(err)
	}
	hash := signed.Hash().Hex()
	sentAt := time.Now()

	logging.Debug("transaction sent",
		logging.Component("ledger"),
		"method", call.Method,
		logging.TxHash(hash),
		"from", from.Hex(),
		"nonce", signed.Nonce(),
		"gas_limit", gasLimit,
		"gas_price", gasPrice.String())

	waitCtx, cancel := context.WithTimeout(ctx, c.config.ReceiptTimeout)
	defer cancel()
	receipt, err := bind.WaitMined(waitCtx, c.backend, signed)
	if err != nil {
		c.config.Metrics.ObserveTransaction(call.Method, "unconfirmed", 0)
		// The transaction may still land after this point.
		return nil, &types.SubmissionError{
			Method:          call.Method,
			TxHash:          hash,
			Sent:            true,
			ContractAddress: types.Address(to),
			Err:             fmt.Errorf("no receipt: %w", err),
		}
	}

	result := &TxResult{
		TxHash:          hash,
		BlockNumber:     receipt.BlockNumber.Uint64(),
		GasUsed:         receipt.GasUsed,
		ContractAddress: types.Address(receipt.ContractAddress),
	}
	if result.ContractAddress.IsZero() {
		result.ContractAddress = types.Address(to)
	}

	if receipt.Status == ethtypes.ReceiptStatusFailed {
		c.config.Metrics.ObserveTransaction(call.Method, "reverted", time.Since(sentAt))
		return nil, &types.SubmissionError{
			Method:          call.Method,
			TxHash:          hash,
			Sent:            true,
			Reverted:        true,
			GasUsed:         result.GasUsed,
			BlockNumber:     result.BlockNumber,
			ContractAddress: result.ContractAddress,
			Err:             errors.New("execution reverted"),
		}
	}

	c.config.Metrics.ObserveTransaction(call.Method, "confirmed", time.Since(sentAt))
	logging.Info("transaction confirmed",
		logging.Component("ledger"),
		"method", call.Method,
		logging.TxHash(hash),
		"block", result.BlockNumber,
		"gas_used", result.GasUsed)

	return result, nil
}

// send fetches the nonce, signs and broadcasts while holding from's lock.
func (c *Client) send(ctx context.Context, key *ecdsa.PrivateKey, from common.Address, tx *ethtypes.LegacyTx) (*ethtypes.Transaction, error) {
	lock := c.senderLock(from)
	lock.Lock()
	defer lock.Unlock()

	nonce, result := util.RetryWithValue(ctx, c.config.RetryConfig, func() (uint64, error) {
		return c.backend.PendingNonceAt(ctx, from)
	})
	if result.LastError != nil {
		return nil, fmt.Errorf("failed to get nonce: %w", result.LastError)
	}
	tx.Nonce = nonce

	signed, err := ethtypes.SignNewTx(key, c.signer, tx)
	if err != nil {
		return nil, fmt.Errorf("failed to sign transaction: %w", err)
	}
	if err := c.backend.SendTransaction(ctx, signed); err != nil {
		return nil, fmt.Errorf("failed to send transaction: %w", err)
	}
	return signed, nil
}

func (c *Client) senderLock(addr common.Address) *sync.Mutex {
	lock, _ := c.senderLocks.LoadOrStore(addr, &sync.Mutex{})
	return lock.(*sync.Mutex)
}
