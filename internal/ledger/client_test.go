package ledger

import (
	"context"
	"errors"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	ethtypes "github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"

	"github.com/bountyrelay/bountyrelay/internal/util"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// fakeBackend is an in-memory node. Transactions are "mined" instantly
// unless receiptStatus is nil.
type fakeBackend struct {
	mu sync.Mutex

	chainID       *big.Int
	gasPrice      *big.Int
	gasEstimate   uint64
	estimateErr   error
	sendErr       error
	receiptStatus *uint64
	balances      map[common.Address]*big.Int

	nonces map[common.Address]uint64
	sent   []*ethtypes.Transaction

	callOutput []byte
	callErr    error
	code       []byte
}

func newFakeBackend() *fakeBackend {
	ok := ethtypes.ReceiptStatusSuccessful
	return &fakeBackend{
		chainID:       big.NewInt(1337),
		gasPrice:      big.NewInt(1_000_000_000),
		gasEstimate:   100_000,
		receiptStatus: &ok,
		balances:      make(map[common.Address]*big.Int),
		nonces:        make(map[common.Address]uint64),
		code:          []byte{0x60},
	}
}

func (f *fakeBackend) CodeAt(ctx context.Context, contract common.Address, blockNumber *big.Int) ([]byte, error) {
	return f.code, nil
}

func (f *fakeBackend) CallContract(ctx context.Context, call ethereum.CallMsg, blockNumber *big.Int) ([]byte, error) {
	return f.callOutput, f.callErr
}

func (f *fakeBackend) ChainID(ctx context.Context) (*big.Int, error) {
	return f.chainID, nil
}

func (f *fakeBackend) BalanceAt(ctx context.Context, account common.Address, blockNumber *big.Int) (*big.Int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if b, ok := f.balances[account]; ok {
		return b, nil
	}
	return new(big.Int), nil
}

func (f *fakeBackend) SuggestGasPrice(ctx context.Context) (*big.Int, error) {
	return new(big.Int).Set(f.gasPrice), nil
}

func (f *fakeBackend) EstimateGas(ctx context.Context, msg ethereum.CallMsg) (uint64, error) {
	return f.gasEstimate, f.estimateErr
}

func (f *fakeBackend) PendingNonceAt(ctx context.Context, account common.Address) (uint64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.nonces[account], nil
}

func (f *fakeBackend) SendTransaction(ctx context.Context, tx *ethtypes.Transaction) error {
	if f.sendErr != nil {
		return f.sendErr
	}
	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(f.chainID), tx)
	if err != nil {
		return err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	if tx.Nonce() != f.nonces[from] {
		return errors.New("nonce too low")
	}
	f.nonces[from]++
	f.sent = append(f.sent, tx)
	return nil
}

func (f *fakeBackend) TransactionReceipt(ctx context.Context, txHash common.Hash) (*ethtypes.Receipt, error) {
	if f.receiptStatus == nil {
		return nil, ethereum.NotFound
	}
	return &ethtypes.Receipt{
		Status:      *f.receiptStatus,
		TxHash:      txHash,
		GasUsed:     42_000,
		BlockNumber: big.NewInt(7),
	}, nil
}

func (f *fakeBackend) sentTxs() []*ethtypes.Transaction {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]*ethtypes.Transaction(nil), f.sent...)
}

func testClient(backend *fakeBackend) *Client {
	return NewClient(&ClientConfig{
		ChainID:            1337,
		GasPriceMultiplier: 1.2,
		GasLimitMultiplier: 1.3,
		ReceiptTimeout:     100 * time.Millisecond,
		RetryConfig:        &util.RetryConfig{MaxRetries: 0},
	}, backend)
}

func TestTransactAppliesSafetyMultipliers(t *testing.T) {
	backend := newFakeBackend()
	client := testClient(backend)
	key, _ := crypto.GenerateKey()

	result, err := client.Transact(context.Background(), key, Call{
		Method: "allocateIssueReward",
		To:     common.HexToAddress("0x01"),
		Data:   []byte{1, 2, 3, 4},
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}

	sent := backend.sentTxs()
	if len(sent) != 1 {
		t.Fatalf("expected 1 sent tx, got %d", len(sent))
	}
	tx := sent[0]
	if tx.GasPrice().Cmp(big.NewInt(1_200_000_000)) != 0 {
		t.Errorf("gas price = %s, want 1200000000", tx.GasPrice())
	}
	if tx.Gas() != 130_000 {
		t.Errorf("gas limit = %d, want 130000", tx.Gas())
	}
	if result.TxHash != tx.Hash().Hex() {
		t.Errorf("result hash = %s, want %s", result.TxHash, tx.Hash().Hex())
	}
	if result.BlockNumber != 7 || result.GasUsed != 42_000 {
		t.Errorf("unexpected receipt details: %+v", result)
	}

	from, err := ethtypes.Sender(ethtypes.LatestSignerForChainID(big.NewInt(1337)), tx)
	if err != nil {
		t.Fatalf("recover sender: %v", err)
	}
	if from != crypto.PubkeyToAddress(key.PublicKey) {
		t.Errorf("signed by %s, want %s", from.Hex(), crypto.PubkeyToAddress(key.PublicKey).Hex())
	}
}

func TestTransactCapsGasPriceAndHonoursMinGas(t *testing.T) {
	backend := newFakeBackend()
	client := NewClient(&ClientConfig{
		ChainID:            1337,
		GasPriceMultiplier: 1.2,
		GasLimitMultiplier: 1.3,
		MaxGasPrice:        big.NewInt(1_100_000_000),
		RetryConfig:        &util.RetryConfig{MaxRetries: 0},
	}, backend)
	key, _ := crypto.GenerateKey()

	_, err := client.Transact(context.Background(), key, Call{
		Method: "execute",
		To:     common.HexToAddress("0x02"),
		MinGas: 500_000,
	})
	if err != nil {
		t.Fatalf("Transact failed: %v", err)
	}
	tx := backend.sentTxs()[0]
	if tx.GasPrice().Cmp(big.NewInt(1_100_000_000)) != 0 {
		t.Errorf("gas price = %s, want capped 1100000000", tx.GasPrice())
	}
	if tx.Gas() != 500_000 {
		t.Errorf("gas limit = %d, want min gas 500000", tx.Gas())
	}
}

func TestTransactSerializesNonces(t *testing.T) {
	backend := newFakeBackend()
	client := testClient(backend)
	key, _ := crypto.GenerateKey()

	const writers = 20
	var wg sync.WaitGroup
	errs := make(chan error, writers)
	for i := 0; i < writers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := client.Transact(context.Background(), key, Call{Method: "transfer", To: common.HexToAddress("0x03")})
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	for err := range errs {
		if err != nil {
			t.Fatalf("concurrent Transact failed: %v", err)
		}
	}

	seen := make(map[uint64]bool)
	for _, tx := range backend.sentTxs() {
		if seen[tx.Nonce()] {
			t.Fatalf("nonce %d used twice", tx.Nonce())
		}
		seen[tx.Nonce()] = true
	}
	if len(seen) != writers {
		t.Errorf("expected %d distinct nonces, got %d", writers, len(seen))
	}
}

func TestTransactReportsRevert(t *testing.T) {
	backend := newFakeBackend()
	failed := ethtypes.ReceiptStatusFailed
	backend.receiptStatus = &failed
	client := testClient(backend)
	key, _ := crypto.GenerateKey()

	_, err := client.Transact(context.Background(), key, Call{Method: "distributeReward", To: common.HexToAddress("0x04")})
	var subErr *types.SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if !subErr.Sent || !subErr.Reverted {
		t.Errorf("expected sent and reverted, got %+v", subErr)
	}
	if subErr.TxHash == "" || subErr.GasUsed != 42_000 || subErr.BlockNumber != 7 {
		t.Errorf("revert details missing: %+v", subErr)
	}
}

func TestTransactReportsUnconfirmed(t *testing.T) {
	backend := newFakeBackend()
	backend.receiptStatus = nil
	client := testClient(backend)
	key, _ := crypto.GenerateKey()

	_, err := client.Transact(context.Background(), key, Call{Method: "distributeReward", To: common.HexToAddress("0x04")})
	var subErr *types.SubmissionError
	if !errors.As(err, &subErr) {
		t.Fatalf("expected SubmissionError, got %v", err)
	}
	if !subErr.Sent || subErr.Reverted {
		t.Errorf("expected sent but not reverted, got %+v", subErr)
	}
	if subErr.TxHash == "" {
		t.Error("expected tx hash for a sent transaction")
	}
}

func TestTransactReportsNeverSent(t *testing.T) {
	tests := []struct {
		name   string
		mutate func(*fakeBackend)
	}{
		{"estimate fails", func(f *fakeBackend) { f.estimateErr = errors.New("execution reverted") }},
		{"broadcast fails", func(f *fakeBackend) { f.sendErr = errors.New("insufficient funds") }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backend := newFakeBackend()
			tt.mutate(backend)
			client := testClient(backend)
			key, _ := crypto.GenerateKey()

			_, err := client.Transact(context.Background(), key, Call{Method: "allocateIssueReward", To: common.HexToAddress("0x05")})
			var subErr *types.SubmissionError
			if !errors.As(err, &subErr) {
				t.Fatalf("expected SubmissionError, got %v", err)
			}
			if subErr.Sent || subErr.TxHash != "" {
				t.Errorf("expected never-sent error, got %+v", subErr)
			}
		})
	}
}

func TestScale(t *testing.T) {
	tests := []struct {
		in   int64
		m    float64
		want int64
	}{
		{100, 1.2, 120},
		{100, 1.3, 130},
		{7, 1.2, 8},
		{1_000_000_000, 1.0, 1_000_000_000},
	}
	for _, tt := range tests {
		if got := scale(big.NewInt(tt.in), tt.m); got.Int64() != tt.want {
			t.Errorf("scale(%d, %v) = %s, want %d", tt.in, tt.m, got, tt.want)
		}
	}
}
