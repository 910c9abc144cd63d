// Package gas makes sure a wallet can pay for the transaction it is about to
// send, topping it up from the relayer wallet when subsidies are enabled.
package gas

import (
	"context"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"

	"github.com/bountyrelay/bountyrelay/internal/ledger"
	"github.com/bountyrelay/bountyrelay/internal/logging"
	"github.com/bountyrelay/bountyrelay/internal/metrics"
	"github.com/bountyrelay/bountyrelay/pkg/types"
)

// Ledger is the part of ledger.Gateway the ensurer needs.
type Ledger interface {
	GetBalance(ctx context.Context, account types.Address) (types.Amount, error)
	SendNativeTransfer(ctx context.Context, signerRef string, to types.Address, amount types.Amount) (*ledger.TxResult, error)
}

// Config holds configuration for the gas ensurer.
type Config struct {
	MinReserve       types.Amount
	MaxTopUp         types.Amount  // zero means no cap
	PropagationDelay time.Duration // pause after a top-up before the caller proceeds
	SubsidyEnabled   bool
	RelayerRef       string // secret reference of the wallet that pays top-ups
	Clock            clockwork.Clock
	Metrics          *metrics.Metrics
}

// Ensurer checks native balances ahead of ledger writes.
type Ensurer struct {
	ledger Ledger
	config Config
	clock  clockwork.Clock
}

func NewEnsurer(l Ledger, config Config) *Ensurer {
	clock := config.Clock
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Ensurer{ledger: l, config: config, clock: clock}
}

// EnsureGas reports whether wallet had to be subsidized to cover
// pendingTransfer plus minReserve.
//
// A balance below minReserve always fails with *types.InsufficientFundsError,
// whatever pendingTransfer is. A balance covering both returns false without
// touching the ledger. In between, the relayer tops the wallet up to exactly
// pendingTransfer+minReserve and EnsureGas returns true; callers must wait
// for the propagation delay before relying on the new balance (see Prepare).
func (e *Ensurer) EnsureGas(ctx context.Context, wallet types.Address, pendingTransfer, minReserve types.Amount) (bool, error) {
	balance, err := e.ledger.GetBalance(ctx, wallet)
	if err != nil {
		return false, fmt.Errorf("failed to read balance of %s: %w", wallet, err)
	}

	if balance.Cmp(minReserve) < 0 {
		return false, &types.InsufficientFundsError{
			Wallet:    wallet,
			Balance:   balance,
			Required:  minReserve,
			Shortfall: minReserve.Sub(balance),
		}
	}

	required := pendingTransfer.Add(minReserve)
	if balance.Cmp(required) >= 0 {
		return false, nil
	}

	shortfall := required.Sub(balance)
	insufficient := &types.InsufficientFundsError{
		Wallet:    wallet,
		Balance:   balance,
		Required:  required,
		Shortfall: shortfall,
	}
	if !e.config.SubsidyEnabled || e.config.RelayerRef == "" {
		return false, insufficient
	}
	if !e.config.MaxTopUp.IsZero() && shortfall.Cmp(e.config.MaxTopUp) > 0 {
		logging.Warn("top-up exceeds subsidy cap",
			logging.Component("gas"),
			logging.Wallet(wallet.Hex()),
			"shortfall", shortfall.String(),
			"cap", e.config.MaxTopUp.String())
		return false, insufficient
	}

	result, err := e.ledger.SendNativeTransfer(ctx, e.config.RelayerRef, wallet, shortfall)
	if err != nil {
		logging.Audit(logging.AuditEvent{
			Operation: "gas_subsidized",
			Actor:     e.config.RelayerRef,
			Target:    wallet.Hex(),
			Result:    "failure",
			Details:   err.Error(),
		})
		return false, fmt.Errorf("failed to top up %s: %w", wallet, err)
	}

	e.config.Metrics.GasSubsidized()
	logging.Audit(logging.AuditEvent{
		Operation: "gas_subsidized",
		Actor:     e.config.RelayerRef,
		Target:    wallet.Hex(),
		Result:    "success",
		TxHash:    result.TxHash,
		Details:   "amount=" + shortfall.String(),
	})
	return true, nil
}

// Prepare runs EnsureGas with the configured reserve and, after a top-up,
// blocks for the propagation delay.
func (e *Ensurer) Prepare(ctx context.Context, wallet types.Address, pendingTransfer types.Amount) error {
	subsidized, err := e.EnsureGas(ctx, wallet, pendingTransfer, e.config.MinReserve)
	if err != nil {
		return err
	}
	if !subsidized || e.config.PropagationDelay <= 0 {
		return nil
	}

	select {
	case <-e.clock.After(e.config.PropagationDelay):
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
