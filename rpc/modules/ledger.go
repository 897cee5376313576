// Package modules exposes the ledger operations as RPC-friendly units that
// construct a fresh engine per call over the node's serialised state
// sessions. Events raised by an operation are buffered and only published
// once the session commits.
package modules

import (
	"encoding/hex"
	"errors"
	"fmt"
	"math/big"
	"net/http"
	"strings"
	"time"

	ethcrypto "github.com/ethereum/go-ethereum/crypto"

	"lendledger/crypto"
	"lendledger/custody"
	"lendledger/events"
	"lendledger/ledger"
	"lendledger/node"
	"lendledger/observability"
	"lendledger/state"
)

type LedgerModule struct {
	node *node.Node
}

func NewLedgerModule(n *node.Node) *LedgerModule {
	return &LedgerModule{node: n}
}

// TxReceipt acknowledges a committed operation.
type TxReceipt struct {
	TxHash string `json:"txHash"`
}

// WithdrawReceipt reports what a withdrawal paid out and what the table still
// holds afterwards.
type WithdrawReceipt struct {
	TxHash    string `json:"txHash"`
	Withdrawn string `json:"withdrawn"`
	Remaining string `json:"remaining"`
}

// BorrowReceipt reports the borrowed amount and the collateral ratio the
// position settled at, in basis points.
type BorrowReceipt struct {
	TxHash          string `json:"txHash"`
	Borrowed        string `json:"borrowed"`
	CollateralRatio string `json:"collateralRatio"`
}

// RepayReceipt reports the loan principal still outstanding after the
// payment, excluding any unconsolidated interest.
type RepayReceipt struct {
	TxHash             string `json:"txHash"`
	RemainingPrincipal string `json:"remainingPrincipal"`
}

// LiquidateReceipt reports the collateral credited to the liquidator.
type LiquidateReceipt struct {
	TxHash           string `json:"txHash"`
	SeizedCollateral string `json:"seizedCollateral"`
}

// BalanceView carries a previewed table balance without mutating state.
type BalanceView struct {
	Address string `json:"address"`
	Asset   string `json:"asset"`
	Balance string `json:"balance"`
	Tick    uint64 `json:"tick"`
}

// RatioView carries the current collateral ratio in basis points.
type RatioView struct {
	Address string `json:"address"`
	Ratio   string `json:"collateralRatio"`
	Tick    uint64 `json:"tick"`
}

// AccountView mirrors a stored account with interest previewed to the
// current tick.
type AccountView struct {
	Deposit         string `json:"deposit"`
	Interest        string `json:"interest"`
	LastAccrualTick uint64 `json:"lastAccrualTick"`
}

// PositionView is the combined read-model of both sides of a position.
type PositionView struct {
	Address    string      `json:"address"`
	Collateral AccountView `json:"collateral"`
	Loan       AccountView `json:"loan"`
	Ratio      string      `json:"collateralRatio"`
	Tick       uint64      `json:"tick"`
}

func (m *LedgerModule) moduleUnavailable() *ModuleError {
	return &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: "ledger module not available"}
}

func (m *LedgerModule) Deposit(addr crypto.Address, kind ledger.AssetKind, amount, attached *big.Int) (*TxReceipt, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	err := m.withEngine(func(engine *ledger.Engine) error {
		return engine.Deposit(addr, kind, amount, attached)
	})
	observability.Ledger().RecordOperation("deposit", err)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return &TxReceipt{TxHash: m.makeTxHash("deposit", addr.String()+":"+string(kind), amount, attached)}, nil
}

func (m *LedgerModule) Withdraw(addr crypto.Address, kind ledger.AssetKind, amount *big.Int) (*WithdrawReceipt, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	var withdrawn, remaining *big.Int
	err := m.withEngine(func(engine *ledger.Engine) error {
		paid, left, err := engine.Withdraw(addr, kind, amount)
		if err != nil {
			return err
		}
		withdrawn = paid
		remaining = left
		return nil
	})
	observability.Ledger().RecordOperation("withdraw", err)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return &WithdrawReceipt{
		TxHash:    m.makeTxHash("withdraw", addr.String()+":"+string(kind), amount, withdrawn),
		Withdrawn: formatBig(withdrawn),
		Remaining: formatBig(remaining),
	}, nil
}

func (m *LedgerModule) Borrow(addr crypto.Address, amount *big.Int) (*BorrowReceipt, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	var borrowed, ratio *big.Int
	err := m.withEngine(func(engine *ledger.Engine) error {
		taken, newRatio, err := engine.Borrow(addr, amount)
		if err != nil {
			return err
		}
		borrowed = taken
		ratio = newRatio
		return nil
	})
	observability.Ledger().RecordOperation("borrow", err)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return &BorrowReceipt{
		TxHash:          m.makeTxHash("borrow", addr.String(), amount, borrowed),
		Borrowed:        formatBig(borrowed),
		CollateralRatio: formatBig(ratio),
	}, nil
}

func (m *LedgerModule) Repay(addr crypto.Address, amount, attached *big.Int) (*RepayReceipt, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	var remaining *big.Int
	err := m.withEngine(func(engine *ledger.Engine) error {
		left, err := engine.Repay(addr, amount, attached)
		if err != nil {
			return err
		}
		remaining = left
		return nil
	})
	observability.Ledger().RecordOperation("repay", err)
	if err != nil {
		return nil, m.wrapError(err)
	}
	return &RepayReceipt{
		TxHash:             m.makeTxHash("repay", addr.String(), amount, attached),
		RemainingPrincipal: formatBig(remaining),
	}, nil
}

func (m *LedgerModule) Liquidate(liquidator, target crypto.Address, attached *big.Int) (*LiquidateReceipt, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	var seized *big.Int
	err := m.withEngine(func(engine *ledger.Engine) error {
		collateral, err := engine.Liquidate(liquidator, target, attached)
		if err != nil {
			return err
		}
		seized = collateral
		return nil
	})
	observability.Ledger().RecordOperation("liquidate", err)
	if err != nil {
		return nil, m.wrapError(err)
	}
	primary := fmt.Sprintf("%s:%s", liquidator.String(), target.String())
	return &LiquidateReceipt{
		TxHash:           m.makeTxHash("liquidate", primary, attached, seized),
		SeizedCollateral: formatBig(seized),
	}, nil
}

func (m *LedgerModule) Balance(addr crypto.Address, kind ledger.AssetKind) (*BalanceView, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	var balance *big.Int
	err := m.viewEngine(func(engine *ledger.Engine) error {
		value, err := engine.Balance(addr, kind)
		if err != nil {
			return err
		}
		balance = value
		return nil
	})
	if err != nil {
		return nil, m.wrapError(err)
	}
	return &BalanceView{
		Address: addr.String(),
		Asset:   string(kind),
		Balance: formatBig(balance),
		Tick:    m.node.CurrentTick(),
	}, nil
}

func (m *LedgerModule) CollateralRatio(addr crypto.Address) (*RatioView, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	var ratio *big.Int
	err := m.viewEngine(func(engine *ledger.Engine) error {
		value, err := engine.CollateralRatio(addr)
		if err != nil {
			return err
		}
		ratio = value
		return nil
	})
	if err != nil {
		return nil, m.wrapError(err)
	}
	return &RatioView{
		Address: addr.String(),
		Ratio:   formatBig(ratio),
		Tick:    m.node.CurrentTick(),
	}, nil
}

func (m *LedgerModule) Position(addr crypto.Address) (*PositionView, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, m.moduleUnavailable()
	}
	var position *ledger.Position
	err := m.viewEngine(func(engine *ledger.Engine) error {
		value, err := engine.Position(addr)
		if err != nil {
			return err
		}
		position = value
		return nil
	})
	if err != nil {
		return nil, m.wrapError(err)
	}
	return &PositionView{
		Address:    addr.String(),
		Collateral: accountView(position.Collateral),
		Loan:       accountView(position.Loan),
		Ratio:      formatBig(position.Ratio),
		Tick:       m.node.CurrentTick(),
	}, nil
}

// withEngine runs fn against an engine bound to a fresh committed session.
// Buffered events are published only after the commit succeeds.
func (m *LedgerModule) withEngine(fn func(*ledger.Engine) error) error {
	if fn == nil {
		return fmt.Errorf("ledger: callback required")
	}
	buffer := &bufferedEmitter{}
	err := m.node.WithSession(func(session *state.Session) error {
		return fn(m.engineForSession(session, buffer))
	})
	if err != nil {
		return err
	}
	buffer.publish(m.node)
	return nil
}

// viewEngine runs fn against an engine whose session is always discarded, so
// queries can preview accrual without persisting it.
func (m *LedgerModule) viewEngine(fn func(*ledger.Engine) error) error {
	if fn == nil {
		return fmt.Errorf("ledger: callback required")
	}
	return m.node.ReadSession(func(session *state.Session) error {
		return fn(m.engineForSession(session, events.NoopEmitter{}))
	})
}

func (m *LedgerModule) engineForSession(session *state.Session, emitter events.Emitter) *ledger.Engine {
	engine := ledger.NewEngine(m.node.Params())
	engine.SetState(session)
	engine.SetOracle(m.node.Oracle())
	engine.SetCollateralCustody(custody.NewCollateralVault(session, custody.ModuleAddress(custody.CollateralVaultName)))
	engine.SetBaseVault(custody.NewBaseVault(session, custody.ModuleAddress(custody.BaseVaultName)))
	engine.SetEmitter(emitter)
	engine.SetPauses(session)
	engine.SetTick(m.node.CurrentTick())
	return engine
}

func (m *LedgerModule) makeTxHash(kind, primary string, amount *big.Int, extras ...*big.Int) string {
	parts := []string{kind, primary}
	if amount != nil {
		parts = append(parts, amount.String())
	}
	for _, extra := range extras {
		if extra != nil {
			parts = append(parts, extra.String())
		}
	}
	parts = append(parts, fmt.Sprintf("%d", m.node.CurrentTick()))
	parts = append(parts, fmt.Sprintf("%d", time.Now().UTC().UnixNano()))
	payload := strings.Join(parts, "|")
	hash := ethcrypto.Keccak256([]byte(payload))
	return "0x" + hex.EncodeToString(hash)
}

func (m *LedgerModule) wrapError(err error) *ModuleError {
	if err == nil {
		return nil
	}
	if errors.Is(err, ledger.ErrModulePaused) {
		return &ModuleError{HTTPStatus: http.StatusServiceUnavailable, Code: codeServerError, Message: err.Error()}
	}
	status := http.StatusInternalServerError
	code := codeServerError
	message := err.Error()
	if strings.HasPrefix(message, "ledger engine:") || strings.HasPrefix(message, "custody:") {
		status = http.StatusBadRequest
		code = codeInvalidParams
	}
	return &ModuleError{HTTPStatus: status, Code: code, Message: message}
}

// bufferedEmitter collects events raised inside a session so subscribers
// never observe a change that was rolled back.
type bufferedEmitter struct {
	pending []events.Event
}

func (b *bufferedEmitter) Emit(evt events.Event) {
	if b == nil || evt == nil {
		return
	}
	b.pending = append(b.pending, evt)
}

func (b *bufferedEmitter) publish(n *node.Node) {
	if b == nil {
		return
	}
	for _, evt := range b.pending {
		n.Emit(evt)
		observability.Ledger().RecordEvent(evt.EventType())
	}
	b.pending = nil
}

func accountView(account *ledger.Account) AccountView {
	if account == nil {
		return AccountView{Deposit: "0", Interest: "0"}
	}
	return AccountView{
		Deposit:         formatBig(account.Deposit),
		Interest:        formatBig(account.Interest),
		LastAccrualTick: account.LastAccrualTick,
	}
}

func formatBig(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
