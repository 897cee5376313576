// Package node wires storage-backed state, ledger parameters, the price
// oracle and the event journal into the runtime the RPC modules and the
// daemon operate on. The node serialises all state sessions, which is what
// makes every ledger operation a single atomic step.
package node

import (
	"errors"
	"math/big"
	"sync"
	"sync/atomic"

	"lendledger/crypto"
	"lendledger/custody"
	"lendledger/events"
	"lendledger/ledger"
	"lendledger/oracle"
	"lendledger/state"
)

var (
	errNilStateManager = errors.New("node: state manager required")
	errNilCallback     = errors.New("node: session callback required")
)

// GenesisAllocation seeds a bank account with starting balances on first
// boot.
type GenesisAllocation struct {
	Address    crypto.Address
	Base       *big.Int
	Collateral *big.Int
}

// Node owns the persistent state and the ledger clock.
type Node struct {
	mu      sync.Mutex
	state   *state.Manager
	params  ledger.Params
	oracle  oracle.PriceOracle
	journal *events.Journal
	tick    atomic.Uint64
}

// New constructs a node over the given state manager and loads the persisted
// ledger tick.
func New(manager *state.Manager, params ledger.Params, source oracle.PriceOracle, journal *events.Journal) (*Node, error) {
	if manager == nil {
		return nil, errNilStateManager
	}
	n := &Node{
		state:   manager,
		params:  params.EnsureDefaults(),
		oracle:  source,
		journal: journal,
	}
	session := manager.NewSession()
	tick, err := session.ChainTick()
	if err != nil {
		return nil, err
	}
	n.tick.Store(tick)
	return n, nil
}

// Params returns the ledger parameters the node runs with.
func (n *Node) Params() ledger.Params {
	return n.params
}

// Oracle returns the configured price source.
func (n *Node) Oracle() oracle.PriceOracle {
	return n.oracle
}

// Journal returns the event journal, which may be nil when the node runs
// without an event stream.
func (n *Node) Journal() *events.Journal {
	return n.journal
}

// Emit forwards an event to the journal, if one is attached.
func (n *Node) Emit(evt events.Event) {
	if n == nil || n.journal == nil || evt == nil {
		return
	}
	n.journal.Emit(evt)
}

// CurrentTick returns the ledger tick operations accrue against.
func (n *Node) CurrentTick() uint64 {
	if n == nil {
		return 0
	}
	return n.tick.Load()
}

// AdvanceTick persists and publishes the next ledger tick. The first advance
// after an empty database yields tick 1, so a zero LastAccrualTick always
// means "never touched".
func (n *Node) AdvanceTick() (uint64, error) {
	if n == nil || n.state == nil {
		return 0, errNilStateManager
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	session := n.state.NewSession()
	tick, err := session.ChainTick()
	if err != nil {
		return 0, err
	}
	next := tick + 1
	if err := session.SetChainTick(next); err != nil {
		return 0, err
	}
	if err := session.Commit(); err != nil {
		return 0, err
	}
	n.tick.Store(next)
	return next, nil
}

// WithSession runs fn over a fresh buffered session, committing on success
// and discarding every write on error. Sessions are serialised; at most one
// runs at any time.
func (n *Node) WithSession(fn func(*state.Session) error) error {
	if n == nil || n.state == nil {
		return errNilStateManager
	}
	if fn == nil {
		return errNilCallback
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	session := n.state.NewSession()
	if err := fn(session); err != nil {
		session.Discard()
		return err
	}
	return session.Commit()
}

// ReadSession runs fn over a session whose writes are always discarded.
func (n *Node) ReadSession(fn func(*state.Session) error) error {
	if n == nil || n.state == nil {
		return errNilStateManager
	}
	if fn == nil {
		return errNilCallback
	}
	n.mu.Lock()
	defer n.mu.Unlock()
	session := n.state.NewSession()
	defer session.Discard()
	return fn(session)
}

// SetModulePaused flips the pause switch consulted by the engine guards.
func (n *Node) SetModulePaused(module string, paused bool) error {
	return n.WithSession(func(session *state.Session) error {
		return session.SetModulePaused(module, paused)
	})
}

// ModulePaused reports the persisted pause switch for the named module.
func (n *Node) ModulePaused(module string) (bool, error) {
	var paused bool
	err := n.ReadSession(func(session *state.Session) error {
		var readErr error
		paused, readErr = session.ModulePaused(module)
		return readErr
	})
	return paused, err
}

// SeedGenesis credits the configured starting balances exactly once. The
// boolean reports whether this call performed the seeding.
func (n *Node) SeedGenesis(allocations []GenesisAllocation) (bool, error) {
	seeded := false
	err := n.WithSession(func(session *state.Session) error {
		applied, err := session.GenesisApplied()
		if err != nil {
			return err
		}
		if applied {
			return nil
		}
		for _, alloc := range allocations {
			if err := custody.Credit(session, alloc.Address, alloc.Base, alloc.Collateral); err != nil {
				return err
			}
		}
		if err := session.MarkGenesisApplied(); err != nil {
			return err
		}
		seeded = true
		return nil
	})
	if err != nil {
		return false, err
	}
	return seeded, nil
}
