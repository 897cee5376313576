package modules

import (
	"net/http"

	"lendledger/crypto"
	"lendledger/custody"
	"lendledger/node"
	"lendledger/state"
)

// BankModule answers balance queries against the token bank backing the
// ledger's custody vaults.
type BankModule struct {
	node *node.Node
}

func NewBankModule(n *node.Node) *BankModule {
	return &BankModule{node: n}
}

// BankBalances reports the free token balances held outside the ledger
// tables. Escrowed funds live under the module vault addresses instead.
type BankBalances struct {
	Address           string `json:"address"`
	BalanceBase       string `json:"balanceBase"`
	BalanceCollateral string `json:"balanceCollateral"`
}

func (m *BankModule) Balances(addr crypto.Address) (*BankBalances, *ModuleError) {
	if m == nil || m.node == nil {
		return nil, &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: "bank module not available"}
	}
	var account *custody.Account
	err := m.node.ReadSession(func(session *state.Session) error {
		stored, readErr := session.GetBankAccount(addr)
		if readErr != nil {
			return readErr
		}
		account = stored
		return nil
	})
	if err != nil {
		return nil, &ModuleError{HTTPStatus: http.StatusInternalServerError, Code: codeServerError, Message: err.Error()}
	}
	if account == nil {
		account = custody.NewAccount()
	}
	return &BankBalances{
		Address:           addr.String(),
		BalanceBase:       formatBig(account.BalanceBase),
		BalanceCollateral: formatBig(account.BalanceCollateral),
	}, nil
}
