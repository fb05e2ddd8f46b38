package custody

import (
	"context"
	"fmt"
	"math/big"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"github.com/recurswap/keeperd/internal/domain"
)

// Memory is a simulated custodian for tests and dry-run deployments. It
// tracks per-asset custody totals in-process; transfers out debit the total
// and credit nothing external.
type Memory struct {
	addr common.Address

	mu       sync.Mutex
	balances map[common.Address]*big.Int
}

var _ domain.Custodian = (*Memory)(nil)

func NewMemory(addr common.Address) *Memory {
	return &Memory{
		addr:     addr,
		balances: make(map[common.Address]*big.Int),
	}
}

func (m *Memory) Address() common.Address {
	return m.addr
}

// Credit records an inbound deposit into custody.
func (m *Memory) Credit(asset common.Address, amount *big.Int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[asset]
	if !ok {
		bal = new(big.Int)
		m.balances[asset] = bal
	}
	bal.Add(bal, amount)
}

func (m *Memory) Transfer(ctx context.Context, asset, to common.Address, amount *big.Int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[asset]
	if !ok || bal.Cmp(amount) < 0 {
		return fmt.Errorf("%w: custody holds %s of %s, transfer needs %s",
			domain.ErrInsufficientBalance, balString(bal), asset.Hex(), amount.String())
	}
	bal.Sub(bal, amount)
	return nil
}

func (m *Memory) Balance(ctx context.Context, asset common.Address) (*big.Int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	bal, ok := m.balances[asset]
	if !ok {
		return new(big.Int), nil
	}
	return new(big.Int).Set(bal), nil
}

func balString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
