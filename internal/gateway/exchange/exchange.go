package exchange

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"sync"
)

// BrokerAdapter is the per-account broker capability.
type BrokerAdapter interface {
	Name() string

	// PlaceOrder submits req. A rejection is a result with Accepted=false;
	// an error means the outcome is unknown.
	PlaceOrder(ctx context.Context, req OrderRequest) (PlaceResult, error)

	GetOrderStatus(ctx context.Context, ref OrderRef) (OrderStatus, error)

	CancelOrder(ctx context.Context, ref OrderRef) error
}

// Resolver finds the adapter for an account.
type Resolver interface {
	ForAccount(accountID string) (BrokerAdapter, error)
}

// Registry maps account ids to adapters.
type Registry struct {
	mu       sync.RWMutex
	accounts map[string]BrokerAdapter
}

func NewRegistry() *Registry {
	return &Registry{accounts: make(map[string]BrokerAdapter)}
}

func (r *Registry) Register(accountID string, adapter BrokerAdapter) error {
	accountID = strings.TrimSpace(accountID)
	if accountID == "" || adapter == nil {
		return fmt.Errorf("register broker: account id and adapter required")
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, exists := r.accounts[accountID]; exists {
		return fmt.Errorf("register broker: account %s already registered", accountID)
	}
	r.accounts[accountID] = adapter
	return nil
}

func (r *Registry) ForAccount(accountID string) (BrokerAdapter, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	adapter, ok := r.accounts[accountID]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownAccount, accountID)
	}
	return adapter, nil
}

func (r *Registry) Accounts() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.accounts))
	for id := range r.accounts {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}
