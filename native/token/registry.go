package token

import (
	"bytes"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"

	"itemmarket/storage"
)

// Registry resolves token ledgers by address.
type Registry struct {
	db     storage.Database
	mu     sync.RWMutex
	tokens map[common.Address]*Token
}

// NewRegistry returns an empty registry backed by db.
func NewRegistry(db storage.Database) *Registry {
	return &Registry{db: db, tokens: make(map[common.Address]*Token)}
}

// Register opens the token at address and makes it resolvable. Registering an
// address twice with identical metadata returns the existing ledger.
func (r *Registry) Register(address common.Address, meta Metadata) (*Token, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if existing, ok := r.tokens[address]; ok {
		symbol := strings.ToUpper(strings.TrimSpace(meta.Symbol))
		if symbol != "" && symbol != existing.meta.Symbol {
			return nil, fmt.Errorf("token: %s already registered as %s", address.Hex(), existing.meta.Symbol)
		}
		return existing, nil
	}
	tok, err := New(r.db, address, meta)
	if err != nil {
		return nil, err
	}
	r.tokens[address] = tok
	return tok, nil
}

// Lookup returns the ledger for address.
func (r *Registry) Lookup(address common.Address) (*Token, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	tok, ok := r.tokens[address]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownToken, address.Hex())
	}
	return tok, nil
}

// Addresses lists the registered tokens in ascending address order.
func (r *Registry) Addresses() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]common.Address, 0, len(r.tokens))
	for addr := range r.tokens {
		out = append(out, addr)
	}
	sort.Slice(out, func(i, j int) bool { return bytes.Compare(out[i][:], out[j][:]) < 0 })
	return out
}
