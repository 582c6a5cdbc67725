package roles

import (
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"

	"itemmarket/storage"
)

var ErrZeroAccount = errors.New("roles: zero account")

var prefixRole = []byte("role/")

// ID returns the identifier of a role: keccak256 of its upper-cased name.
func ID(name string) [32]byte {
	return crypto.Keccak256Hash([]byte(strings.ToUpper(strings.TrimSpace(name))))
}

// Registry stores role membership. Membership is a presence flag keyed by
// role and account.
type Registry struct {
	db storage.Database
	mu sync.RWMutex
}

// NewRegistry returns a registry persisted in db.
func NewRegistry(db storage.Database) *Registry {
	return &Registry{db: db}
}

// HasRole reports whether account holds role. Storage failures are reported
// as "not a member".
func (r *Registry) HasRole(role [32]byte, account common.Address) bool {
	if r == nil || r.db == nil {
		return false
	}
	r.mu.RLock()
	defer r.mu.RUnlock()
	ok, err := r.db.Has(memberKey(role, account))
	return err == nil && ok
}

// Grant adds account to role. Granting an existing member is a no-op.
func (r *Registry) Grant(role [32]byte, account common.Address) error {
	if account == (common.Address{}) {
		return ErrZeroAccount
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.db.Put(memberKey(role, account), []byte{1}); err != nil {
		return fmt.Errorf("roles: grant: %w", err)
	}
	return nil
}

// Revoke removes account from role.
func (r *Registry) Revoke(role [32]byte, account common.Address) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if err := r.db.Delete(memberKey(role, account)); err != nil {
		return fmt.Errorf("roles: revoke: %w", err)
	}
	return nil
}

// Members lists the accounts holding role in ascending address order.
func (r *Registry) Members(role [32]byte) ([]common.Address, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	prefix := rolePrefix(role)
	var members []common.Address
	err := r.db.Iterate(prefix, func(key, _ []byte) bool {
		members = append(members, common.BytesToAddress(key[len(prefix):]))
		return true
	})
	if err != nil {
		return nil, err
	}
	return members, nil
}

func rolePrefix(role [32]byte) []byte {
	key := make([]byte, 0, len(prefixRole)+len(role)+1)
	key = append(key, prefixRole...)
	key = append(key, role[:]...)
	return append(key, '/')
}

func memberKey(role [32]byte, account common.Address) []byte {
	return append(rolePrefix(role), account.Bytes()...)
}
