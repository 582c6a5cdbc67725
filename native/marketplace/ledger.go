package marketplace

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"itemmarket/storage"
)

var errTVLUnderflow = errors.New("marketplace: release exceeds locked value")

// Token is the fungible token contract the ledger moves value through. The
// *With variants commit extra in the same database write as the balance
// updates, so the token must share the marketplace database.
type Token interface {
	TransferFromWith(extra *storage.Batch, spender, from, to common.Address, amount *big.Int) error
	TransferWith(extra *storage.Batch, from, to common.Address, amount *big.Int) error
	BalanceOf(holder common.Address) (*big.Int, error)
}

// TokenResolver looks up the token contract deployed at an address.
type TokenResolver interface {
	Lookup(address common.Address) (Token, error)
}

// TokenResolverFunc adapts a function to TokenResolver.
type TokenResolverFunc func(address common.Address) (Token, error)

// Lookup implements TokenResolver.
func (f TokenResolverFunc) Lookup(address common.Address) (Token, error) { return f(address) }

// RoleChecker answers role membership questions.
type RoleChecker interface {
	HasRole(role [32]byte, account common.Address) bool
}

// movement is a token transfer staged by the ledger. run commits the given
// batch together with the transfer.
type movement struct {
	token  common.Address
	amount *big.Int
	run    func(batch *storage.Batch) error
}

// Ledger owns the per-token TVL counters and moves value in and out of the
// custody account. It never writes directly; every TVL update is staged on the
// caller's changeSet.
type Ledger struct {
	store   *store
	tokens  TokenResolver
	custody common.Address
	logger  *slog.Logger
}

// Custody returns the account that holds escrowed value.
func (l *Ledger) Custody() common.Address { return l.custody }

// TVL returns the value currently locked for token.
func (l *Ledger) TVL(token common.Address) (*big.Int, error) {
	v, err := l.store.tvl(token)
	if err != nil {
		return nil, err
	}
	return v.ToBig(), nil
}

func (l *Ledger) resolve(token common.Address) (Token, error) {
	tok, err := l.tokens.Lookup(token)
	if err != nil {
		return nil, fmt.Errorf("marketplace: resolve token %s: %w", token.Hex(), err)
	}
	if tok == nil {
		return nil, fmt.Errorf("marketplace: resolve token %s: no contract", token.Hex())
	}
	return tok, nil
}

// escrow stages TVL += amount and returns the pull from `from` into custody.
func (l *Ledger) escrow(cs *changeSet, token, from common.Address, amount *big.Int) (*movement, error) {
	tok, err := l.resolve(token)
	if err != nil {
		return nil, err
	}
	amt, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, &ValueError{Value: amount, Reason: "exceeds 256 bits"}
	}
	locked, err := l.store.tvl(token)
	if err != nil {
		return nil, err
	}
	next, overflow := new(uint256.Int).AddOverflow(locked, amt)
	if overflow {
		return nil, &ValueError{Value: amount, Reason: "overflows locked value"}
	}
	cs.putTVL(token, next)
	value := new(big.Int).Set(amount)
	return &movement{
		token:  token,
		amount: value,
		run: func(batch *storage.Batch) error {
			return tok.TransferFromWith(batch, l.custody, from, l.custody, value)
		},
	}, nil
}

// release stages TVL -= amount and returns the push from custody to `to`.
func (l *Ledger) release(cs *changeSet, token, to common.Address, amount *big.Int) (*movement, error) {
	tok, err := l.resolve(token)
	if err != nil {
		return nil, err
	}
	amt, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, &ValueError{Value: amount, Reason: "exceeds 256 bits"}
	}
	locked, err := l.store.tvl(token)
	if err != nil {
		return nil, err
	}
	if locked.Lt(amt) {
		l.logger.Error("marketplace locked value below release amount",
			slog.String("token", token.Hex()),
			slog.String("locked", locked.Dec()),
			slog.String("amount", amt.Dec()))
		return nil, fmt.Errorf("%w: token %s locked %s amount %s", errTVLUnderflow, token.Hex(), locked.Dec(), amt.Dec())
	}
	cs.putTVL(token, new(uint256.Int).Sub(locked, amt))
	value := new(big.Int).Set(amount)
	return &movement{
		token:  token,
		amount: value,
		run: func(batch *storage.Batch) error {
			return tok.TransferWith(batch, l.custody, to, value)
		},
	}, nil
}

// redundant computes balanceOf(custody) - TVL for token. A custody balance
// below TVL is logged and reported as nothing to withdraw.
func (l *Ledger) redundant(token common.Address) (*big.Int, error) {
	tok, err := l.resolve(token)
	if err != nil {
		return nil, err
	}
	balance, err := tok.BalanceOf(l.custody)
	if err != nil {
		return nil, fmt.Errorf("marketplace: balance of custody: %w", err)
	}
	if balance == nil {
		balance = big.NewInt(0)
	}
	locked, err := l.store.tvl(token)
	if err != nil {
		return nil, err
	}
	lockedBig := locked.ToBig()
	diff := new(big.Int).Sub(balance, lockedBig)
	if diff.Sign() < 0 {
		l.logger.Error("marketplace custody balance below locked value",
			slog.String("token", token.Hex()),
			slog.String("balance", balance.String()),
			slog.String("locked", lockedBig.String()))
	}
	if diff.Sign() <= 0 {
		return nil, &NoRedundantFundsError{Token: token, Balance: balance, Locked: lockedBig}
	}
	return diff, nil
}

// reconcile returns the push of every redundant unit of token to `to`. TVL is
// left untouched.
func (l *Ledger) reconcile(token, to common.Address) (*movement, error) {
	amount, err := l.redundant(token)
	if err != nil {
		return nil, err
	}
	tok, err := l.resolve(token)
	if err != nil {
		return nil, err
	}
	return &movement{
		token:  token,
		amount: amount,
		run: func(batch *storage.Batch) error {
			return tok.TransferWith(batch, l.custody, to, amount)
		},
	}, nil
}
