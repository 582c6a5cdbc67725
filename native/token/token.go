package token

import (
	"errors"
	"fmt"
	"math/big"
	"strings"
	"sync"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/rlp"
	"github.com/holiman/uint256"

	"itemmarket/storage"
)

var (
	ErrInsufficientBalance   = errors.New("token: insufficient balance")
	ErrInsufficientAllowance = errors.New("token: insufficient allowance")
	ErrZeroAddress           = errors.New("token: zero address")
	ErrNegativeAmount        = errors.New("token: negative amount")
	ErrOverflow              = errors.New("token: amount overflows uint256")
	ErrUnknownToken          = errors.New("token: unknown token")
)

var (
	prefixToken      = []byte("token/")
	suffixMeta       = []byte("/meta")
	suffixSupply     = []byte("/supply")
	segmentBalance   = []byte("/balance/")
	segmentAllowance = []byte("/allowance/")
)

// Metadata describes the display properties of a token.
type Metadata struct {
	Name     string
	Symbol   string
	Decimals uint8
}

// Token is a fungible token ledger with ERC-20 semantics. Every mutation is
// written as one storage batch so balances never diverge from the supply.
type Token struct {
	address common.Address
	meta    Metadata
	db      storage.Database
	mu      sync.Mutex
}

// New opens (or initialises) the token stored under address.
func New(db storage.Database, address common.Address, meta Metadata) (*Token, error) {
	if db == nil {
		return nil, fmt.Errorf("token: database required")
	}
	if address == (common.Address{}) {
		return nil, ErrZeroAddress
	}
	meta.Name = strings.TrimSpace(meta.Name)
	meta.Symbol = strings.ToUpper(strings.TrimSpace(meta.Symbol))
	if meta.Symbol == "" {
		return nil, fmt.Errorf("token: symbol required")
	}
	t := &Token{address: address, meta: meta, db: db}
	raw, err := db.Get(t.metaKey())
	switch {
	case errors.Is(err, storage.ErrNotFound):
		encoded, encErr := rlp.EncodeToBytes(&meta)
		if encErr != nil {
			return nil, fmt.Errorf("token: encode metadata: %w", encErr)
		}
		if err := db.Put(t.metaKey(), encoded); err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	default:
		var stored Metadata
		if err := rlp.DecodeBytes(raw, &stored); err != nil {
			return nil, fmt.Errorf("token: decode metadata: %w", err)
		}
		if stored != meta {
			return nil, fmt.Errorf("token: %s already registered as %s", address.Hex(), stored.Symbol)
		}
	}
	return t, nil
}

// Address returns the token identifier.
func (t *Token) Address() common.Address { return t.address }

// Metadata returns the token display properties.
func (t *Token) Metadata() Metadata { return t.meta }

// BalanceOf returns the holder's balance.
func (t *Token) BalanceOf(holder common.Address) (*big.Int, error) {
	v, err := t.load(t.balanceKey(holder))
	if err != nil {
		return nil, err
	}
	return v.ToBig(), nil
}

// Allowance returns how much spender may still move on behalf of owner.
func (t *Token) Allowance(owner, spender common.Address) (*big.Int, error) {
	v, err := t.load(t.allowanceKey(owner, spender))
	if err != nil {
		return nil, err
	}
	return v.ToBig(), nil
}

// TotalSupply returns the amount minted so far.
func (t *Token) TotalSupply() (*big.Int, error) {
	v, err := t.load(t.supplyKey())
	if err != nil {
		return nil, err
	}
	return v.ToBig(), nil
}

// Mint creates amount new units for to.
func (t *Token) Mint(to common.Address, amount *big.Int) error {
	if to == (common.Address{}) {
		return ErrZeroAddress
	}
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	supply, err := t.load(t.supplyKey())
	if err != nil {
		return err
	}
	balance, err := t.load(t.balanceKey(to))
	if err != nil {
		return err
	}
	newSupply, overflow := new(uint256.Int).AddOverflow(supply, amt)
	if overflow {
		return ErrOverflow
	}
	newBalance, overflow := new(uint256.Int).AddOverflow(balance, amt)
	if overflow {
		return ErrOverflow
	}
	batch := storage.NewBatch()
	putAmount(batch, t.supplyKey(), newSupply)
	putAmount(batch, t.balanceKey(to), newBalance)
	return t.db.Write(batch)
}

// Approve sets the allowance of spender over owner's balance to amount.
func (t *Token) Approve(owner, spender common.Address, amount *big.Int) error {
	if owner == (common.Address{}) || spender == (common.Address{}) {
		return ErrZeroAddress
	}
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	batch := storage.NewBatch()
	putAmount(batch, t.allowanceKey(owner, spender), amt)
	return t.db.Write(batch)
}

// Transfer moves amount from the caller's own balance to to.
func (t *Token) Transfer(from, to common.Address, amount *big.Int) error {
	return t.TransferWith(nil, from, to, amount)
}

// TransferWith performs Transfer and commits extra in the same write. extra
// must target the token's database; nothing in it lands if the transfer fails.
func (t *Token) TransferWith(extra *storage.Batch, from, to common.Address, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	batch := storage.NewBatch()
	batch.Append(extra)
	if err := t.stageMove(batch, from, to, amt); err != nil {
		return err
	}
	return t.db.Write(batch)
}

// TransferFrom moves amount from from to to, spending spender's allowance.
// An allowance of the maximum uint256 value is treated as unlimited.
func (t *Token) TransferFrom(spender, from, to common.Address, amount *big.Int) error {
	return t.TransferFromWith(nil, spender, from, to, amount)
}

// TransferFromWith performs TransferFrom and commits extra in the same write.
func (t *Token) TransferFromWith(extra *storage.Batch, spender, from, to common.Address, amount *big.Int) error {
	amt, err := toUint256(amount)
	if err != nil {
		return err
	}
	t.mu.Lock()
	defer t.mu.Unlock()
	allowance, err := t.load(t.allowanceKey(from, spender))
	if err != nil {
		return err
	}
	if allowance.Lt(amt) {
		return fmt.Errorf("%w: have %s want %s", ErrInsufficientAllowance, allowance.Dec(), amt.Dec())
	}
	batch := storage.NewBatch()
	batch.Append(extra)
	if err := t.stageMove(batch, from, to, amt); err != nil {
		return err
	}
	if !allowance.Eq(maxUint256) {
		putAmount(batch, t.allowanceKey(from, spender), new(uint256.Int).Sub(allowance, amt))
	}
	return t.db.Write(batch)
}

func (t *Token) stageMove(batch *storage.Batch, from, to common.Address, amt *uint256.Int) error {
	if from == (common.Address{}) || to == (common.Address{}) {
		return ErrZeroAddress
	}
	fromBal, err := t.load(t.balanceKey(from))
	if err != nil {
		return err
	}
	if fromBal.Lt(amt) {
		return fmt.Errorf("%w: have %s want %s", ErrInsufficientBalance, fromBal.Dec(), amt.Dec())
	}
	if from == to {
		return nil
	}
	toBal, err := t.load(t.balanceKey(to))
	if err != nil {
		return err
	}
	newTo, overflow := new(uint256.Int).AddOverflow(toBal, amt)
	if overflow {
		return ErrOverflow
	}
	putAmount(batch, t.balanceKey(from), new(uint256.Int).Sub(fromBal, amt))
	putAmount(batch, t.balanceKey(to), newTo)
	return nil
}

func (t *Token) load(key []byte) (*uint256.Int, error) {
	raw, err := t.db.Get(key)
	if errors.Is(err, storage.ErrNotFound) {
		return new(uint256.Int), nil
	}
	if err != nil {
		return nil, err
	}
	return new(uint256.Int).SetBytes(raw), nil
}

func putAmount(batch *storage.Batch, key []byte, v *uint256.Int) {
	encoded := v.Bytes32()
	batch.Put(key, encoded[:])
}

var maxUint256 = new(uint256.Int).SetAllOne()

func toUint256(amount *big.Int) (*uint256.Int, error) {
	if amount == nil {
		return new(uint256.Int), nil
	}
	if amount.Sign() < 0 {
		return nil, ErrNegativeAmount
	}
	v, overflow := uint256.FromBig(amount)
	if overflow {
		return nil, ErrOverflow
	}
	return v, nil
}

func (t *Token) baseKey() []byte {
	key := make([]byte, 0, len(prefixToken)+common.AddressLength)
	key = append(key, prefixToken...)
	return append(key, t.address.Bytes()...)
}

func (t *Token) metaKey() []byte   { return append(t.baseKey(), suffixMeta...) }
func (t *Token) supplyKey() []byte { return append(t.baseKey(), suffixSupply...) }

func (t *Token) balanceKey(holder common.Address) []byte {
	key := append(t.baseKey(), segmentBalance...)
	return append(key, holder.Bytes()...)
}

func (t *Token) allowanceKey(owner, spender common.Address) []byte {
	key := append(t.baseKey(), segmentAllowance...)
	key = append(key, owner.Bytes()...)
	return append(key, spender.Bytes()...)
}
