package marketplace

import (
	"errors"
	"fmt"
	"math/big"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
)

var (
	ErrSaleNotFound        = errors.New("marketplace: sale not found")
	ErrZeroCaller          = errors.New("marketplace: caller required")
	ErrNotOwner            = errors.New("marketplace: caller not permitted for sale")
	ErrInvalidState        = errors.New("marketplace: invalid sale status")
	ErrInvalidPrice        = errors.New("marketplace: invalid price")
	ErrMissingRole         = errors.New("marketplace: missing role")
	ErrNoRedundantFunds    = errors.New("marketplace: no redundant funds")
	ErrUnsupportedTransfer = errors.New("marketplace: native transfers not accepted")
	ErrTransferFailed      = errors.New("marketplace: token transfer failed")
)

// Error codes are part of the public API. E#1 is reserved and never produced.
const (
	CodeNotSeller        = "E#0"
	CodeNotActive        = "E#2"
	CodeNotPayed         = "E#3"
	CodeNotBuyer         = "E#4"
	CodeNotSend          = "E#5"
	CodeInvalidPrice     = "E#6"
	CodeNotDisputed      = "E#7"
	CodeNotParty         = "E#8"
	CodeNativeTransfer   = "E#9"
	CodeNoRedundantFunds = "E#10"
	CodeAccessControl    = "ACCESS_CONTROL"
	CodeTransferFailed   = "TRANSFER_FAILED"
	CodeSaleNotFound     = "NOT_FOUND"
	CodeCallerRequired   = "CALLER_REQUIRED"
	CodeCustodyCaller    = "CUSTODY_CALLER"
	codeInvalidState     = "INVALID_STATE"
)

// OwnershipError reports a caller that is not the party a transition requires.
type OwnershipError struct {
	SaleID   uint64
	Caller   common.Address
	Required Party
}

func (e *OwnershipError) Error() string {
	return fmt.Sprintf("marketplace: %s: sale %d: %s is not the %s", e.Code(), e.SaleID, e.Caller.Hex(), e.Required)
}

func (e *OwnershipError) Is(target error) bool { return target == ErrNotOwner }

// Code returns the stable error code.
func (e *OwnershipError) Code() string {
	switch e.Required {
	case PartySeller:
		return CodeNotSeller
	case PartyBuyer:
		return CodeNotBuyer
	default:
		return CodeNotParty
	}
}

// CustodyCallerError reports the escrow custody account acting as a caller.
// Custody only ever moves value on the engine's behalf.
type CustodyCallerError struct {
	Caller common.Address
}

func (e *CustodyCallerError) Error() string {
	return fmt.Sprintf("marketplace: %s: custody account %s cannot act as a caller", e.Code(), e.Caller.Hex())
}

func (e *CustodyCallerError) Is(target error) bool { return target == ErrNotOwner }

// Code returns the stable error code.
func (e *CustodyCallerError) Code() string { return CodeCustodyCaller }

// StateError reports an operation attempted from the wrong status.
type StateError struct {
	SaleID   uint64
	Actual   Status
	Expected Status
}

func (e *StateError) Error() string {
	return fmt.Sprintf("marketplace: %s: sale %d: status is %s, should be %s", e.Code(), e.SaleID, e.Actual, e.Expected)
}

func (e *StateError) Is(target error) bool { return target == ErrInvalidState }

// Code returns the stable error code.
func (e *StateError) Code() string {
	switch e.Expected {
	case StatusActive:
		return CodeNotActive
	case StatusPayed:
		return CodeNotPayed
	case StatusSend:
		return CodeNotSend
	case StatusDisputeUnresolved:
		return CodeNotDisputed
	default:
		return codeInvalidState
	}
}

// ValueError reports a price outside the accepted range.
type ValueError struct {
	Value  *big.Int
	Reason string
}

func (e *ValueError) Error() string {
	return fmt.Sprintf("marketplace: %s: price %s %s", e.Code(), e.Value, e.Reason)
}

func (e *ValueError) Is(target error) bool { return target == ErrInvalidPrice }

// Code returns the stable error code.
func (e *ValueError) Code() string { return CodeInvalidPrice }

// RoleError reports an account lacking a required role.
type RoleError struct {
	Account common.Address
	Role    [32]byte
}

func (e *RoleError) Error() string {
	return fmt.Sprintf("AccessControl: account %s is missing role %s",
		hexutil.Encode(e.Account.Bytes()), hexutil.Encode(e.Role[:]))
}

func (e *RoleError) Is(target error) bool { return target == ErrMissingRole }

// Code returns the stable error code.
func (e *RoleError) Code() string { return CodeAccessControl }

// NoRedundantFundsError reports a reconciliation with nothing to withdraw.
type NoRedundantFundsError struct {
	Token   common.Address
	Balance *big.Int
	Locked  *big.Int
}

func (e *NoRedundantFundsError) Error() string {
	return fmt.Sprintf("marketplace: %s: token %s: balance %s, locked %s", e.Code(), e.Token.Hex(), e.Balance, e.Locked)
}

func (e *NoRedundantFundsError) Is(target error) bool { return target == ErrNoRedundantFunds }

// Code returns the stable error code.
func (e *NoRedundantFundsError) Code() string { return CodeNoRedundantFunds }

// UnsupportedTransferError reports a native-currency payment to the engine.
type UnsupportedTransferError struct {
	From   common.Address
	Amount *big.Int
}

func (e *UnsupportedTransferError) Error() string {
	return fmt.Sprintf("marketplace: %s: native transfer of %s from %s rejected", e.Code(), e.Amount, e.From.Hex())
}

func (e *UnsupportedTransferError) Is(target error) bool { return target == ErrUnsupportedTransfer }

// Code returns the stable error code.
func (e *UnsupportedTransferError) Code() string { return CodeNativeTransfer }

// TransferError wraps the token failure that aborted an operation.
type TransferError struct {
	Operation Operation
	Token     common.Address
	Err       error
}

func (e *TransferError) Error() string {
	return fmt.Sprintf("marketplace: %s: token %s: %v", e.Operation, e.Token.Hex(), e.Err)
}

func (e *TransferError) Is(target error) bool { return target == ErrTransferFailed }

func (e *TransferError) Unwrap() error { return e.Err }

// Code returns the stable error code.
func (e *TransferError) Code() string { return CodeTransferFailed }

// CodeOf extracts the stable code carried by err, or "" when there is none.
func CodeOf(err error) string {
	if err == nil {
		return ""
	}
	var coded interface{ Code() string }
	if errors.As(err, &coded) {
		return coded.Code()
	}
	switch {
	case errors.Is(err, ErrSaleNotFound):
		return CodeSaleNotFound
	case errors.Is(err, ErrZeroCaller):
		return CodeCallerRequired
	}
	return ""
}
