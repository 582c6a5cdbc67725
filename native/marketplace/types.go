package marketplace

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle state of a sale.
type Status uint8

const (
	StatusActive Status = iota
	StatusPayed
	StatusSend
	StatusReceived
	StatusCancelled
	StatusDisputeUnresolved
	StatusDisputeResolvedSeller
	StatusDisputeResolvedBuyer
)

var statusNames = [...]string{
	StatusActive:                "ACTIVE",
	StatusPayed:                 "PAYED",
	StatusSend:                  "SEND",
	StatusReceived:              "RECEIVED",
	StatusCancelled:             "CANCELLED",
	StatusDisputeUnresolved:     "DISPUTE_UNRESOLVED",
	StatusDisputeResolvedSeller: "DISPUTE_RESOLVED_SELLER",
	StatusDisputeResolvedBuyer:  "DISPUTE_RESOLVED_BUYER",
}

func (s Status) String() string {
	if !s.Valid() {
		return fmt.Sprintf("Status(%d)", uint8(s))
	}
	return statusNames[s]
}

// Valid reports whether the status value is within the supported range.
func (s Status) Valid() bool { return int(s) < len(statusNames) }

// Terminal reports whether no operation can move a sale out of s.
func (s Status) Terminal() bool {
	switch s {
	case StatusReceived, StatusCancelled, StatusDisputeResolvedSeller, StatusDisputeResolvedBuyer:
		return true
	default:
		return false
	}
}

// Escrowed reports whether a sale in s has its price counted in the TVL.
func (s Status) Escrowed() bool {
	switch s {
	case StatusPayed, StatusSend, StatusDisputeUnresolved:
		return true
	default:
		return false
	}
}

// ParseStatus resolves a status from its canonical name.
func ParseStatus(name string) (Status, error) {
	normalized := strings.ToUpper(strings.TrimSpace(name))
	for i, candidate := range statusNames {
		if candidate == normalized {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("marketplace: unknown status %q", name)
}

// Sale is a single listing and its escrow progress.
type Sale struct {
	ID            uint64
	Seller        common.Address
	Price         *big.Int
	Token         common.Address
	Status        Status
	Description   string
	Buyer         common.Address
	DisputeReason string
}

// Clone returns a deep copy of the sale.
func (s *Sale) Clone() *Sale {
	if s == nil {
		return nil
	}
	clone := *s
	if s.Price != nil {
		clone.Price = new(big.Int).Set(s.Price)
	} else {
		clone.Price = big.NewInt(0)
	}
	return &clone
}

// HasBuyer reports whether a buyer has been recorded.
func (s *Sale) HasBuyer() bool { return s != nil && s.Buyer != (common.Address{}) }

// Operation names a public marketplace entry point.
type Operation string

const (
	OpCreateSale              Operation = "createSale"
	OpModifySalePrice         Operation = "modifySalePrice"
	OpCancelSale              Operation = "cancelSale"
	OpBuyItemOnSale           Operation = "buyItemOnSale"
	OpConfirmSendingItem      Operation = "confirmSendingItem"
	OpConfirmReceivingItem    Operation = "confirmReceivingItem"
	OpReportProblem           Operation = "reportProblem"
	OpResolveDispute          Operation = "resolveDispute"
	OpWithdrawRedundantTokens Operation = "withdrawRedundantTokens"
	OpReceiveNative           Operation = "receiveNative"
)

// Party identifies who may invoke a transition.
type Party uint8

const (
	PartyAny Party = iota
	PartySeller
	PartyBuyer
	PartySellerOrBuyer
	PartyArbiter
)

func (p Party) String() string {
	switch p {
	case PartySeller:
		return "seller"
	case PartyBuyer:
		return "buyer"
	case PartySellerOrBuyer:
		return "seller or buyer"
	case PartyArbiter:
		return "arbiter"
	default:
		return "any"
	}
}

type transition struct {
	from  Status
	party Party
	to    Status
	// toBuyer replaces to when a dispute is settled in the buyer's favour.
	toBuyer Status
}

func (t transition) target(buyerRight bool) Status {
	if buyerRight && t.toBuyer != 0 {
		return t.toBuyer
	}
	return t.to
}

var transitions = map[Operation]transition{
	OpModifySalePrice:      {from: StatusActive, party: PartySeller, to: StatusActive},
	OpCancelSale:           {from: StatusActive, party: PartySeller, to: StatusCancelled},
	OpBuyItemOnSale:        {from: StatusActive, party: PartyAny, to: StatusPayed},
	OpConfirmSendingItem:   {from: StatusPayed, party: PartySeller, to: StatusSend},
	OpConfirmReceivingItem: {from: StatusSend, party: PartyBuyer, to: StatusReceived},
	OpReportProblem:        {from: StatusSend, party: PartySellerOrBuyer, to: StatusDisputeUnresolved},
	OpResolveDispute: {
		from:    StatusDisputeUnresolved,
		party:   PartyArbiter,
		to:      StatusDisputeResolvedSeller,
		toBuyer: StatusDisputeResolvedBuyer,
	},
}

// check validates the status guard first and the caller relationship second.
func (t transition) check(sale *Sale, caller common.Address) error {
	if sale.Status != t.from {
		return &StateError{SaleID: sale.ID, Actual: sale.Status, Expected: t.from}
	}
	var allowed bool
	switch t.party {
	case PartySeller:
		allowed = caller == sale.Seller
	case PartyBuyer:
		allowed = sale.HasBuyer() && caller == sale.Buyer
	case PartySellerOrBuyer:
		allowed = caller == sale.Seller || (sale.HasBuyer() && caller == sale.Buyer)
	default:
		allowed = true
	}
	if !allowed {
		return &OwnershipError{SaleID: sale.ID, Caller: caller, Required: t.party}
	}
	return nil
}
