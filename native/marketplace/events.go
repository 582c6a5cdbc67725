package marketplace

import (
	"math/big"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"

	"itemmarket/core/types"
)

const (
	EventTypeSaleCreated       = "marketplace.sale_created"
	EventTypeSaleCancelled     = "marketplace.sale_cancelled"
	EventTypeSalePriceUpdated  = "marketplace.sale_price_updated"
	EventTypeItemBought        = "marketplace.item_bought"
	EventTypeItemSend          = "marketplace.item_send"
	EventTypeItemReceived      = "marketplace.item_received"
	EventTypeDisputeCreated    = "marketplace.dispute_created"
	EventTypeDisputeResolved   = "marketplace.dispute_resolved"
	EventTypeRedundantWithdraw = "marketplace.redundant_withdrawn"
)

type marketEvent struct {
	evt *types.Event
}

func (e marketEvent) EventType() string {
	if e.evt == nil {
		return ""
	}
	return e.evt.Type
}

func (e marketEvent) Event() *types.Event { return e.evt }

// NewSaleCreatedEvent returns the payload emitted when a sale is listed.
func NewSaleCreatedEvent(s *Sale) *types.Event {
	evt := newSaleEvent(EventTypeSaleCreated, s.ID)
	evt.Attributes["seller"] = hexAddr(s.Seller)
	evt.Attributes["price"] = amountString(s.Price)
	evt.Attributes["token"] = hexAddr(s.Token)
	evt.Attributes["description"] = s.Description
	return evt
}

func NewSaleCancelledEvent(id uint64) *types.Event {
	return newSaleEvent(EventTypeSaleCancelled, id)
}

// NewSalePriceUpdatedEvent carries both the previous and the new price.
func NewSalePriceUpdatedEvent(id uint64, oldPrice, newPrice *big.Int, token common.Address) *types.Event {
	evt := newSaleEvent(EventTypeSalePriceUpdated, id)
	evt.Attributes["oldPrice"] = amountString(oldPrice)
	evt.Attributes["newPrice"] = amountString(newPrice)
	evt.Attributes["token"] = hexAddr(token)
	return evt
}

func NewItemBoughtEvent(s *Sale) *types.Event {
	evt := newSaleEvent(EventTypeItemBought, s.ID)
	evt.Attributes["price"] = amountString(s.Price)
	evt.Attributes["token"] = hexAddr(s.Token)
	evt.Attributes["buyer"] = hexAddr(s.Buyer)
	return evt
}

func NewItemSendEvent(id uint64) *types.Event { return newSaleEvent(EventTypeItemSend, id) }

func NewItemReceivedEvent(id uint64) *types.Event { return newSaleEvent(EventTypeItemReceived, id) }

func NewDisputeCreatedEvent(id uint64) *types.Event { return newSaleEvent(EventTypeDisputeCreated, id) }

func NewDisputeResolvedEvent(id uint64, isBuyerRight bool) *types.Event {
	evt := newSaleEvent(EventTypeDisputeResolved, id)
	evt.Attributes["isBuyerRight"] = strconv.FormatBool(isBuyerRight)
	return evt
}

// NewRedundantWithdrawnEvent records an admin reconciliation payout.
func NewRedundantWithdrawnEvent(token, to common.Address, amount *big.Int) *types.Event {
	return &types.Event{
		Type: EventTypeRedundantWithdraw,
		Attributes: map[string]string{
			"token":  hexAddr(token),
			"to":     hexAddr(to),
			"amount": amountString(amount),
		},
	}
}

func newSaleEvent(eventType string, id uint64) *types.Event {
	return &types.Event{
		Type:       eventType,
		Attributes: map[string]string{"id": strconv.FormatUint(id, 10)},
	}
}

func hexAddr(addr common.Address) string { return strings.ToLower(addr.Hex()) }

func amountString(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}
