package marketplace

import (
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/holiman/uint256"

	"itemmarket/core/events"
	"itemmarket/core/types"
	nativecommon "itemmarket/native/common"
	"itemmarket/native/roles"
	"itemmarket/observability"
	"itemmarket/storage"
)

// ModuleName is the pause-guard key of the marketplace.
const ModuleName = "marketplace"

var (
	// ArbiterRole settles disputes.
	ArbiterRole = roles.ID("DISPUTE_RESOLUTIONER")
	// AdminRole withdraws redundant funds.
	AdminRole = roles.ID("ADMIN")
)

// Registry owns sale records and drives them through their lifecycle. Every
// public method is serialized; a failing call leaves no observable effect.
type Registry struct {
	mu      sync.RWMutex
	store   *store
	ledger  *Ledger
	roles   RoleChecker
	emitter events.Emitter
	pauses  nativecommon.PauseView
	logger  *slog.Logger
	metrics *observability.MarketplaceMetrics
	nowFn   func() time.Time
}

// New builds a registry over db. Escrowed value is held by custody.
func New(db storage.Database, tokens TokenResolver, roleChecker RoleChecker, custody common.Address) (*Registry, error) {
	if db == nil {
		return nil, fmt.Errorf("marketplace: database required")
	}
	if tokens == nil {
		return nil, fmt.Errorf("marketplace: token resolver required")
	}
	if roleChecker == nil {
		return nil, fmt.Errorf("marketplace: role checker required")
	}
	if custody == (common.Address{}) {
		return nil, fmt.Errorf("marketplace: custody address required")
	}
	logger := slog.Default()
	st := &store{db: db}
	return &Registry{
		store:   st,
		ledger:  &Ledger{store: st, tokens: tokens, custody: custody, logger: logger},
		roles:   roleChecker,
		emitter: events.NoopEmitter{},
		logger:  logger,
		nowFn:   time.Now,
	}, nil
}

// SetEmitter configures the event emitter. Passing nil resets the emitter to
// a no-op implementation.
func (r *Registry) SetEmitter(emitter events.Emitter) {
	if emitter == nil {
		r.emitter = events.NoopEmitter{}
		return
	}
	r.emitter = emitter
}

// SetLogger overrides the structured logger.
func (r *Registry) SetLogger(logger *slog.Logger) {
	if logger == nil {
		logger = slog.Default()
	}
	r.logger = logger
	r.ledger.logger = logger
}

// SetPauses wires the module pause view consulted by mutating operations.
func (r *Registry) SetPauses(p nativecommon.PauseView) { r.pauses = p }

// SetMetrics wires the prometheus collectors and publishes the stored TVL of
// every token seen so far. Nil disables metrics.
func (r *Registry) SetMetrics(m *observability.MarketplaceMetrics) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.metrics = m
	if m == nil {
		return
	}
	err := r.store.eachTVL(func(token common.Address, locked *uint256.Int) {
		m.SetTVL(token.Hex(), locked.ToBig())
	})
	if err != nil {
		r.logger.Warn("marketplace tvl gauge not seeded", slog.Any("error", err))
	}
}

// Ledger exposes the escrow ledger for read-only queries.
func (r *Registry) Ledger() *Ledger { return r.ledger }

// CreateSale lists a new item and returns its identifier.
func (r *Registry) CreateSale(seller common.Address, price *big.Int, token common.Address, description string) (uint64, error) {
	var id uint64
	err := r.run(OpCreateSale, func() ([]*types.Event, error) {
		if seller == (common.Address{}) {
			return nil, ErrZeroCaller
		}
		if seller == r.ledger.custody {
			return nil, &CustodyCallerError{Caller: seller}
		}
		if err := validatePrice(price); err != nil {
			return nil, err
		}
		if _, err := r.ledger.resolve(token); err != nil {
			return nil, err
		}
		count, err := r.store.saleCount()
		if err != nil {
			return nil, err
		}
		sale := &Sale{
			ID:          count,
			Seller:      seller,
			Price:       new(big.Int).Set(price),
			Token:       token,
			Status:      StatusActive,
			Description: description,
		}
		cs := newChangeSet()
		if err := cs.putSale(sale); err != nil {
			return nil, err
		}
		cs.putSaleCount(count + 1)
		if err := r.commit(OpCreateSale, cs, nil); err != nil {
			return nil, err
		}
		id = sale.ID
		return []*types.Event{NewSaleCreatedEvent(sale)}, nil
	})
	if err != nil {
		return 0, err
	}
	return id, nil
}

// ModifySalePrice changes the price of an ACTIVE sale. Seller only.
func (r *Registry) ModifySalePrice(id uint64, caller common.Address, price *big.Int) error {
	return r.run(OpModifySalePrice, func() ([]*types.Event, error) {
		sale, next, err := r.prepare(OpModifySalePrice, id, caller)
		if err != nil {
			return nil, err
		}
		if err := validatePrice(price); err != nil {
			return nil, err
		}
		next.Price = new(big.Int).Set(price)
		cs := newChangeSet()
		if err := cs.putSale(next); err != nil {
			return nil, err
		}
		if err := r.commit(OpModifySalePrice, cs, nil); err != nil {
			return nil, err
		}
		return []*types.Event{NewSalePriceUpdatedEvent(id, sale.Price, next.Price, sale.Token)}, nil
	})
}

// CancelSale withdraws an ACTIVE listing. Seller only.
func (r *Registry) CancelSale(id uint64, caller common.Address) error {
	return r.run(OpCancelSale, func() ([]*types.Event, error) {
		_, next, err := r.prepare(OpCancelSale, id, caller)
		if err != nil {
			return nil, err
		}
		cs := newChangeSet()
		if err := cs.putSale(next); err != nil {
			return nil, err
		}
		if err := r.commit(OpCancelSale, cs, nil); err != nil {
			return nil, err
		}
		return []*types.Event{NewSaleCancelledEvent(id)}, nil
	})
}

// BuyItemOnSale pulls the price from buyer into escrow. The buyer must have
// approved the custody account for at least the price.
func (r *Registry) BuyItemOnSale(id uint64, buyer common.Address) error {
	return r.run(OpBuyItemOnSale, func() ([]*types.Event, error) {
		sale, next, err := r.prepare(OpBuyItemOnSale, id, buyer)
		if err != nil {
			return nil, err
		}
		next.Buyer = buyer
		cs := newChangeSet()
		move, err := r.ledger.escrow(cs, sale.Token, buyer, sale.Price)
		if err != nil {
			return nil, err
		}
		if err := cs.putSale(next); err != nil {
			return nil, err
		}
		if err := r.commit(OpBuyItemOnSale, cs, move); err != nil {
			return nil, err
		}
		return []*types.Event{NewItemBoughtEvent(next)}, nil
	})
}

// ConfirmSendingItem records that the seller shipped a paid item.
func (r *Registry) ConfirmSendingItem(id uint64, caller common.Address) error {
	return r.run(OpConfirmSendingItem, func() ([]*types.Event, error) {
		_, next, err := r.prepare(OpConfirmSendingItem, id, caller)
		if err != nil {
			return nil, err
		}
		cs := newChangeSet()
		if err := cs.putSale(next); err != nil {
			return nil, err
		}
		if err := r.commit(OpConfirmSendingItem, cs, nil); err != nil {
			return nil, err
		}
		return []*types.Event{NewItemSendEvent(id)}, nil
	})
}

// ConfirmReceivingItem completes the sale and pays the seller out of escrow.
func (r *Registry) ConfirmReceivingItem(id uint64, caller common.Address) error {
	return r.run(OpConfirmReceivingItem, func() ([]*types.Event, error) {
		sale, next, err := r.prepare(OpConfirmReceivingItem, id, caller)
		if err != nil {
			return nil, err
		}
		cs := newChangeSet()
		move, err := r.ledger.release(cs, sale.Token, sale.Seller, sale.Price)
		if err != nil {
			return nil, err
		}
		if err := cs.putSale(next); err != nil {
			return nil, err
		}
		if err := r.commit(OpConfirmReceivingItem, cs, move); err != nil {
			return nil, err
		}
		return []*types.Event{NewItemReceivedEvent(id)}, nil
	})
}

// ReportProblem opens a dispute on a shipped item. Seller or buyer only.
func (r *Registry) ReportProblem(id uint64, caller common.Address, reason string) error {
	return r.run(OpReportProblem, func() ([]*types.Event, error) {
		_, next, err := r.prepare(OpReportProblem, id, caller)
		if err != nil {
			return nil, err
		}
		next.DisputeReason = reason
		cs := newChangeSet()
		if err := cs.putSale(next); err != nil {
			return nil, err
		}
		if err := r.commit(OpReportProblem, cs, nil); err != nil {
			return nil, err
		}
		return []*types.Event{NewDisputeCreatedEvent(id)}, nil
	})
}

// ResolveDispute settles an open dispute, paying the escrowed price to the
// buyer when isBuyerRight and to the seller otherwise. Arbiter role only.
func (r *Registry) ResolveDispute(id uint64, caller common.Address, isBuyerRight bool) error {
	return r.run(OpResolveDispute, func() ([]*types.Event, error) {
		if err := r.requireRole(ArbiterRole, caller); err != nil {
			return nil, err
		}
		sale, next, err := r.prepare(OpResolveDispute, id, caller)
		if err != nil {
			return nil, err
		}
		next.Status = transitions[OpResolveDispute].target(isBuyerRight)
		winner := sale.Seller
		if isBuyerRight {
			winner = sale.Buyer
		}
		cs := newChangeSet()
		move, err := r.ledger.release(cs, sale.Token, winner, sale.Price)
		if err != nil {
			return nil, err
		}
		if err := cs.putSale(next); err != nil {
			return nil, err
		}
		if err := r.commit(OpResolveDispute, cs, move); err != nil {
			return nil, err
		}
		return []*types.Event{NewDisputeResolvedEvent(id, isBuyerRight)}, nil
	})
}

// WithdrawRedundantTokens pays every unit of token held in custody beyond the
// TVL to the calling admin and returns the amount moved.
func (r *Registry) WithdrawRedundantTokens(token common.Address, caller common.Address) (*big.Int, error) {
	var withdrawn *big.Int
	err := r.run(OpWithdrawRedundantTokens, func() ([]*types.Event, error) {
		if err := r.requireRole(AdminRole, caller); err != nil {
			return nil, err
		}
		if caller == r.ledger.custody {
			return nil, &CustodyCallerError{Caller: caller}
		}
		move, err := r.ledger.reconcile(token, caller)
		if err != nil {
			return nil, err
		}
		if err := r.commit(OpWithdrawRedundantTokens, newChangeSet(), move); err != nil {
			return nil, err
		}
		withdrawn = new(big.Int).Set(move.amount)
		return []*types.Event{NewRedundantWithdrawnEvent(token, caller, move.amount)}, nil
	})
	if err != nil {
		return nil, err
	}
	return withdrawn, nil
}

// ReceiveNative rejects every native-currency payment to the engine.
func (r *Registry) ReceiveNative(from common.Address, amount *big.Int) error {
	err := &UnsupportedTransferError{From: from, Amount: amountOrZero(amount)}
	r.metrics.Observe(string(OpReceiveNative), outcomeOf(err), 0)
	return err
}

// Sale returns a copy of the sale with the given id.
func (r *Registry) Sale(id uint64) (*Sale, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.sale(id)
}

// DisputeReason returns the reason recorded when the sale's dispute opened.
func (r *Registry) DisputeReason(id uint64) (string, error) {
	sale, err := r.Sale(id)
	if err != nil {
		return "", err
	}
	return sale.DisputeReason, nil
}

// SaleCount returns the number of sales ever created.
func (r *Registry) SaleCount() (uint64, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.store.saleCount()
}

// TVL returns the value locked in escrow for token.
func (r *Registry) TVL(token common.Address) (*big.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.ledger.TVL(token)
}

// RedundantFunds returns what WithdrawRedundantTokens would currently pay out,
// or zero when nothing is withdrawable.
func (r *Registry) RedundantFunds(token common.Address) (*big.Int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	amount, err := r.ledger.redundant(token)
	if errors.Is(err, ErrNoRedundantFunds) {
		return big.NewInt(0), nil
	}
	return amount, err
}

// prepare loads the sale and checks the transition guard for op. It returns
// the stored sale and a copy already moved to the target status.
func (r *Registry) prepare(op Operation, id uint64, caller common.Address) (*Sale, *Sale, error) {
	if caller == (common.Address{}) {
		return nil, nil, ErrZeroCaller
	}
	if caller == r.ledger.custody {
		return nil, nil, &CustodyCallerError{Caller: caller}
	}
	sale, err := r.store.sale(id)
	if err != nil {
		return nil, nil, err
	}
	tr := transitions[op]
	if err := tr.check(sale, caller); err != nil {
		return nil, nil, err
	}
	next := sale.Clone()
	next.Status = tr.to
	return sale, next, nil
}

func (r *Registry) requireRole(role [32]byte, caller common.Address) error {
	if r.roles.HasRole(role, caller) {
		return nil
	}
	return &RoleError{Account: caller, Role: role}
}

// run applies the pause guard, serializes fn and emits its events once fn has
// committed.
func (r *Registry) run(op Operation, fn func() ([]*types.Event, error)) error {
	start := r.nowFn()
	if err := nativecommon.Guard(r.pauses, ModuleName); err != nil {
		r.metrics.Observe(string(op), outcomeOf(err), 0)
		return err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	evts, err := fn()
	r.metrics.Observe(string(op), outcomeOf(err), r.nowFn().Sub(start))
	if err != nil {
		r.logger.Debug("marketplace operation rejected",
			slog.String("operation", string(op)),
			slog.String("code", CodeOf(err)),
			slog.Any("error", err))
		return err
	}
	for _, evt := range evts {
		r.logger.Debug("marketplace operation committed",
			slog.String("operation", string(op)),
			slog.String("event", evt.Type),
			slog.String("id", evt.Attributes["id"]))
		r.emitter.Emit(marketEvent{evt: evt})
	}
	return nil
}

// commit writes cs. With a movement the token commits cs together with its
// balance updates in one write, so a failed transfer leaves nothing behind.
func (r *Registry) commit(op Operation, cs *changeSet, move *movement) error {
	if move == nil {
		if err := r.store.db.Write(cs.batch); err != nil {
			return fmt.Errorf("marketplace: commit %s: %w", op, err)
		}
		return nil
	}
	if err := move.run(cs.batch); err != nil {
		r.metrics.RecordRollback(string(op))
		r.logger.Warn("marketplace operation aborted",
			slog.String("operation", string(op)),
			slog.String("token", move.token.Hex()),
			slog.Any("error", err))
		return &TransferError{Operation: op, Token: move.token, Err: err}
	}
	if locked, err := r.store.tvl(move.token); err == nil {
		r.metrics.SetTVL(move.token.Hex(), locked.ToBig())
	}
	return nil
}

func validatePrice(price *big.Int) error {
	if price == nil || price.Sign() <= 0 {
		return &ValueError{Value: amountOrZero(price), Reason: "must be greater than zero"}
	}
	if _, overflow := uint256.FromBig(price); overflow {
		return &ValueError{Value: price, Reason: "exceeds 256 bits"}
	}
	return nil
}

func outcomeOf(err error) string {
	if err == nil {
		return "ok"
	}
	if code := CodeOf(err); code != "" {
		return code
	}
	if errors.Is(err, nativecommon.ErrModulePaused) {
		return "paused"
	}
	return "error"
}
