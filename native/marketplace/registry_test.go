package marketplace

import (
	"errors"
	"math/big"
	"strings"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"

	"itemmarket/core/events"
	nativecommon "itemmarket/native/common"
	"itemmarket/native/roles"
	"itemmarket/native/token"
	"itemmarket/observability"
	"itemmarket/storage"
)

var (
	tokenAddr = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	custody   = common.HexToAddress("0x00000000000000000000000000000000000000ee")
	deployer  = common.HexToAddress("0x0000000000000000000000000000000000000001")
	seller    = common.HexToAddress("0x0000000000000000000000000000000000000002")
	buyer     = common.HexToAddress("0x0000000000000000000000000000000000000003")
	stranger  = common.HexToAddress("0x0000000000000000000000000000000000000004")
)

var (
	errBoom     = errors.New("boom")
	errDiskFull = errors.New("disk full")
)

// flakyToken fails the selected movement on demand.
type flakyToken struct {
	Token
	failTransfer     bool
	failTransferFrom bool
}

func (f *flakyToken) TransferWith(extra *storage.Batch, from, to common.Address, amount *big.Int) error {
	if f.failTransfer {
		return errBoom
	}
	return f.Token.TransferWith(extra, from, to, amount)
}

func (f *flakyToken) TransferFromWith(extra *storage.Batch, spender, from, to common.Address, amount *big.Int) error {
	if f.failTransferFrom {
		return errBoom
	}
	return f.Token.TransferFromWith(extra, spender, from, to, amount)
}

// failingDB fails the failAt-th Write counted from the last reset.
type failingDB struct {
	storage.Database
	writes int
	failAt int
}

func (d *failingDB) Write(batch *storage.Batch) error {
	d.writes++
	if d.failAt > 0 && d.writes == d.failAt {
		return errDiskFull
	}
	return d.Database.Write(batch)
}

func (d *failingDB) arm(failAt int) {
	d.writes = 0
	d.failAt = failAt
}

type fixture struct {
	db    storage.Database
	tok   *token.Token
	flaky *flakyToken
	reg   *Registry
	rec   *events.Recorder
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	return newFixtureOn(t, storage.NewMemDB())
}

func newFixtureOn(t *testing.T, db storage.Database) *fixture {
	t.Helper()
	tokens := token.NewRegistry(db)
	tok, err := tokens.Register(tokenAddr, token.Metadata{Name: "Mock Token", Symbol: "MCK", Decimals: 18})
	require.NoError(t, err)
	roleReg := roles.NewRegistry(db)
	require.NoError(t, roleReg.Grant(ArbiterRole, deployer))
	require.NoError(t, roleReg.Grant(AdminRole, deployer))

	flaky := &flakyToken{Token: tok}
	resolver := TokenResolverFunc(func(address common.Address) (Token, error) {
		if address != tokenAddr {
			return nil, token.ErrUnknownToken
		}
		return flaky, nil
	})
	reg, err := New(db, resolver, roleReg, custody)
	require.NoError(t, err)
	rec := &events.Recorder{}
	reg.SetEmitter(rec)
	return &fixture{db: db, tok: tok, flaky: flaky, reg: reg, rec: rec}
}

func (f *fixture) fund(t *testing.T, holder common.Address, amount int64) {
	t.Helper()
	require.NoError(t, f.tok.Mint(holder, big.NewInt(amount)))
	require.NoError(t, f.tok.Approve(holder, custody, big.NewInt(amount)))
}

func (f *fixture) balance(t *testing.T, holder common.Address) int64 {
	t.Helper()
	v, err := f.tok.BalanceOf(holder)
	require.NoError(t, err)
	return v.Int64()
}

func (f *fixture) tvl(t *testing.T) int64 {
	t.Helper()
	v, err := f.reg.TVL(tokenAddr)
	require.NoError(t, err)
	return v.Int64()
}

func (f *fixture) status(t *testing.T, id uint64) Status {
	t.Helper()
	sale, err := f.reg.Sale(id)
	require.NoError(t, err)
	return sale.Status
}

// listPaid creates a sale for price and moves it to PAYED.
func (f *fixture) listPaid(t *testing.T, price int64) uint64 {
	t.Helper()
	id, err := f.reg.CreateSale(seller, big.NewInt(price), tokenAddr, "item")
	require.NoError(t, err)
	f.fund(t, buyer, price)
	require.NoError(t, f.reg.BuyItemOnSale(id, buyer))
	return id
}

func (f *fixture) listShipped(t *testing.T, price int64) uint64 {
	t.Helper()
	id := f.listPaid(t, price)
	require.NoError(t, f.reg.ConfirmSendingItem(id, seller))
	return id
}

func (f *fixture) eventTypes() []string {
	var out []string
	for _, evt := range f.rec.Events() {
		out = append(out, evt.Type)
	}
	return out
}

func requireCode(t *testing.T, err error, code string) {
	t.Helper()
	require.Error(t, err)
	require.Equal(t, code, CodeOf(err), "error: %v", err)
}

func TestHappyPathPaysSeller(t *testing.T) {
	f := newFixture(t)
	id, err := f.reg.CreateSale(seller, big.NewInt(100), tokenAddr, "vintage lamp")
	require.NoError(t, err)
	require.Equal(t, uint64(0), id)
	require.Equal(t, StatusActive, f.status(t, id))

	f.fund(t, buyer, 100)
	require.NoError(t, f.reg.BuyItemOnSale(id, buyer))
	require.Equal(t, StatusPayed, f.status(t, id))
	require.EqualValues(t, 100, f.tvl(t))
	require.EqualValues(t, 100, f.balance(t, custody))
	require.EqualValues(t, 0, f.balance(t, buyer))

	require.NoError(t, f.reg.ConfirmSendingItem(id, seller))
	require.Equal(t, StatusSend, f.status(t, id))

	require.NoError(t, f.reg.ConfirmReceivingItem(id, buyer))
	require.Equal(t, StatusReceived, f.status(t, id))
	require.EqualValues(t, 100, f.balance(t, seller))
	require.EqualValues(t, 0, f.balance(t, custody))
	require.EqualValues(t, 0, f.tvl(t))

	sale, err := f.reg.Sale(id)
	require.NoError(t, err)
	require.Equal(t, seller, sale.Seller)
	require.Equal(t, buyer, sale.Buyer)
	require.Equal(t, tokenAddr, sale.Token)
	require.Equal(t, "vintage lamp", sale.Description)
	require.Zero(t, sale.Price.Cmp(big.NewInt(100)))

	require.Equal(t, []string{
		EventTypeSaleCreated,
		EventTypeItemBought,
		EventTypeItemSend,
		EventTypeItemReceived,
	}, f.eventTypes())
	bought := f.rec.Events()[1]
	require.Equal(t, "0", bought.Attribute("id"))
	require.Equal(t, "100", bought.Attribute("price"))
	require.Equal(t, strings.ToLower(buyer.Hex()), bought.Attribute("buyer"))
}

func TestDisputeResolvedForBuyer(t *testing.T) {
	f := newFixture(t)
	id := f.listShipped(t, 100)

	require.NoError(t, f.reg.ReportProblem(id, buyer, "arrived broken"))
	require.Equal(t, StatusDisputeUnresolved, f.status(t, id))
	reason, err := f.reg.DisputeReason(id)
	require.NoError(t, err)
	require.Equal(t, "arrived broken", reason)

	require.NoError(t, f.reg.ResolveDispute(id, deployer, true))
	require.Equal(t, StatusDisputeResolvedBuyer, f.status(t, id))
	require.EqualValues(t, 100, f.balance(t, buyer))
	require.EqualValues(t, 0, f.balance(t, seller))
	require.EqualValues(t, 0, f.tvl(t))

	evts := f.rec.Events()
	last := evts[len(evts)-1]
	require.Equal(t, EventTypeDisputeResolved, last.Type)
	require.Equal(t, "true", last.Attribute("isBuyerRight"))
}

func TestDisputeResolvedForSeller(t *testing.T) {
	f := newFixture(t)
	id := f.listShipped(t, 70)
	require.NoError(t, f.reg.ReportProblem(id, seller, "buyer claims not delivered"))
	require.NoError(t, f.reg.ResolveDispute(id, deployer, false))
	require.Equal(t, StatusDisputeResolvedSeller, f.status(t, id))
	require.EqualValues(t, 70, f.balance(t, seller))
	require.EqualValues(t, 0, f.tvl(t))

	err := f.reg.ResolveDispute(id, deployer, true)
	requireCode(t, err, CodeNotDisputed)
}

func TestCreateSaleRejectsInvalidPrice(t *testing.T) {
	f := newFixture(t)
	for _, price := range []*big.Int{nil, big.NewInt(0), big.NewInt(-5), new(big.Int).Lsh(big.NewInt(1), 256)} {
		_, err := f.reg.CreateSale(seller, price, tokenAddr, "x")
		requireCode(t, err, CodeInvalidPrice)
		require.ErrorIs(t, err, ErrInvalidPrice)
	}
	count, err := f.reg.SaleCount()
	require.NoError(t, err)
	require.Zero(t, count)
	require.Empty(t, f.rec.Events())
}

func TestCreateSaleUnknownToken(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.CreateSale(seller, big.NewInt(1), common.HexToAddress("0xbb"), "x")
	require.ErrorIs(t, err, token.ErrUnknownToken)
}

func TestSaleIdsAreSequential(t *testing.T) {
	f := newFixture(t)
	for want := uint64(0); want < 3; want++ {
		id, err := f.reg.CreateSale(seller, big.NewInt(10), tokenAddr, "")
		require.NoError(t, err)
		require.Equal(t, want, id)
	}
	count, err := f.reg.SaleCount()
	require.NoError(t, err)
	require.EqualValues(t, 3, count)
}

func TestModifyAndCancel(t *testing.T) {
	f := newFixture(t)
	id, err := f.reg.CreateSale(seller, big.NewInt(10), tokenAddr, "")
	require.NoError(t, err)

	require.NoError(t, f.reg.ModifySalePrice(id, seller, big.NewInt(25)))
	sale, err := f.reg.Sale(id)
	require.NoError(t, err)
	require.EqualValues(t, 25, sale.Price.Int64())
	updated := f.rec.Events()[1]
	require.Equal(t, EventTypeSalePriceUpdated, updated.Type)
	require.Equal(t, "10", updated.Attribute("oldPrice"))
	require.Equal(t, "25", updated.Attribute("newPrice"))

	requireCode(t, f.reg.ModifySalePrice(id, seller, big.NewInt(0)), CodeInvalidPrice)
	requireCode(t, f.reg.CancelSale(id, stranger), CodeNotSeller)
	require.NoError(t, f.reg.CancelSale(id, seller))
	require.Equal(t, StatusCancelled, f.status(t, id))

	requireCode(t, f.reg.CancelSale(id, seller), CodeNotActive)
	requireCode(t, f.reg.ModifySalePrice(id, seller, big.NewInt(5)), CodeNotActive)
	f.fund(t, buyer, 25)
	requireCode(t, f.reg.BuyItemOnSale(id, buyer), CodeNotActive)
}

func TestStatusCheckedBeforeCaller(t *testing.T) {
	f := newFixture(t)
	id, err := f.reg.CreateSale(seller, big.NewInt(10), tokenAddr, "")
	require.NoError(t, err)

	// Neither a party nor in SEND: the status wins.
	requireCode(t, f.reg.ReportProblem(id, buyer, "early"), CodeNotSend)
	requireCode(t, f.reg.ConfirmReceivingItem(id, stranger), CodeNotSend)
	// Not the seller and a bad price: the caller wins over the value.
	requireCode(t, f.reg.ModifySalePrice(id, stranger, big.NewInt(0)), CodeNotSeller)

	f.fund(t, buyer, 10)
	require.NoError(t, f.reg.BuyItemOnSale(id, buyer))
	requireCode(t, f.reg.ModifySalePrice(id, stranger, big.NewInt(0)), CodeNotActive)

	// Role is checked before the status.
	err = f.reg.ResolveDispute(id, stranger, true)
	require.ErrorIs(t, err, ErrMissingRole)
	requireCode(t, f.reg.ResolveDispute(id, deployer, true), CodeNotDisputed)
}

func TestCallerChecks(t *testing.T) {
	f := newFixture(t)
	id := f.listPaid(t, 10)

	requireCode(t, f.reg.ConfirmSendingItem(id, stranger), CodeNotSeller)
	requireCode(t, f.reg.ConfirmSendingItem(id, buyer), CodeNotSeller)
	require.NoError(t, f.reg.ConfirmSendingItem(id, seller))

	requireCode(t, f.reg.ConfirmReceivingItem(id, seller), CodeNotBuyer)
	requireCode(t, f.reg.ReportProblem(id, stranger, "?"), CodeNotParty)
	require.ErrorIs(t, f.reg.ReportProblem(id, stranger, "?"), ErrNotOwner)
	require.Equal(t, StatusSend, f.status(t, id))

	require.ErrorIs(t, f.reg.ConfirmSendingItem(id, common.Address{}), ErrZeroCaller)
}

func TestPrematureReceiveRejected(t *testing.T) {
	f := newFixture(t)
	id := f.listPaid(t, 40)
	err := f.reg.ConfirmReceivingItem(id, buyer)
	requireCode(t, err, CodeNotSend)
	var stateErr *StateError
	require.ErrorAs(t, err, &stateErr)
	require.Equal(t, StatusPayed, stateErr.Actual)
	require.Equal(t, StatusSend, stateErr.Expected)
	require.Equal(t, StatusPayed, f.status(t, id))
	require.EqualValues(t, 40, f.tvl(t))
}

func TestRoleErrorMessage(t *testing.T) {
	f := newFixture(t)
	id := f.listShipped(t, 10)
	require.NoError(t, f.reg.ReportProblem(id, buyer, "bad"))
	err := f.reg.ResolveDispute(id, buyer, true)
	var roleErr *RoleError
	require.ErrorAs(t, err, &roleErr)
	require.Equal(t, ArbiterRole, roleErr.Role)
	require.EqualError(t, err, "AccessControl: account 0x0000000000000000000000000000000000000003 is missing role 0x04b2e9c49e7cff5fc464df48a3f1fb7299d451e12c8df4f082ac75d85365b6f7")
	require.Equal(t, StatusDisputeUnresolved, f.status(t, id))

	_, err = f.reg.WithdrawRedundantTokens(tokenAddr, stranger)
	require.EqualError(t, err, "AccessControl: account 0x0000000000000000000000000000000000000004 is missing role 0xdf8b4c520ffe197c5343c6f5aec59570151ef9a492f2c624fd45ddde6135ec42")
	requireCode(t, err, CodeAccessControl)
}

func TestWithdrawRedundantTokens(t *testing.T) {
	f := newFixture(t)
	f.listPaid(t, 100)

	// A stray transfer straight to custody is not locked value.
	require.NoError(t, f.tok.Mint(stranger, big.NewInt(50)))
	require.NoError(t, f.tok.Transfer(stranger, custody, big.NewInt(50)))

	pending, err := f.reg.RedundantFunds(tokenAddr)
	require.NoError(t, err)
	require.EqualValues(t, 50, pending.Int64())

	_, err = f.reg.WithdrawRedundantTokens(tokenAddr, stranger)
	require.ErrorIs(t, err, ErrMissingRole)

	amount, err := f.reg.WithdrawRedundantTokens(tokenAddr, deployer)
	require.NoError(t, err)
	require.EqualValues(t, 50, amount.Int64())
	require.EqualValues(t, 50, f.balance(t, deployer))
	require.EqualValues(t, 100, f.balance(t, custody))
	require.EqualValues(t, 100, f.tvl(t))

	_, err = f.reg.WithdrawRedundantTokens(tokenAddr, deployer)
	requireCode(t, err, CodeNoRedundantFunds)
	pending, err = f.reg.RedundantFunds(tokenAddr)
	require.NoError(t, err)
	require.Zero(t, pending.Sign())

	evts := f.rec.Events()
	require.Equal(t, EventTypeRedundantWithdraw, evts[len(evts)-1].Type)
	require.Equal(t, "50", evts[len(evts)-1].Attribute("amount"))
}

func TestCustodyShortfallReportsNoRedundantFunds(t *testing.T) {
	f := newFixture(t)
	f.listPaid(t, 30)
	// Drain custody behind the engine's back.
	require.NoError(t, f.tok.Transfer(custody, stranger, big.NewInt(10)))
	_, err := f.reg.WithdrawRedundantTokens(tokenAddr, deployer)
	var nrf *NoRedundantFundsError
	require.ErrorAs(t, err, &nrf)
	require.EqualValues(t, 20, nrf.Balance.Int64())
	require.EqualValues(t, 30, nrf.Locked.Int64())
}

func TestBuyLeavesNoTraceWhenPullFails(t *testing.T) {
	f := newFixture(t)
	id, err := f.reg.CreateSale(seller, big.NewInt(60), tokenAddr, "")
	require.NoError(t, err)
	f.fund(t, buyer, 60)
	f.rec.Reset()

	f.flaky.failTransferFrom = true
	err = f.reg.BuyItemOnSale(id, buyer)
	require.ErrorIs(t, err, ErrTransferFailed)
	require.ErrorIs(t, err, errBoom)

	sale, err := f.reg.Sale(id)
	require.NoError(t, err)
	require.Equal(t, StatusActive, sale.Status)
	require.False(t, sale.HasBuyer())
	require.EqualValues(t, 0, f.tvl(t))
	require.EqualValues(t, 60, f.balance(t, buyer))
	require.Empty(t, f.rec.Events())

	has, err := f.db.Has(tvlKey(tokenAddr))
	require.NoError(t, err)
	require.False(t, has, "a failed pull must not write the tvl record")

	f.flaky.failTransferFrom = false
	require.NoError(t, f.reg.BuyItemOnSale(id, buyer))
	require.EqualValues(t, 60, f.tvl(t))
}

func TestBuyWithoutAllowanceFails(t *testing.T) {
	f := newFixture(t)
	id, err := f.reg.CreateSale(seller, big.NewInt(60), tokenAddr, "")
	require.NoError(t, err)
	require.NoError(t, f.tok.Mint(buyer, big.NewInt(60)))
	err = f.reg.BuyItemOnSale(id, buyer)
	require.ErrorIs(t, err, token.ErrInsufficientAllowance)
	requireCode(t, err, CodeTransferFailed)
	require.Equal(t, StatusActive, f.status(t, id))
	require.EqualValues(t, 0, f.tvl(t))
}

func TestReleaseLeavesStateWhenPushFails(t *testing.T) {
	f := newFixture(t)
	id := f.listShipped(t, 80)
	f.flaky.failTransfer = true

	require.ErrorIs(t, f.reg.ConfirmReceivingItem(id, buyer), ErrTransferFailed)
	require.Equal(t, StatusSend, f.status(t, id))
	require.EqualValues(t, 80, f.tvl(t))
	require.EqualValues(t, 0, f.balance(t, seller))

	require.NoError(t, f.reg.ReportProblem(id, buyer, "never came"))
	require.ErrorIs(t, f.reg.ResolveDispute(id, deployer, true), ErrTransferFailed)
	require.Equal(t, StatusDisputeUnresolved, f.status(t, id))
	require.EqualValues(t, 80, f.tvl(t))

	f.flaky.failTransfer = false
	require.NoError(t, f.reg.ResolveDispute(id, deployer, true))
	require.EqualValues(t, 80, f.balance(t, buyer))
}

func TestConservationAcrossLifecycles(t *testing.T) {
	f := newFixture(t)
	check := func() {
		t.Helper()
		count, err := f.reg.SaleCount()
		require.NoError(t, err)
		expected := int64(0)
		for id := uint64(0); id < count; id++ {
			sale, err := f.reg.Sale(id)
			require.NoError(t, err)
			require.Equal(t, sale.Status != StatusActive && sale.Status != StatusCancelled, sale.HasBuyer())
			if sale.Status.Escrowed() {
				expected += sale.Price.Int64()
			}
		}
		require.Equal(t, expected, f.tvl(t))
		require.GreaterOrEqual(t, f.balance(t, custody), f.tvl(t))
	}

	a := f.listPaid(t, 10)
	check()
	b := f.listShipped(t, 20)
	check()
	c := f.listShipped(t, 30)
	check()
	d, err := f.reg.CreateSale(seller, big.NewInt(5), tokenAddr, "")
	require.NoError(t, err)
	check()

	require.NoError(t, f.reg.ConfirmSendingItem(a, seller))
	check()
	require.NoError(t, f.reg.ConfirmReceivingItem(a, buyer))
	check()
	require.NoError(t, f.reg.ReportProblem(b, seller, "dispute"))
	check()
	require.NoError(t, f.reg.ResolveDispute(b, deployer, true))
	check()
	require.NoError(t, f.reg.ReportProblem(c, buyer, "dispute"))
	check()
	require.NoError(t, f.reg.CancelSale(d, seller))
	check()

	require.EqualValues(t, 30, f.tvl(t))
	require.EqualValues(t, 10, f.balance(t, seller))
}

func TestUnknownSale(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.Sale(7)
	require.ErrorIs(t, err, ErrSaleNotFound)
	require.ErrorIs(t, f.reg.CancelSale(7, seller), ErrSaleNotFound)
	require.ErrorIs(t, f.reg.BuyItemOnSale(7, buyer), ErrSaleNotFound)
	_, err = f.reg.DisputeReason(7)
	require.ErrorIs(t, err, ErrSaleNotFound)
	requireCode(t, err, CodeSaleNotFound)
}

func TestPausedModuleRejectsMutations(t *testing.T) {
	f := newFixture(t)
	id, err := f.reg.CreateSale(seller, big.NewInt(10), tokenAddr, "")
	require.NoError(t, err)

	pauses := nativecommon.NewPauses(ModuleName)
	f.reg.SetPauses(pauses)
	require.ErrorIs(t, f.reg.CancelSale(id, seller), nativecommon.ErrModulePaused)
	_, err = f.reg.CreateSale(seller, big.NewInt(10), tokenAddr, "")
	require.ErrorIs(t, err, nativecommon.ErrModulePaused)
	require.Equal(t, StatusActive, f.status(t, id))

	pauses.Set(ModuleName, false)
	require.NoError(t, f.reg.CancelSale(id, seller))
}

func TestReceiveNativeRejected(t *testing.T) {
	f := newFixture(t)
	err := f.reg.ReceiveNative(buyer, big.NewInt(1))
	require.ErrorIs(t, err, ErrUnsupportedTransfer)
	requireCode(t, err, CodeNativeTransfer)
}

func TestSaleReturnsCopy(t *testing.T) {
	f := newFixture(t)
	id, err := f.reg.CreateSale(seller, big.NewInt(10), tokenAddr, "")
	require.NoError(t, err)
	sale, err := f.reg.Sale(id)
	require.NoError(t, err)
	sale.Price.SetInt64(999)
	sale.Status = StatusCancelled
	require.Equal(t, StatusActive, f.status(t, id))
	again, err := f.reg.Sale(id)
	require.NoError(t, err)
	require.EqualValues(t, 10, again.Price.Int64())
}

func TestEscrowAndStateLandInOneWrite(t *testing.T) {
	db := &failingDB{Database: storage.NewMemDB()}
	f := newFixtureOn(t, db)
	id, err := f.reg.CreateSale(seller, big.NewInt(100), tokenAddr, "")
	require.NoError(t, err)
	f.fund(t, buyer, 100)
	f.rec.Reset()

	db.arm(1)
	err = f.reg.BuyItemOnSale(id, buyer)
	require.ErrorIs(t, err, errDiskFull)
	requireCode(t, err, CodeTransferFailed)
	sale, err := f.reg.Sale(id)
	require.NoError(t, err)
	require.Equal(t, StatusActive, sale.Status)
	require.False(t, sale.HasBuyer())
	require.EqualValues(t, 0, f.tvl(t))
	require.EqualValues(t, 100, f.balance(t, buyer))
	require.EqualValues(t, 0, f.balance(t, custody))
	allowance, err := f.tok.Allowance(buyer, custody)
	require.NoError(t, err)
	require.EqualValues(t, 100, allowance.Int64())
	require.Empty(t, f.rec.Events())

	// A second write never happens: the pull and the sale update share one.
	db.arm(2)
	require.NoError(t, f.reg.BuyItemOnSale(id, buyer))
	require.Equal(t, 1, db.writes)
	require.Equal(t, StatusPayed, f.status(t, id))
	require.EqualValues(t, 100, f.tvl(t))
	require.EqualValues(t, 100, f.balance(t, custody))

	db.arm(0)
	require.NoError(t, f.reg.ConfirmSendingItem(id, seller))
	db.arm(1)
	require.ErrorIs(t, f.reg.ConfirmReceivingItem(id, buyer), errDiskFull)
	require.Equal(t, StatusSend, f.status(t, id))
	require.EqualValues(t, 100, f.tvl(t))
	require.EqualValues(t, 100, f.balance(t, custody))
	require.EqualValues(t, 0, f.balance(t, seller))

	db.arm(0)
	require.NoError(t, f.reg.ConfirmReceivingItem(id, buyer))
	require.EqualValues(t, 100, f.balance(t, seller))
	require.EqualValues(t, 0, f.tvl(t))
}

func TestCustodyCannotActAsCaller(t *testing.T) {
	f := newFixture(t)
	_, err := f.reg.CreateSale(custody, big.NewInt(10), tokenAddr, "")
	require.ErrorIs(t, err, ErrNotOwner)
	requireCode(t, err, CodeCustodyCaller)

	id, err := f.reg.CreateSale(seller, big.NewInt(10), tokenAddr, "")
	require.NoError(t, err)
	require.NoError(t, f.tok.Mint(custody, big.NewInt(10)))
	require.NoError(t, f.tok.Approve(custody, custody, big.NewInt(10)))
	err = f.reg.BuyItemOnSale(id, custody)
	var custodyErr *CustodyCallerError
	require.ErrorAs(t, err, &custodyErr)
	require.Equal(t, custody, custodyErr.Caller)
	require.Equal(t, StatusActive, f.status(t, id))
	require.EqualValues(t, 0, f.tvl(t))

	require.NoError(t, f.reg.BuyItemOnSale(id, buyer))
	requireCode(t, f.reg.ConfirmSendingItem(id, custody), CodeCustodyCaller)
	require.NoError(t, f.reg.ConfirmSendingItem(id, seller))
	requireCode(t, f.reg.ReportProblem(id, custody, "x"), CodeCustodyCaller)
	requireCode(t, f.reg.ConfirmReceivingItem(id, custody), CodeCustodyCaller)
	require.Equal(t, StatusSend, f.status(t, id))
}

func TestSetMetricsSeedsStoredTVL(t *testing.T) {
	f := newFixture(t)
	f.listPaid(t, 40)
	f.listPaid(t, 2)

	// A restarted process wires metrics onto a fresh registry over the same data.
	reg, err := New(f.db, TokenResolverFunc(func(common.Address) (Token, error) { return f.tok, nil }), roles.NewRegistry(f.db), custody)
	require.NoError(t, err)
	promReg := prometheus.NewRegistry()
	reg.SetMetrics(observability.NewMarketplaceMetrics(promReg))

	expected := `
# HELP itemmarket_marketplace_tvl Value currently locked in escrow per token, in base units.
# TYPE itemmarket_marketplace_tvl gauge
itemmarket_marketplace_tvl{token="0x00000000000000000000000000000000000000aa"} 42
`
	require.NoError(t, testutil.GatherAndCompare(promReg, strings.NewReader(expected), "itemmarket_marketplace_tvl"))
}
