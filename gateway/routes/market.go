package routes

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"strconv"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"itemmarket/gateway/middleware"
	nativecommon "itemmarket/native/common"
	"itemmarket/native/marketplace"
	"itemmarket/native/token"
	"itemmarket/storage/journal"
)

const maxBodyBytes = 1 << 16

type marketAPI struct {
	registry *marketplace.Registry
	tokens   TokenStore
	roles    marketplace.RoleChecker
	journal  EventLog
	logger   *slog.Logger
}

type saleResponse struct {
	ID          uint64 `json:"id"`
	Seller      string `json:"seller"`
	Price       string `json:"price"`
	Token       string `json:"token"`
	Status      string `json:"status"`
	StatusCode  uint8  `json:"statusCode"`
	Description string `json:"description"`
	Buyer       string `json:"buyer,omitempty"`
}

func newSaleResponse(s *marketplace.Sale) saleResponse {
	resp := saleResponse{
		ID:          s.ID,
		Seller:      hexAddr(s.Seller),
		Price:       s.Price.String(),
		Token:       hexAddr(s.Token),
		Status:      s.Status.String(),
		StatusCode:  uint8(s.Status),
		Description: s.Description,
	}
	if s.HasBuyer() {
		resp.Buyer = hexAddr(s.Buyer)
	}
	return resp
}

type createSaleRequest struct {
	Price       string `json:"price"`
	Token       string `json:"token"`
	Description string `json:"description"`
}

type priceRequest struct {
	Price string `json:"price"`
}

type disputeRequest struct {
	Reason string `json:"reason"`
}

type resolveRequest struct {
	IsBuyerRight *bool `json:"isBuyerRight"`
}

type amountRequest struct {
	To      string `json:"to"`
	Spender string `json:"spender"`
	Amount  string `json:"amount"`
}

type nativeRequest struct {
	Amount string `json:"amount"`
}

func (a *marketAPI) createSale(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requireCaller(w, r)
	if !ok {
		return
	}
	var req createSaleRequest
	if !a.decode(w, r, &req) {
		return
	}
	price, err := parseAmount(req.Price)
	if err != nil {
		writeBadRequest(w, "price: "+err.Error())
		return
	}
	tokenAddr, err := parseAddress(req.Token)
	if err != nil {
		writeBadRequest(w, "token: "+err.Error())
		return
	}
	id, err := a.registry.CreateSale(caller, price, tokenAddr, req.Description)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, map[string]uint64{"id": id})
}

func (a *marketAPI) getSale(w http.ResponseWriter, r *http.Request) {
	id, ok := saleID(w, r)
	if !ok {
		return
	}
	sale, err := a.registry.Sale(id)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSaleResponse(sale))
}

func (a *marketAPI) getDispute(w http.ResponseWriter, r *http.Request) {
	id, ok := saleID(w, r)
	if !ok {
		return
	}
	reason, err := a.registry.DisputeReason(id)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "reason": reason})
}

func (a *marketAPI) getSaleEvents(w http.ResponseWriter, r *http.Request) {
	id, ok := saleID(w, r)
	if !ok {
		return
	}
	if a.journal == nil {
		middleware.WriteError(w, http.StatusServiceUnavailable, "JOURNAL_DISABLED", "event journal not configured")
		return
	}
	if _, err := a.registry.Sale(id); err != nil {
		a.writeDomainError(w, err)
		return
	}
	entries, err := a.journal.ForSale(r.Context(), id)
	if err != nil {
		a.writeInternal(w, err)
		return
	}
	if entries == nil {
		entries = []journal.Entry{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"id": id, "events": entries})
}

func (a *marketAPI) modifyPrice(w http.ResponseWriter, r *http.Request) {
	a.saleAction(w, r, func(id uint64, caller common.Address) error {
		var req priceRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		price, err := parseAmount(req.Price)
		if err != nil {
			return badRequest("price: " + err.Error())
		}
		return a.registry.ModifySalePrice(id, caller, price)
	})
}

func (a *marketAPI) cancelSale(w http.ResponseWriter, r *http.Request) {
	a.saleAction(w, r, a.registry.CancelSale)
}

func (a *marketAPI) buy(w http.ResponseWriter, r *http.Request) {
	a.saleAction(w, r, a.registry.BuyItemOnSale)
}

func (a *marketAPI) confirmSend(w http.ResponseWriter, r *http.Request) {
	a.saleAction(w, r, a.registry.ConfirmSendingItem)
}

func (a *marketAPI) confirmReceive(w http.ResponseWriter, r *http.Request) {
	a.saleAction(w, r, a.registry.ConfirmReceivingItem)
}

func (a *marketAPI) reportProblem(w http.ResponseWriter, r *http.Request) {
	a.saleAction(w, r, func(id uint64, caller common.Address) error {
		var req disputeRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		return a.registry.ReportProblem(id, caller, req.Reason)
	})
}

func (a *marketAPI) resolveDispute(w http.ResponseWriter, r *http.Request) {
	a.saleAction(w, r, func(id uint64, caller common.Address) error {
		var req resolveRequest
		if err := decodeBody(r, &req); err != nil {
			return err
		}
		if req.IsBuyerRight == nil {
			return badRequest("isBuyerRight required")
		}
		return a.registry.ResolveDispute(id, caller, *req.IsBuyerRight)
	})
}

// saleAction runs a mutating sale operation and answers with the updated sale.
func (a *marketAPI) saleAction(w http.ResponseWriter, r *http.Request, op func(uint64, common.Address) error) {
	caller, ok := a.requireCaller(w, r)
	if !ok {
		return
	}
	id, ok := saleID(w, r)
	if !ok {
		return
	}
	if err := op(id, caller); err != nil {
		a.writeDomainError(w, err)
		return
	}
	sale, err := a.registry.Sale(id)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, newSaleResponse(sale))
}

func (a *marketAPI) receiveNative(w http.ResponseWriter, r *http.Request) {
	caller, _ := middleware.CallerFromContext(r.Context())
	var req nativeRequest
	if err := decodeBody(r, &req); err != nil {
		a.writeDomainError(w, err)
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		amount = big.NewInt(0)
	}
	if err := a.registry.ReceiveNative(caller, amount); err != nil {
		a.writeDomainError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (a *marketAPI) getTVL(w http.ResponseWriter, r *http.Request) {
	tokenAddr, ok := pathAddress(w, r, "token")
	if !ok {
		return
	}
	locked, err := a.registry.TVL(tokenAddr)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	redundant, err := a.registry.RedundantFunds(tokenAddr)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":     hexAddr(tokenAddr),
		"tvl":       locked.String(),
		"redundant": redundant.String(),
	})
}

func (a *marketAPI) withdrawRedundant(w http.ResponseWriter, r *http.Request) {
	caller, ok := a.requireCaller(w, r)
	if !ok {
		return
	}
	tokenAddr, ok := pathAddress(w, r, "token")
	if !ok {
		return
	}
	amount, err := a.registry.WithdrawRedundantTokens(tokenAddr, caller)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"token": hexAddr(tokenAddr), "amount": amount.String()})
}

func (a *marketAPI) approve(w http.ResponseWriter, r *http.Request) {
	a.tokenAction(w, r, func(tok *token.Token, caller common.Address, req amountRequest, amount *big.Int) error {
		spender, err := parseAddress(req.Spender)
		if err != nil {
			return badRequest("spender: " + err.Error())
		}
		return tok.Approve(caller, spender, amount)
	})
}

func (a *marketAPI) transfer(w http.ResponseWriter, r *http.Request) {
	a.tokenAction(w, r, func(tok *token.Token, caller common.Address, req amountRequest, amount *big.Int) error {
		to, err := parseAddress(req.To)
		if err != nil {
			return badRequest("to: " + err.Error())
		}
		return tok.Transfer(caller, to, amount)
	})
}

func (a *marketAPI) mint(w http.ResponseWriter, r *http.Request) {
	a.tokenAction(w, r, func(tok *token.Token, caller common.Address, req amountRequest, amount *big.Int) error {
		if !a.roles.HasRole(marketplace.AdminRole, caller) {
			return &marketplace.RoleError{Account: caller, Role: marketplace.AdminRole}
		}
		to, err := parseAddress(req.To)
		if err != nil {
			return badRequest("to: " + err.Error())
		}
		return tok.Mint(to, amount)
	})
}

func (a *marketAPI) tokenAction(w http.ResponseWriter, r *http.Request, op func(*token.Token, common.Address, amountRequest, *big.Int) error) {
	caller, ok := a.requireCaller(w, r)
	if !ok {
		return
	}
	// Escrowed balances only leave custody through the engine.
	if caller == a.registry.Ledger().Custody() {
		a.writeDomainError(w, &marketplace.CustodyCallerError{Caller: caller})
		return
	}
	tokenAddr, ok := pathAddress(w, r, "token")
	if !ok {
		return
	}
	tok, err := a.tokens.Lookup(tokenAddr)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	var req amountRequest
	if !a.decode(w, r, &req) {
		return
	}
	amount, err := parseAmount(req.Amount)
	if err != nil {
		writeBadRequest(w, "amount: "+err.Error())
		return
	}
	if err := op(tok, caller, req, amount); err != nil {
		a.writeDomainError(w, err)
		return
	}
	balance, err := tok.BalanceOf(caller)
	if err != nil {
		a.writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"holder": hexAddr(caller), "balance": balance.String()})
}

func (a *marketAPI) balance(w http.ResponseWriter, r *http.Request) {
	tokenAddr, ok := pathAddress(w, r, "token")
	if !ok {
		return
	}
	holder, ok := pathAddress(w, r, "holder")
	if !ok {
		return
	}
	tok, err := a.tokens.Lookup(tokenAddr)
	if err != nil {
		a.writeDomainError(w, err)
		return
	}
	balance, err := tok.BalanceOf(holder)
	if err != nil {
		a.writeInternal(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"token":   hexAddr(tokenAddr),
		"holder":  hexAddr(holder),
		"balance": balance.String(),
	})
}

func (a *marketAPI) requireCaller(w http.ResponseWriter, r *http.Request) (common.Address, bool) {
	caller, ok := middleware.CallerFromContext(r.Context())
	if !ok {
		middleware.WriteError(w, http.StatusUnauthorized, "UNAUTHENTICATED", "caller required")
		return common.Address{}, false
	}
	return caller, true
}

func (a *marketAPI) decode(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := decodeBody(r, dst); err != nil {
		a.writeDomainError(w, err)
		return false
	}
	return true
}

// badRequestError marks malformed input detected by the HTTP layer.
type badRequestError struct{ msg string }

func (e *badRequestError) Error() string { return e.msg }

func badRequest(msg string) error { return &badRequestError{msg: msg} }

func writeBadRequest(w http.ResponseWriter, msg string) {
	middleware.WriteError(w, http.StatusBadRequest, "BAD_REQUEST", msg)
}

func decodeBody(r *http.Request, dst any) error {
	if r.Body == nil {
		return nil
	}
	dec := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes))
	dec.DisallowUnknownFields()
	if err := dec.Decode(dst); err != nil && !errors.Is(err, io.EOF) {
		return badRequest("invalid json body: " + err.Error())
	}
	return nil
}

// statusFor maps engine and token errors onto HTTP statuses.
func statusFor(err error) int {
	var bad *badRequestError
	switch {
	case errors.As(err, &bad):
		return http.StatusBadRequest
	case errors.Is(err, marketplace.ErrSaleNotFound), errors.Is(err, token.ErrUnknownToken):
		return http.StatusNotFound
	case errors.Is(err, marketplace.ErrNotOwner), errors.Is(err, marketplace.ErrMissingRole):
		return http.StatusForbidden
	case errors.Is(err, marketplace.ErrInvalidState), errors.Is(err, marketplace.ErrNoRedundantFunds):
		return http.StatusConflict
	case errors.Is(err, marketplace.ErrInvalidPrice),
		errors.Is(err, marketplace.ErrZeroCaller),
		errors.Is(err, token.ErrZeroAddress),
		errors.Is(err, token.ErrNegativeAmount),
		errors.Is(err, token.ErrOverflow):
		return http.StatusBadRequest
	case errors.Is(err, marketplace.ErrTransferFailed),
		errors.Is(err, token.ErrInsufficientBalance),
		errors.Is(err, token.ErrInsufficientAllowance):
		return http.StatusUnprocessableEntity
	case errors.Is(err, marketplace.ErrUnsupportedTransfer):
		return http.StatusMethodNotAllowed
	case errors.Is(err, nativecommon.ErrModulePaused):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func codeFor(err error, status int) string {
	if code := marketplace.CodeOf(err); code != "" {
		return code
	}
	switch status {
	case http.StatusBadRequest:
		return "BAD_REQUEST"
	case http.StatusNotFound:
		return "NOT_FOUND"
	case http.StatusUnprocessableEntity:
		return "TRANSFER_FAILED"
	case http.StatusServiceUnavailable:
		return "PAUSED"
	default:
		return "INTERNAL"
	}
}

func (a *marketAPI) writeDomainError(w http.ResponseWriter, err error) {
	status := statusFor(err)
	if status == http.StatusInternalServerError {
		a.writeInternal(w, err)
		return
	}
	middleware.WriteError(w, status, codeFor(err, status), err.Error())
}

func (a *marketAPI) writeInternal(w http.ResponseWriter, err error) {
	a.logger.Error("request failed", slog.Any("error", err))
	middleware.WriteError(w, http.StatusInternalServerError, "INTERNAL", "internal error")
}

func writeJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(body)
}

func saleID(w http.ResponseWriter, r *http.Request) (uint64, bool) {
	id, err := strconv.ParseUint(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeBadRequest(w, "invalid sale id")
		return 0, false
	}
	return id, true
}

func pathAddress(w http.ResponseWriter, r *http.Request, param string) (common.Address, bool) {
	addr, err := parseAddress(chi.URLParam(r, param))
	if err != nil {
		writeBadRequest(w, param+": "+err.Error())
		return common.Address{}, false
	}
	return addr, true
}

func parseAddress(raw string) (common.Address, error) {
	trimmed := strings.TrimSpace(raw)
	if !common.IsHexAddress(trimmed) {
		return common.Address{}, fmt.Errorf("invalid address %q", raw)
	}
	return common.HexToAddress(trimmed), nil
}

func parseAmount(raw string) (*big.Int, error) {
	trimmed := strings.TrimSpace(raw)
	if trimmed == "" {
		return nil, errors.New("amount required")
	}
	v, ok := new(big.Int).SetString(trimmed, 10)
	if !ok {
		return nil, fmt.Errorf("invalid amount %q", raw)
	}
	return v, nil
}

func hexAddr(addr common.Address) string { return strings.ToLower(addr.Hex()) }
