package routes

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"

	"itemmarket/gateway/middleware"
	"itemmarket/native/marketplace"
	"itemmarket/native/token"
	"itemmarket/storage/journal"
)

// TokenStore resolves token ledgers for the token endpoints.
type TokenStore interface {
	Lookup(address common.Address) (*token.Token, error)
}

// EventLog serves journaled events for a sale.
type EventLog interface {
	ForSale(ctx context.Context, id uint64) ([]journal.Entry, error)
}

type Config struct {
	Registry      *marketplace.Registry
	Tokens        TokenStore
	Roles         marketplace.RoleChecker
	Journal       EventLog
	Authenticator *middleware.Authenticator
	RateLimiter   *middleware.RateLimiter
	Observability *middleware.Observability
	CORS          middleware.CORSConfig
	Logger        *slog.Logger
}

// Rate limit groups.
const (
	RateLimitSales  = "sales"
	RateLimitTokens = "tokens"
)

func New(cfg Config) (http.Handler, error) {
	if cfg.Registry == nil {
		return nil, fmt.Errorf("routes: marketplace registry required")
	}
	if cfg.Tokens == nil || cfg.Roles == nil {
		return nil, fmt.Errorf("routes: token store and role checker required")
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	api := &marketAPI{
		registry: cfg.Registry,
		tokens:   cfg.Tokens,
		roles:    cfg.Roles,
		journal:  cfg.Journal,
		logger:   cfg.Logger,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.CORS(cfg.CORS))
	if cfg.Observability != nil {
		r.Use(cfg.Observability.Middleware)
	}
	if cfg.Authenticator != nil {
		r.Use(cfg.Authenticator.Middleware)
	}

	r.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	if cfg.Observability != nil {
		r.Handle("/metrics", cfg.Observability.MetricsHandler())
	}

	r.Route("/v1", func(v1 chi.Router) {
		v1.Group(func(sr chi.Router) {
			if cfg.RateLimiter != nil {
				sr.Use(cfg.RateLimiter.Middleware(RateLimitSales))
			}
			sr.Post("/sales", api.createSale)
			sr.Route("/sales/{id}", func(sale chi.Router) {
				sale.Get("/", api.getSale)
				sale.Get("/dispute", api.getDispute)
				sale.Get("/events", api.getSaleEvents)
				sale.Patch("/price", api.modifyPrice)
				sale.Post("/cancel", api.cancelSale)
				sale.Post("/buy", api.buy)
				sale.Post("/send", api.confirmSend)
				sale.Post("/receive", api.confirmReceive)
				sale.Post("/dispute", api.reportProblem)
				sale.Post("/resolve", api.resolveDispute)
			})
			sr.Post("/native", api.receiveNative)
		})
		v1.Group(func(sr chi.Router) {
			if cfg.RateLimiter != nil {
				sr.Use(cfg.RateLimiter.Middleware(RateLimitTokens))
			}
			sr.Get("/tvl/{token}", api.getTVL)
			sr.Route("/tokens/{token}", func(tok chi.Router) {
				tok.Post("/withdraw-redundant", api.withdrawRedundant)
				tok.Post("/approve", api.approve)
				tok.Post("/transfer", api.transfer)
				tok.Post("/mint", api.mint)
				tok.Get("/balances/{holder}", api.balance)
			})
		})
	})

	return r, nil
}
