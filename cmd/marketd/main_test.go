package main

import (
	"bytes"
	"encoding/json"
	"io"
	"log/slog"
	"math/big"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"

	"itemmarket/config"
	"itemmarket/gateway/middleware"
	"itemmarket/native/marketplace"
)

var (
	testAdmin  = "0x0000000000000000000000000000000000000001"
	testSeller = common.HexToAddress("0x0000000000000000000000000000000000000002")
)

func testConfig(t *testing.T) *config.Config {
	t.Helper()
	dir := t.TempDir()
	cfg := config.Default()
	cfg.DataDir = dir
	cfg.JournalPath = filepath.Join(dir, "journal", "events.db")
	cfg.Admins = []string{testAdmin}
	cfg.DisputeResolvers = []string{testAdmin}
	cfg.Observability.Metrics = false
	cfg.Observability.LogRequests = false
	require.NoError(t, cfg.Validate())
	return cfg
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func TestNewAppServesMarketplace(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, discardLogger())
	require.NoError(t, err)
	defer a.Close()

	body, err := json.Marshal(map[string]string{"price": "25", "token": cfg.Tokens[0].Address, "description": "desk"})
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, "/v1/sales", bytes.NewReader(body))
	req.Header.Set(middleware.CallerHeader, testSeller.Hex())
	rec := httptest.NewRecorder()
	a.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())

	rec = httptest.NewRecorder()
	a.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/v1/sales/0/events", nil))
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	require.Contains(t, rec.Body.String(), marketplace.EventTypeSaleCreated)
}

func TestNewAppGrantsConfiguredRoles(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, discardLogger())
	require.NoError(t, err)
	defer a.Close()

	rec := httptest.NewRecorder()
	req := httptest.NewRequest(http.MethodPost, "/v1/tokens/"+cfg.Tokens[0].Address+"/withdraw-redundant", nil)
	req.Header.Set(middleware.CallerHeader, testAdmin)
	a.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
}

func TestNewAppReopensState(t *testing.T) {
	cfg := testConfig(t)
	a, err := newApp(cfg, discardLogger())
	require.NoError(t, err)
	_, err = a.registry.CreateSale(testSeller, big.NewInt(1), common.HexToAddress(cfg.Tokens[0].Address), "")
	require.NoError(t, err)
	a.Close()

	a, err = newApp(cfg, discardLogger())
	require.NoError(t, err)
	defer a.Close()
	count, err := a.registry.SaleCount()
	require.NoError(t, err)
	require.Equal(t, uint64(1), count)
}

func TestNewAppPausedModule(t *testing.T) {
	cfg := testConfig(t)
	cfg.PausedModules = []string{marketplace.ModuleName}
	a, err := newApp(cfg, discardLogger())
	require.NoError(t, err)
	defer a.Close()

	_, err = a.registry.CreateSale(testSeller, big.NewInt(1), common.HexToAddress(cfg.Tokens[0].Address), "")
	require.Error(t, err)
}
