package server

import (
	"bytes"
	"context"
	"crypto/ecdsa"
	"encoding/json"
	"errors"
	"math/big"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"
	"testing"
	"time"

	"rentescrow/internal/config"
	"rentescrow/internal/escrow"
	"rentescrow/internal/idempotency"
	"rentescrow/internal/sigauth"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type harness struct {
	handler  http.Handler
	registry *escrow.Registry
	store    *idempotency.MemoryStore
	owner    *ecdsa.PrivateKey
	tenant   *ecdsa.PrivateKey
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	ownerKey, err := crypto.GenerateKey()
	require.NoError(t, err)
	tenantKey, err := crypto.GenerateKey()
	require.NoError(t, err)

	ledger := escrow.NewMemoryLedger()
	ledger.Fund(crypto.PubkeyToAddress(ownerKey.PublicKey), big.NewInt(1_000))
	ledger.Fund(crypto.PubkeyToAddress(tenantKey.PublicKey), big.NewInt(1_000))

	sink := escrow.NewMemorySink()
	registry := escrow.NewRegistry(escrow.Options{
		Address: common.HexToAddress("0x00000000000000000000000000000000000000fa"),
		Ledger:  ledger,
		Sink:    sink,
	})

	cfg := &config.AppConfig{
		Service: config.ServiceConfig{
			SignatureSkew:     time.Minute,
			IdempotencyWindow: time.Minute,
		},
	}
	store := idempotency.NewMemoryStore()
	srv := NewServer(cfg, escrow.NewLocalBackend(registry), store, Options{
		Events:     sink,
		QueueDepth: func() int { return 2 },
	})
	return &harness{handler: srv.Handler(), registry: registry, store: store, owner: ownerKey, tenant: tenantKey}
}

func (h *harness) post(t *testing.T, key *ecdsa.PrivateKey, path, idemKey string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := signedRequest(t, key, path, idemKey, payload)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	return rec
}

// signedRequest builds a POST to path carrying the signature headers a
// wallet would send for it.
func signedRequest(t *testing.T, key *ecdsa.PrivateKey, path, idemKey string, payload []byte) *http.Request {
	t.Helper()
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	ts := strconv.FormatInt(time.Now().Unix(), 10)
	sig, err := sigauth.Sign(key, sigauth.Message{
		Method:         http.MethodPost,
		Path:           path,
		Timestamp:      ts,
		IdempotencyKey: idemKey,
		Body:           payload,
	})
	require.NoError(t, err)
	req.Header.Set(sigauth.HeaderTimestamp, ts)
	req.Header.Set(sigauth.HeaderSignature, sig)
	req.Header.Set(sigauth.HeaderCaller, crypto.PubkeyToAddress(key.PublicKey).Hex())
	if idemKey != "" {
		req.Header.Set(sigauth.HeaderIdempotencyKey, idemKey)
	}
	return req
}

func (h *harness) get(t *testing.T, path string) *httptest.ResponseRecorder {
	t.Helper()
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, path, nil))
	return rec
}

func (h *harness) create(t *testing.T, idemKey string) string {
	t.Helper()
	rec := h.post(t, h.owner, "/api/v1/agreements", idemKey, map[string]any{
		"tenant":   crypto.PubkeyToAddress(h.tenant.PublicKey).Hex(),
		"itemId":   "42",
		"duration": 3600,
		"deposit":  "10",
		"value":    "100",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	var view rentalView
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &view))
	return view.Address
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v), rec.Body.String())
	return v
}

func TestRentalLifecycleOverHTTP(t *testing.T) {
	h := newHarness(t)
	addr := h.create(t, "create-1")
	base := "/api/v1/agreements/" + addr

	info := decode[rentalView](t, h.get(t, base))
	assert.Equal(t, "CREATED", info.Status)
	assert.Equal(t, "100", info.Amount)
	assert.Equal(t, int64(3600), info.Duration)
	assert.Nil(t, info.StartTime)

	rec := h.post(t, h.tenant, base+"/deposit", "dep-1", map[string]string{"value": "10"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	info = decode[rentalView](t, rec)
	assert.Equal(t, "ACTIVE", info.Status)
	assert.NotNil(t, info.StartTime)

	bal := decode[map[string]string](t, h.get(t, base+"/balance"))
	assert.Equal(t, "110", bal["balance"])

	rec = h.post(t, h.owner, base+"/complete", "done-1", map[string]string{})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "COMPLETED", decode[rentalView](t, rec).Status)

	bal = decode[map[string]string](t, h.get(t, base+"/balance"))
	assert.Equal(t, "0", bal["balance"])

	events := decode[struct {
		Events []escrow.Event `json:"events"`
	}](t, h.get(t, base+"/events"))
	require.Len(t, events.Events, 4)
	assert.Equal(t, escrow.EventRentalCreated, events.Events[0].Kind)
	assert.Equal(t, escrow.EventDepositRefunded, events.Events[3].Kind)

	count := decode[map[string]uint64](t, h.get(t, "/api/v1/agreements/count"))
	assert.Equal(t, uint64(1), count["count"])

	all := decode[map[string][]string](t, h.get(t, "/api/v1/agreements"))
	assert.Equal(t, []string{addr}, all["agreements"])

	tenantAddr := crypto.PubkeyToAddress(h.tenant.PublicKey).Hex()
	mine := decode[map[string]any](t, h.get(t, "/api/v1/participants/"+tenantAddr+"/agreements"))
	assert.Equal(t, []any{addr}, mine["agreements"])
}

func TestMutationIdempotency(t *testing.T) {
	h := newHarness(t)
	body := map[string]any{
		"tenant": crypto.PubkeyToAddress(h.tenant.PublicKey).Hex(),
		"value":  "100",
	}

	first := h.post(t, h.owner, "/api/v1/agreements", "same-key", body)
	require.Equal(t, http.StatusCreated, first.Code, first.Body.String())
	second := h.post(t, h.owner, "/api/v1/agreements", "same-key", body)
	require.Equal(t, http.StatusCreated, second.Code)
	assert.Equal(t, first.Body.String(), second.Body.String())
	assert.Equal(t, 1, h.registry.AgreementCount())

	body["value"] = "200"
	reused := h.post(t, h.owner, "/api/v1/agreements", "same-key", body)
	require.Equal(t, http.StatusUnprocessableEntity, reused.Code)
	assert.Equal(t, "IdempotencyKeyReused", decode[errorBody](t, reused).Error.Code)

	// The same client key from another caller is a different request.
	other := h.post(t, h.tenant, "/api/v1/agreements", "same-key", map[string]any{
		"tenant": crypto.PubkeyToAddress(h.owner.PublicKey).Hex(),
		"value":  "5",
	})
	require.Equal(t, http.StatusCreated, other.Code, other.Body.String())
	assert.Equal(t, 2, h.registry.AgreementCount())

	missing := h.post(t, h.owner, "/api/v1/agreements", "", body)
	require.Equal(t, http.StatusBadRequest, missing.Code)
	assert.Equal(t, "MissingIdempotencyKey", decode[errorBody](t, missing).Error.Code)
}

func TestErrorMapping(t *testing.T) {
	h := newHarness(t)
	addr := h.create(t, "create-1")
	base := "/api/v1/agreements/" + addr

	tests := []struct {
		name   string
		key    *ecdsa.PrivateKey
		path   string
		body   map[string]string
		status int
		code   string
	}{
		{"tenant completes", h.tenant, base + "/complete", nil, http.StatusForbidden, "NotOwner"},
		{"owner pays deposit", h.owner, base + "/deposit", map[string]string{"value": "10"}, http.StatusForbidden, "NotTenant"},
		{"complete before deposit", h.owner, base + "/complete", nil, http.StatusConflict, "WrongState"},
		{"short deposit", h.tenant, base + "/deposit", map[string]string{"value": "9"}, http.StatusUnprocessableEntity, "WrongAmount"},
		{"extend before deposit", h.tenant, base + "/extend", map[string]string{}, http.StatusConflict, "WrongState"},
		{"unknown agreement", h.owner, "/api/v1/agreements/0x00000000000000000000000000000000000000dd/complete", nil, http.StatusNotFound, "UnknownAgreement"},
		{"bad address", h.owner, "/api/v1/agreements/nope/complete", nil, http.StatusBadRequest, "BadRequest"},
		{"bad amount", h.tenant, base + "/deposit", map[string]string{"value": "ten"}, http.StatusBadRequest, "BadRequest"},
	}

	for i, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			rec := h.post(t, tc.key, tc.path, "err-"+strconv.Itoa(i), tc.body)
			require.Equal(t, tc.status, rec.Code, rec.Body.String())
			body := decode[errorBody](t, rec)
			assert.Equal(t, tc.code, body.Error.Code)
			assert.NotEmpty(t, body.RequestID)
		})
	}

	info := decode[rentalView](t, h.get(t, base))
	assert.Equal(t, "CREATED", info.Status)
}

func TestUnsignedMutationRejected(t *testing.T) {
	h := newHarness(t)
	req := httptest.NewRequest(http.MethodPost, "/api/v1/agreements", bytes.NewReader([]byte(`{}`)))
	req.Header.Set("X-Idempotency-Key", "k")
	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Zero(t, h.registry.AgreementCount())
}

func TestSignatureBoundToAgreement(t *testing.T) {
	h := newHarness(t)
	first := "/api/v1/agreements/" + h.create(t, "create-a") + "/cancel"
	second := "/api/v1/agreements/" + h.create(t, "create-b") + "/cancel"

	payload := []byte(`{"reason":"changed plans"}`)
	signed := signedRequest(t, h.owner, first, "cancel-a", payload)

	for _, idemKey := range []string{"cancel-a", "cancel-b"} {
		t.Run(idemKey, func(t *testing.T) {
			replay := httptest.NewRequest(http.MethodPost, second, bytes.NewReader(payload))
			replay.Header = signed.Header.Clone()
			replay.Header.Set(sigauth.HeaderIdempotencyKey, idemKey)
			rec := httptest.NewRecorder()
			h.handler.ServeHTTP(rec, replay)
			require.Equal(t, http.StatusUnauthorized, rec.Code, rec.Body.String())
		})
	}

	assert.Equal(t, "CREATED", decode[rentalView](t, h.get(t, strings.TrimSuffix(second, "/cancel"))).Status)

	rec := httptest.NewRecorder()
	h.handler.ServeHTTP(rec, signed)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
	assert.Equal(t, "CANCELLED", decode[rentalView](t, rec).Status)
}

func TestDurationOverflowRejected(t *testing.T) {
	h := newHarness(t)
	tenant := crypto.PubkeyToAddress(h.tenant.PublicKey).Hex()

	rec := h.post(t, h.owner, "/api/v1/agreements", "too-long", map[string]any{
		"tenant":   tenant,
		"duration": int64(18446744074),
		"value":    "100",
	})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "BadRequest", decode[errorBody](t, rec).Error.Code)
	assert.Zero(t, h.registry.AgreementCount())

	rec = h.post(t, h.owner, "/api/v1/agreements", "longest", map[string]any{
		"tenant":   tenant,
		"duration": maxSeconds,
		"value":    "100",
	})
	require.Equal(t, http.StatusCreated, rec.Code, rec.Body.String())
	assert.Equal(t, maxSeconds, decode[rentalView](t, rec).Duration)

	addr := h.create(t, "create-1")
	base := "/api/v1/agreements/" + addr
	rec = h.post(t, h.tenant, base+"/deposit", "dep-1", map[string]string{"value": "10"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	rec = h.post(t, h.tenant, base+"/extend", "ext-1", map[string]any{"newDuration": int64(18446744074)})
	require.Equal(t, http.StatusBadRequest, rec.Code, rec.Body.String())
	assert.Equal(t, "BadRequest", decode[errorBody](t, rec).Error.Code)
	assert.Equal(t, int64(3600), decode[rentalView](t, h.get(t, base)).Duration)
}

func TestIdempotencyKeyInFlight(t *testing.T) {
	h := newHarness(t)
	body := map[string]any{
		"tenant": crypto.PubkeyToAddress(h.tenant.PublicKey).Hex(),
		"value":  "100",
	}
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	key := idempotency.Key(crypto.PubkeyToAddress(h.owner.PublicKey).Hex(), "/api/v1/agreements", "busy")
	held, err := h.store.Reserve(context.Background(), key, idempotency.Record{
		RequestHash: idempotency.HashRequest(payload),
		CreatedAt:   time.Now(),
		ExpiresAt:   time.Now().Add(time.Minute),
	})
	require.NoError(t, err)
	require.True(t, held)

	rec := h.post(t, h.owner, "/api/v1/agreements", "busy", body)
	require.Equal(t, http.StatusConflict, rec.Code, rec.Body.String())
	assert.Equal(t, "IdempotencyKeyInFlight", decode[errorBody](t, rec).Error.Code)
	assert.Zero(t, h.registry.AgreementCount())
}

func TestConcurrentRetriesRunOnce(t *testing.T) {
	h := newHarness(t)
	body := map[string]any{
		"tenant": crypto.PubkeyToAddress(h.tenant.PublicKey).Hex(),
		"value":  "100",
	}

	const n = 8
	codes := make([]int, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		i := i
		wg.Add(1)
		go func() {
			defer wg.Done()
			codes[i] = h.post(t, h.owner, "/api/v1/agreements", "retry", body).Code
		}()
	}
	wg.Wait()

	for _, code := range codes {
		assert.Contains(t, []int{http.StatusCreated, http.StatusConflict}, code)
	}
	assert.Contains(t, codes, http.StatusCreated)
	assert.Equal(t, 1, h.registry.AgreementCount())
}

func TestFailedOperationFreesKey(t *testing.T) {
	h := newHarness(t)
	base := "/api/v1/agreements/" + h.create(t, "create-1")

	rec := h.post(t, h.tenant, base+"/deposit", "dep", map[string]string{"value": "9"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())

	rec = h.post(t, h.tenant, base+"/deposit", "dep", map[string]string{"value": "9"})
	require.Equal(t, http.StatusUnprocessableEntity, rec.Code, rec.Body.String())
	assert.Equal(t, "WrongAmount", decode[errorBody](t, rec).Error.Code)

	rec = h.post(t, h.tenant, base+"/deposit", "dep-2", map[string]string{"value": "10"})
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())
}

func TestStatusFor(t *testing.T) {
	assert.Equal(t, http.StatusForbidden, statusFor(escrow.ErrNotArbiter))
	assert.Equal(t, http.StatusUnprocessableEntity, statusFor(escrow.ErrInsufficientPayment))
	assert.Equal(t, http.StatusBadGateway, statusFor(errors.New("rpc down")))
}

type failingPinger struct{ escrow.Backend }

func (failingPinger) Ping(context.Context) error { return errors.New("rpc unreachable") }

func TestHealth(t *testing.T) {
	h := newHarness(t)
	rec := h.get(t, "/api/v1/health")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	assert.Equal(t, "healthy", body["status"])
	assert.Equal(t, float64(2), body["queue_depth"])
	assert.NotEmpty(t, rec.Header().Get(requestIDHeader))

	cfg := &config.AppConfig{Service: config.ServiceConfig{SignatureSkew: time.Minute}}
	degraded := NewServer(cfg, failingPinger{escrow.NewLocalBackend(h.registry)}, idempotency.NewMemoryStore(), Options{})
	rec = httptest.NewRecorder()
	degraded.Handler().ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/api/v1/health", nil))
	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	assert.Contains(t, rec.Body.String(), "rpc unreachable")
}

func TestMetricsEndpoint(t *testing.T) {
	h := newHarness(t)
	h.create(t, "create-1")

	rec := h.get(t, "/api/v1/metrics")
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), `rentescrow_operations_total{operation="create",result="ok"} 1`)
	assert.Contains(t, rec.Body.String(), "rentescrow_agreements_created_total 1")
}
