package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"math"
	"math/big"
	"net/http"
	"strings"
	"time"

	"rentescrow/internal/escrow"
	"rentescrow/internal/idempotency"
	"rentescrow/internal/sigauth"

	"github.com/ethereum/go-ethereum/common"
	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
)

// operationRequest is the union of every mutating request body. Amounts are
// decimal strings in the smallest unit; durations are seconds.
type operationRequest struct {
	Value       string `json:"value,omitempty"`
	Tenant      string `json:"tenant,omitempty"`
	ItemID      string `json:"itemId,omitempty"`
	Duration    int64  `json:"duration,omitempty"`
	Deposit     string `json:"deposit,omitempty"`
	NewDuration int64  `json:"newDuration,omitempty"`
	Reason      string `json:"reason,omitempty"`
	TenantShare string `json:"tenantShare,omitempty"`
}

type rentalView struct {
	Address   string     `json:"address"`
	Tenant    string     `json:"tenant"`
	Owner     string     `json:"owner"`
	ItemID    string     `json:"itemId"`
	Amount    string     `json:"amount"`
	Duration  int64      `json:"duration"`
	Deposit   string     `json:"deposit"`
	Status    string     `json:"status"`
	StartTime *time.Time `json:"startTime,omitempty"`
}

func newRentalView(info escrow.RentalInfo) rentalView {
	v := rentalView{
		Address:  info.Address.Hex(),
		Tenant:   info.Tenant.Hex(),
		Owner:    info.Owner.Hex(),
		ItemID:   decimal(info.ItemID),
		Amount:   decimal(info.Amount),
		Duration: int64(info.Duration / time.Second),
		Deposit:  decimal(info.Deposit),
		Status:   info.Status.String(),
	}
	if !info.StartTime.IsZero() {
		start := info.StartTime
		v.StartTime = &start
	}
	return v
}

type errorBody struct {
	RequestID string `json:"request_id"`
	Error     struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
}

// badRequest marks a malformed request, as opposed to an escrow rejection.
type badRequest struct{ msg string }

func (b badRequest) Error() string { return b.msg }

func badRequestf(format string, args ...any) error {
	return badRequest{msg: fmt.Sprintf(format, args...)}
}

// operation runs one mutating call for caller and returns the status code and
// body of a successful response.
type operation func(r *http.Request, caller common.Address, req operationRequest) (int, any, error)

// mutation wraps an operation with body decoding and idempotent replay keyed
// by caller, path and X-Idempotency-Key.
func (s *Server) mutation(name string, op operation) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		clientKey := strings.TrimSpace(r.Header.Get("X-Idempotency-Key"))
		if clientKey == "" {
			s.writeError(w, r, http.StatusBadRequest, "MissingIdempotencyKey", "missing X-Idempotency-Key header")
			return
		}
		caller, ok := sigauth.CallerFrom(ctx)
		if !ok {
			s.writeError(w, r, http.StatusUnauthorized, "Unauthenticated", "no authenticated caller")
			return
		}

		body, err := io.ReadAll(r.Body)
		if err != nil {
			s.writeError(w, r, http.StatusBadRequest, "BadRequest", "unreadable body")
			return
		}

		key := idempotency.Key(caller.Hex(), r.URL.Path, clientKey)
		requestHash := idempotency.HashRequest(body)
		existing, err := idempotency.Begin(ctx, s.store, key, requestHash, time.Now().UTC(), s.cfg.Service.IdempotencyWindow)
		switch {
		case errors.Is(err, idempotency.ErrKeyReused):
			s.writeError(w, r, http.StatusUnprocessableEntity, "IdempotencyKeyReused", err.Error())
			return
		case errors.Is(err, idempotency.ErrInFlight):
			s.writeError(w, r, http.StatusConflict, "IdempotencyKeyInFlight", err.Error())
			return
		case err != nil:
			s.logger.Error("idempotency lookup", zap.String("operation", name), zap.Error(err))
			s.writeError(w, r, http.StatusServiceUnavailable, "IdempotencyUnavailable", "idempotency store unavailable")
			return
		case existing != nil:
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(existing.StatusCode)
			_, _ = w.Write(existing.Response)
			s.metrics.IncOperation(name, "cached")
			return
		}

		var req operationRequest
		if len(body) > 0 {
			if err := json.Unmarshal(body, &req); err != nil {
				s.release(ctx, name, key)
				s.writeError(w, r, http.StatusBadRequest, "BadRequest", "invalid json payload")
				return
			}
		}

		code, resp, err := op(r, caller, req)
		if err != nil {
			s.release(ctx, name, key)
			s.metrics.IncOperation(name, "failed")
			s.logger.Info("operation rejected",
				zap.String("operation", name),
				zap.String("caller", caller.Hex()),
				zap.String("request_id", r.Header.Get(requestIDHeader)),
				zap.Error(err),
			)
			s.writeFailure(w, r, err)
			return
		}

		payload, err := json.Marshal(resp)
		if err != nil {
			s.release(ctx, name, key)
			s.writeError(w, r, http.StatusInternalServerError, "Internal", "encode response")
			return
		}

		now := time.Now().UTC()
		record := idempotency.Record{
			StatusCode:  code,
			Response:    payload,
			RequestHash: requestHash,
			CreatedAt:   now,
			ExpiresAt:   now.Add(s.cfg.Service.IdempotencyWindow),
		}
		if err := s.store.Save(ctx, key, record); err != nil {
			s.logger.Warn("idempotency save", zap.String("operation", name), zap.Error(err))
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(code)
		_, _ = w.Write(payload)
		s.metrics.IncOperation(name, "ok")
	}
}

// release frees a key whose request produced no stored response, so the
// client can retry it.
func (s *Server) release(ctx context.Context, name, key string) {
	if err := s.store.Release(context.WithoutCancel(ctx), key); err != nil {
		s.logger.Warn("idempotency release", zap.String("operation", name), zap.Error(err))
	}
}

func (s *Server) createAgreement(r *http.Request, caller common.Address, req operationRequest) (int, any, error) {
	if !common.IsHexAddress(req.Tenant) {
		return 0, nil, fmt.Errorf("tenant %q: %w", req.Tenant, escrow.ErrInvalidParticipant)
	}
	value, err := parseAmount("value", req.Value)
	if err != nil {
		return 0, nil, err
	}
	itemID, err := parseAmount("itemId", req.ItemID)
	if err != nil {
		return 0, nil, err
	}
	deposit, err := parseAmount("deposit", req.Deposit)
	if err != nil {
		return 0, nil, err
	}
	duration, err := parseSeconds("duration", req.Duration)
	if err != nil {
		return 0, nil, err
	}

	addr, err := s.backend.CreateAgreement(r.Context(), escrow.Call{From: caller, Value: value}, escrow.CreateParams{
		Tenant:   common.HexToAddress(req.Tenant),
		ItemID:   itemID,
		Duration: duration,
		Deposit:  deposit,
	})
	if err != nil {
		return 0, nil, err
	}
	s.metrics.IncCreated()
	return s.viewAfter(r, addr, http.StatusCreated)
}

func (s *Server) payDeposit(r *http.Request, caller common.Address, req operationRequest) (int, any, error) {
	addr, value, err := s.target(r, req)
	if err != nil {
		return 0, nil, err
	}
	if err := s.backend.PayDeposit(r.Context(), addr, escrow.Call{From: caller, Value: value}); err != nil {
		return 0, nil, err
	}
	return s.viewAfter(r, addr, http.StatusOK)
}

func (s *Server) complete(r *http.Request, caller common.Address, req operationRequest) (int, any, error) {
	addr, value, err := s.target(r, req)
	if err != nil {
		return 0, nil, err
	}
	if err := s.backend.Complete(r.Context(), addr, escrow.Call{From: caller, Value: value}); err != nil {
		return 0, nil, err
	}
	return s.viewAfter(r, addr, http.StatusOK)
}

func (s *Server) cancel(r *http.Request, caller common.Address, req operationRequest) (int, any, error) {
	addr, value, err := s.target(r, req)
	if err != nil {
		return 0, nil, err
	}
	if err := s.backend.Cancel(r.Context(), addr, escrow.Call{From: caller, Value: value}, req.Reason); err != nil {
		return 0, nil, err
	}
	return s.viewAfter(r, addr, http.StatusOK)
}

func (s *Server) extend(r *http.Request, caller common.Address, req operationRequest) (int, any, error) {
	addr, value, err := s.target(r, req)
	if err != nil {
		return 0, nil, err
	}
	newDuration, err := parseSeconds("newDuration", req.NewDuration)
	if err != nil {
		return 0, nil, err
	}
	if err := s.backend.Extend(r.Context(), addr, escrow.Call{From: caller, Value: value}, newDuration); err != nil {
		return 0, nil, err
	}
	return s.viewAfter(r, addr, http.StatusOK)
}

func (s *Server) openDispute(r *http.Request, caller common.Address, req operationRequest) (int, any, error) {
	addr, value, err := s.target(r, req)
	if err != nil {
		return 0, nil, err
	}
	if err := s.backend.OpenDispute(r.Context(), addr, escrow.Call{From: caller, Value: value}, req.Reason); err != nil {
		return 0, nil, err
	}
	return s.viewAfter(r, addr, http.StatusOK)
}

func (s *Server) resolveDispute(r *http.Request, caller common.Address, req operationRequest) (int, any, error) {
	addr, value, err := s.target(r, req)
	if err != nil {
		return 0, nil, err
	}
	share, err := parseAmount("tenantShare", req.TenantShare)
	if err != nil {
		return 0, nil, err
	}
	if share == nil {
		return 0, nil, badRequestf("tenantShare is required")
	}
	if err := s.backend.ResolveDispute(r.Context(), addr, escrow.Call{From: caller, Value: value}, share); err != nil {
		return 0, nil, err
	}
	return s.viewAfter(r, addr, http.StatusOK)
}

func (s *Server) target(r *http.Request, req operationRequest) (common.Address, *big.Int, error) {
	addr, err := pathAddress(r)
	if err != nil {
		return common.Address{}, nil, err
	}
	value, err := parseAmount("value", req.Value)
	if err != nil {
		return common.Address{}, nil, err
	}
	return addr, value, nil
}

func (s *Server) viewAfter(r *http.Request, addr common.Address, code int) (int, any, error) {
	info, err := s.backend.RentalInfo(r.Context(), addr)
	if err != nil {
		return 0, nil, err
	}
	return code, newRentalView(info), nil
}

func (s *Server) handleAllAgreements(w http.ResponseWriter, r *http.Request) {
	all, err := s.backend.AllAgreements(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"agreements": hexList(all)})
}

func (s *Server) handleAgreementCount(w http.ResponseWriter, r *http.Request) {
	n, err := s.backend.AgreementCount(r.Context())
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]uint64{"count": n})
}

func (s *Server) handleRentalInfo(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	info, err := s.backend.RentalInfo(r.Context(), addr)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, newRentalView(info))
}

func (s *Server) handleContractBalance(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	bal, err := s.backend.ContractBalance(r.Context(), addr)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"address": addr.Hex(), "balance": decimal(bal)})
}

func (s *Server) handleEvents(w http.ResponseWriter, r *http.Request) {
	if s.events == nil {
		s.writeError(w, r, http.StatusNotImplemented, "EventsUnavailable", "no event store configured")
		return
	}
	addr, err := pathAddress(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	events, err := s.events.Events(r.Context(), addr)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	if events == nil {
		events = []escrow.Event{}
	}
	writeJSON(w, http.StatusOK, map[string]any{"events": events})
}

func (s *Server) handleParticipantAgreements(w http.ResponseWriter, r *http.Request) {
	addr, err := pathAddress(r)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	list, err := s.backend.ParticipantAgreements(r.Context(), addr)
	if err != nil {
		s.writeFailure(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"participant": addr.Hex(), "agreements": hexList(list)})
}

// statusFor maps an operation error onto an HTTP status.
func statusFor(err error) int {
	var br badRequest
	switch {
	case errors.As(err, &br):
		return http.StatusBadRequest
	case errors.Is(err, escrow.ErrNotOwner), errors.Is(err, escrow.ErrNotTenant),
		errors.Is(err, escrow.ErrNotArbiter), errors.Is(err, escrow.ErrUnauthorized):
		return http.StatusForbidden
	case errors.Is(err, escrow.ErrWrongState):
		return http.StatusConflict
	case errors.Is(err, escrow.ErrUnknownAgreement):
		return http.StatusNotFound
	case errors.Is(err, escrow.ErrWrongAmount), errors.Is(err, escrow.ErrPaymentRequired),
		errors.Is(err, escrow.ErrInvalidDuration), errors.Is(err, escrow.ErrInsufficientPayment),
		errors.Is(err, escrow.ErrInvalidParticipant), errors.Is(err, escrow.ErrInsufficientFunds):
		return http.StatusUnprocessableEntity
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) writeFailure(w http.ResponseWriter, r *http.Request, err error) {
	code := escrow.ErrorCode(err)
	var br badRequest
	switch {
	case errors.As(err, &br):
		code = "BadRequest"
	case code == "":
		code = "BackendError"
		s.logger.Error("backend failure", zap.String("path", r.URL.Path), zap.Error(err))
	}
	s.writeError(w, r, statusFor(err), code, err.Error())
}

func (s *Server) writeError(w http.ResponseWriter, r *http.Request, status int, code, message string) {
	var body errorBody
	body.RequestID = r.Header.Get(requestIDHeader)
	body.Error.Code = code
	body.Error.Message = message
	writeJSON(w, status, body)
}

func pathAddress(r *http.Request) (common.Address, error) {
	raw := chi.URLParam(r, "address")
	if !common.IsHexAddress(raw) {
		return common.Address{}, badRequestf("invalid address %q", raw)
	}
	return common.HexToAddress(raw), nil
}

func parseAmount(field, raw string) (*big.Int, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	v, ok := new(big.Int).SetString(raw, 10)
	if !ok {
		return nil, badRequestf("%s must be a decimal integer", field)
	}
	return v, nil
}

// maxSeconds is the largest whole-second count a time.Duration can hold.
const maxSeconds = math.MaxInt64 / int64(time.Second)

func parseSeconds(field string, secs int64) (time.Duration, error) {
	if secs > maxSeconds || secs < -maxSeconds {
		return 0, badRequestf("%s must be at most %d seconds", field, maxSeconds)
	}
	return time.Duration(secs) * time.Second, nil
}

func decimal(v *big.Int) string {
	if v == nil {
		return "0"
	}
	return v.String()
}

func hexList(addrs []common.Address) []string {
	out := make([]string, len(addrs))
	for i, a := range addrs {
		out[i] = a.Hex()
	}
	return out
}
