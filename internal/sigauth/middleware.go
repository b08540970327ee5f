// Package sigauth resolves the caller identity of a request from a wallet
// signature over the request method, path, timestamp, idempotency key and body.
package sigauth

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/common/hexutil"
	"github.com/ethereum/go-ethereum/crypto"
)

const (
	HeaderSignature = "X-Request-Signature"
	HeaderTimestamp = "X-Request-Timestamp"
	HeaderCaller    = "X-Caller-Address"
	// HeaderIdempotencyKey is signed along with the request so a signature
	// cannot be reused under another key.
	HeaderIdempotencyKey = "X-Idempotency-Key"
)

var (
	ErrMissingSignature = errors.New("missing request signature")
	ErrMissingTimestamp = errors.New("missing request timestamp")
	ErrStaleTimestamp   = errors.New("stale request timestamp")
	ErrInvalidSignature = errors.New("invalid request signature")
	ErrCallerMismatch   = errors.New("signature does not match caller address")
)

type callerKey struct{}

// WithCaller stores the authenticated caller in ctx.
func WithCaller(ctx context.Context, addr common.Address) context.Context {
	return context.WithValue(ctx, callerKey{}, addr)
}

// CallerFrom returns the caller stored by the middleware.
func CallerFrom(ctx context.Context) (common.Address, bool) {
	addr, ok := ctx.Value(callerKey{}).(common.Address)
	return addr, ok
}

// Message is what a wallet signs for one request. The signature binds the
// method, path, timestamp and idempotency key to the body, so it only
// authorizes that exact request.
type Message struct {
	Method         string
	Path           string
	Timestamp      string
	IdempotencyKey string
	Body           []byte
}

func (m Message) bytes() []byte {
	head := m.Method + "\n" + m.Path + "\n" + m.Timestamp + "\n" + m.IdempotencyKey + "\n"
	out := make([]byte, 0, len(head)+len(m.Body))
	out = append(out, head...)
	return append(out, m.Body...)
}

// Verifier recovers the signer of a request Message (EIP-191 personal
// message), checks it against X-Caller-Address and exposes it as the request
// caller. With Insecure set the caller is taken from X-Caller-Address without
// a signature, which is only meant for local development.
type Verifier struct {
	MaxSkew  time.Duration
	Now      func() time.Time
	Insecure bool
}

func (v *Verifier) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		caller, err := v.verify(r)
		if err != nil {
			http.Error(w, err.Error(), http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r.WithContext(WithCaller(r.Context(), caller)))
	})
}

func (v *Verifier) verify(r *http.Request) (common.Address, error) {
	claimed := strings.TrimSpace(r.Header.Get(HeaderCaller))
	if v.Insecure {
		if !common.IsHexAddress(claimed) {
			return common.Address{}, ErrCallerMismatch
		}
		return common.HexToAddress(claimed), nil
	}

	sigHex := r.Header.Get(HeaderSignature)
	if sigHex == "" {
		return common.Address{}, ErrMissingSignature
	}
	tsHeader := r.Header.Get(HeaderTimestamp)
	if tsHeader == "" {
		return common.Address{}, ErrMissingTimestamp
	}
	ts, err := strconv.ParseInt(tsHeader, 10, 64)
	if err != nil {
		return common.Address{}, ErrMissingTimestamp
	}

	now := time.Now()
	if v.Now != nil {
		now = v.Now()
	}
	reqTime := time.Unix(ts, 0)
	if now.Sub(reqTime) > v.MaxSkew || reqTime.Sub(now) > v.MaxSkew {
		return common.Address{}, ErrStaleTimestamp
	}

	body, err := readBody(r)
	if err != nil {
		return common.Address{}, err
	}

	signer, err := Recover(Message{
		Method:         r.Method,
		Path:           r.URL.Path,
		Timestamp:      tsHeader,
		IdempotencyKey: r.Header.Get(HeaderIdempotencyKey),
		Body:           body,
	}, sigHex)
	if err != nil {
		return common.Address{}, err
	}
	// Recovery always yields some address, so a request signed over other
	// inputs is caught by comparing against the address the caller claims.
	if !common.IsHexAddress(claimed) || common.HexToAddress(claimed) != signer {
		return common.Address{}, ErrCallerMismatch
	}
	return signer, nil
}

// Sign produces the signature header value for a request, as a wallet would.
func Sign(key *ecdsa.PrivateKey, msg Message) (string, error) {
	sig, err := crypto.Sign(accounts.TextHash(msg.bytes()), key)
	if err != nil {
		return "", err
	}
	sig[crypto.RecoveryIDOffset] += 27
	return hexutil.Encode(sig), nil
}

// Recover returns the address that signed msg.
func Recover(msg Message, sigHex string) (common.Address, error) {
	sig, err := hexutil.Decode(sigHex)
	if err != nil || len(sig) != crypto.SignatureLength {
		return common.Address{}, ErrInvalidSignature
	}
	if sig[crypto.RecoveryIDOffset] >= 27 {
		sig[crypto.RecoveryIDOffset] -= 27
	}
	pub, err := crypto.SigToPub(accounts.TextHash(msg.bytes()), sig)
	if err != nil {
		return common.Address{}, ErrInvalidSignature
	}
	return crypto.PubkeyToAddress(*pub), nil
}

func readBody(r *http.Request) ([]byte, error) {
	if r.Body == nil {
		return []byte{}, nil
	}
	defer r.Body.Close()
	body, err := io.ReadAll(r.Body)
	if err != nil {
		return nil, err
	}
	r.Body = io.NopCloser(strings.NewReader(string(body)))
	return body, nil
}
