package idempotency

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"strings"
	"sync"
	"time"
)

var (
	// ErrKeyReused is returned when a key is replayed with a different request.
	ErrKeyReused = errors.New("idempotency key reused with a different request")
	// ErrInFlight is returned while another request holds the key.
	ErrInFlight = errors.New("idempotency key is being processed")
)

// Record holds a stored response together with the hash of the request that
// produced it. A zero StatusCode marks a reservation whose response is not
// known yet.
type Record struct {
	StatusCode  int       `json:"statusCode"`
	Response    []byte    `json:"response"`
	RequestHash string    `json:"requestHash"`
	CreatedAt   time.Time `json:"createdAt"`
	ExpiresAt   time.Time `json:"expiresAt"`
}

// Store abstracts idempotency persistence. Get returns nil, nil for unknown
// or expired keys. Reserve stores record only if key has no live record and
// reports whether it did. Release drops a reservation that never got a
// response.
type Store interface {
	Get(ctx context.Context, key string) (*Record, error)
	Save(ctx context.Context, key string, record Record) error
	Reserve(ctx context.Context, key string, record Record) (bool, error)
	Release(ctx context.Context, key string) error
}

// Pending reports whether the record is a reservation without a response.
func (r Record) Pending() bool {
	return r.StatusCode == 0
}

// Key scopes a client key to the caller and endpoint so two callers can
// never replay each other's responses.
func Key(caller, endpoint, clientKey string) string {
	return strings.ToLower(caller) + "|" + endpoint + "|" + clientKey
}

// HashRequest fingerprints a request body.
func HashRequest(body []byte) string {
	sum := sha256.Sum256(body)
	return hex.EncodeToString(sum[:])
}

// Lookup returns the stored record for key if it was produced by the same
// request, ErrKeyReused if the key belongs to another request, ErrInFlight if
// the same request is still running, and nil, nil when there is nothing to
// replay.
func Lookup(ctx context.Context, st Store, key, requestHash string) (*Record, error) {
	rec, err := st.Get(ctx, key)
	if err != nil || rec == nil {
		return nil, err
	}
	if rec.RequestHash != "" && rec.RequestHash != requestHash {
		return nil, ErrKeyReused
	}
	if rec.Pending() {
		return nil, ErrInFlight
	}
	return rec, nil
}

// Begin claims key for a new request. It returns the stored record when the
// request was already answered, nil, nil when the caller now holds the key
// and must Save or Release it, and the Lookup errors otherwise.
func Begin(ctx context.Context, st Store, key, requestHash string, now time.Time, window time.Duration) (*Record, error) {
	rec, err := Lookup(ctx, st, key, requestHash)
	if err != nil || rec != nil {
		return rec, err
	}
	reserved, err := st.Reserve(ctx, key, Record{
		RequestHash: requestHash,
		CreatedAt:   now,
		ExpiresAt:   now.Add(window),
	})
	if err != nil {
		return nil, err
	}
	if reserved {
		return nil, nil
	}
	// Lost the race; report whatever the winner left behind.
	rec, err = Lookup(ctx, st, key, requestHash)
	if err != nil || rec != nil {
		return rec, err
	}
	return nil, ErrInFlight
}

// MemoryStore is mostly for testing.
type MemoryStore struct {
	mu   sync.RWMutex
	data map[string]Record
	now  func() time.Time
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		data: make(map[string]Record),
		now:  time.Now,
	}
}

func (m *MemoryStore) Get(_ context.Context, key string) (*Record, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	rec, ok := m.data[key]
	if !ok {
		return nil, nil
	}
	if m.now().After(rec.ExpiresAt) {
		return nil, nil
	}
	return &rec, nil
}

func (m *MemoryStore) Save(_ context.Context, key string, record Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.data[key] = record
	return nil
}

func (m *MemoryStore) Reserve(_ context.Context, key string, record Record) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && !m.now().After(rec.ExpiresAt) {
		return false, nil
	}
	m.data[key] = record
	return true, nil
}

func (m *MemoryStore) Release(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if rec, ok := m.data[key]; ok && rec.Pending() {
		delete(m.data, key)
	}
	return nil
}
