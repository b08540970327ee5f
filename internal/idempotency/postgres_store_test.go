package idempotency

import (
	"context"
	"os"
	"testing"
	"time"

	"rentescrow/internal/db"
)

func TestPostgresStoreLifecycle(t *testing.T) {
	dsn := os.Getenv("POSTGRES_TEST_DSN")
	if dsn == "" {
		t.Skip("POSTGRES_TEST_DSN not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	pool, err := db.NewPool(ctx, dsn, 2)
	if err != nil {
		t.Fatalf("pool: %v", err)
	}
	defer pool.Close()

	store, err := NewPostgresStore(ctx, pool)
	if err != nil {
		t.Fatalf("new store: %v", err)
	}

	key := Key("0xabc", "create", "test-key")
	rec := Record{
		StatusCode:  201,
		Response:    []byte("payload"),
		RequestHash: HashRequest([]byte("payload")),
		CreatedAt:   time.Now().UTC(),
		ExpiresAt:   time.Now().Add(time.Minute).UTC(),
	}

	if err := store.Save(ctx, key, rec); err != nil {
		t.Fatalf("save: %v", err)
	}

	got, err := store.Get(ctx, key)
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if got == nil || got.StatusCode != rec.StatusCode || got.RequestHash != rec.RequestHash {
		t.Fatalf("unexpected record: %#v", got)
	}

	other := Key("0xabc", "create", "reserve-key")
	_, _ = pool.Exec(ctx, `DELETE FROM idempotency_records WHERE key = $1`, other)
	ok, err := store.Reserve(ctx, other, Record{RequestHash: "h", CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().Add(time.Minute).UTC()})
	if err != nil || !ok {
		t.Fatalf("reserve: %v, %v", ok, err)
	}
	if ok, _ := store.Reserve(ctx, other, Record{RequestHash: "h", CreatedAt: time.Now().UTC(), ExpiresAt: time.Now().Add(time.Minute).UTC()}); ok {
		t.Fatalf("expected held key to stay reserved")
	}
	if err := store.Release(ctx, other); err != nil {
		t.Fatalf("release: %v", err)
	}
	if got, _ := store.Get(ctx, other); got != nil {
		t.Fatalf("expected released key to be gone, got %#v", got)
	}
}
