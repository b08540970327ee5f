// Package relay delivers agreement events to downstream sinks with retry and
// parks batches that cannot be delivered in a dead-letter directory.
package relay

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"rentescrow/internal/escrow"

	"go.uber.org/zap"
)

type Config struct {
	MaxAttempts       int
	InitialBackoff    time.Duration
	MaxBackoff        time.Duration
	BackoffMultiplier int
	DLQPath           string
}

// Observer receives delivery outcomes; the metrics registry implements it.
type Observer interface {
	IncRetry(result string)
	IncEvent(kind string)
	SetDLQDepth(depth int)
}

// Target is a named downstream sink.
type Target struct {
	Name string
	Sink escrow.Sink
}

type permanentError struct{ err error }

func (p permanentError) Error() string { return p.err.Error() }
func (p permanentError) Unwrap() error { return p.err }

// Permanent marks err as not worth retrying.
func Permanent(err error) error {
	if err == nil {
		return nil
	}
	return permanentError{err: err}
}

type Relay struct {
	cfg      Config
	targets  []Target
	observer Observer
	logger   *zap.Logger
}

func New(cfg Config, logger *zap.Logger, observer Observer, targets ...Target) *Relay {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Relay{cfg: cfg, targets: targets, observer: observer, logger: logger}
}

// Publish implements escrow.Sink. Each target gets the whole batch; a target
// that keeps failing has the batch written to the DLQ instead, so Publish
// only fails when the DLQ write itself fails.
func (r *Relay) Publish(ctx context.Context, events ...escrow.Event) error {
	if len(events) == 0 {
		return nil
	}
	if r.observer != nil {
		for _, ev := range events {
			r.observer.IncEvent(string(ev.Kind))
		}
	}

	var errs []error
	for _, t := range r.targets {
		err := r.deliverWithRetry(ctx, t, events)
		if err == nil {
			continue
		}
		r.logger.Warn("event delivery failed",
			zap.String("target", t.Name),
			zap.String("agreement", events[0].Agreement.Hex()),
			zap.Error(err),
		)
		if dlqErr := r.writeDLQ(t.Name, events, err); dlqErr != nil {
			errs = append(errs, fmt.Errorf("%s: %w", t.Name, dlqErr))
		}
	}
	return errors.Join(errs...)
}

func (r *Relay) deliverWithRetry(ctx context.Context, t Target, events []escrow.Event) error {
	attempts := r.cfg.MaxAttempts
	if attempts <= 0 {
		attempts = 1
	}

	backoff := r.cfg.InitialBackoff
	if backoff <= 0 {
		backoff = 500 * time.Millisecond
	}

	for i := 1; i <= attempts; i++ {
		err := t.Sink.Publish(ctx, events...)
		if err == nil {
			r.incRetry("success")
			return nil
		}
		if !isRetryable(err) || i == attempts {
			r.incRetry("failed")
			return err
		}

		r.incRetry("retry")
		sleep := backoff
		if r.cfg.MaxBackoff > 0 && sleep > r.cfg.MaxBackoff {
			sleep = r.cfg.MaxBackoff
		}
		select {
		case <-time.After(sleep):
		case <-ctx.Done():
			return ctx.Err()
		}

		if r.cfg.BackoffMultiplier > 1 {
			backoff = backoff * time.Duration(r.cfg.BackoffMultiplier)
		}
	}

	return fmt.Errorf("exhausted retries")
}

func isRetryable(err error) bool {
	if err == nil {
		return false
	}
	var p permanentError
	if errors.As(err, &p) {
		return false
	}
	return !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded)
}

func (r *Relay) incRetry(result string) {
	if r.observer != nil {
		r.observer.IncRetry(result)
	}
}

type dlqEntry struct {
	Timestamp time.Time      `json:"timestamp"`
	Target    string         `json:"target"`
	Events    []escrow.Event `json:"events"`
	Error     string         `json:"error"`
}

func (r *Relay) writeDLQ(target string, events []escrow.Event, deliverErr error) error {
	if r.cfg.DLQPath == "" {
		return fmt.Errorf("no dlq configured: %w", deliverErr)
	}

	entry := dlqEntry{
		Timestamp: time.Now().UTC(),
		Target:    target,
		Events:    events,
		Error:     deliverErr.Error(),
	}
	data, err := json.MarshalIndent(entry, "", "  ")
	if err != nil {
		return fmt.Errorf("dlq marshal: %w", err)
	}
	if err := os.MkdirAll(r.cfg.DLQPath, 0o755); err != nil {
		return fmt.Errorf("dlq mkdir: %w", err)
	}

	filename := fmt.Sprintf("%d-%s-%s-%d.json", time.Now().UnixNano(), target, events[0].Agreement.Hex(), events[0].Seq)
	if err := os.WriteFile(filepath.Join(r.cfg.DLQPath, filename), data, 0o600); err != nil {
		return fmt.Errorf("dlq write: %w", err)
	}

	r.UpdateDLQDepth()
	return nil
}

// Redrive re-delivers every parked batch to its target and removes the
// entries that now succeed. It returns how many entries were delivered.
func (r *Relay) Redrive(ctx context.Context) (int, error) {
	files, err := r.dlqFiles()
	if err != nil {
		return 0, err
	}

	delivered := 0
	for _, path := range files {
		raw, err := os.ReadFile(path)
		if err != nil {
			return delivered, err
		}
		var entry dlqEntry
		if err := json.Unmarshal(raw, &entry); err != nil {
			r.logger.Warn("skip unreadable dlq entry", zap.String("path", path), zap.Error(err))
			continue
		}
		target, ok := r.target(entry.Target)
		if !ok {
			r.logger.Warn("skip dlq entry for unknown target", zap.String("target", entry.Target))
			continue
		}
		if err := r.deliverWithRetry(ctx, target, entry.Events); err != nil {
			r.logger.Warn("redrive failed", zap.String("path", path), zap.Error(err))
			continue
		}
		if err := os.Remove(path); err != nil {
			return delivered, err
		}
		delivered++
	}
	r.UpdateDLQDepth()
	return delivered, nil
}

func (r *Relay) target(name string) (Target, bool) {
	for _, t := range r.targets {
		if t.Name == name {
			return t, true
		}
	}
	return Target{}, false
}

// UpdateDLQDepth recounts the DLQ and reports it to the observer.
func (r *Relay) UpdateDLQDepth() int {
	files, err := r.dlqFiles()
	if err != nil {
		r.logger.Warn("dlq read", zap.Error(err))
	}
	depth := len(files)
	if r.observer != nil {
		r.observer.SetDLQDepth(depth)
	}
	return depth
}

func (r *Relay) dlqFiles() ([]string, error) {
	if r.cfg.DLQPath == "" {
		return nil, nil
	}
	entries, err := os.ReadDir(r.cfg.DLQPath)
	if errors.Is(err, os.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var out []string
	for _, e := range entries {
		if e.IsDir() || !strings.HasSuffix(e.Name(), ".json") {
			continue
		}
		out = append(out, filepath.Join(r.cfg.DLQPath, e.Name()))
	}
	sort.Strings(out)
	return out, nil
}
