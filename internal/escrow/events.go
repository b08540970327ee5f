package escrow

import (
	"context"
	"math/big"
	"sort"
	"strconv"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
)

// EventKind names an observable agreement event.
type EventKind string

const (
	EventRentalCreated   EventKind = "RentalCreated"
	EventDepositPaid     EventKind = "DepositPaid"
	EventRentalCompleted EventKind = "RentalCompleted"
	EventDepositRefunded EventKind = "DepositRefunded"
	EventRentalCancelled EventKind = "RentalCancelled"
	EventRentalExtended  EventKind = "RentalExtended"
	EventDisputeOpened   EventKind = "DisputeOpened"
	EventDisputeResolved EventKind = "DisputeResolved"
)

type eventParam struct {
	name string
	typ  string
}

// eventSchemas fixes the field set of every event kind, in order.
var eventSchemas = map[EventKind][]eventParam{
	EventRentalCreated:   {{"tenant", "address"}, {"owner", "address"}, {"itemId", "uint256"}, {"agreementId", "address"}},
	EventDepositPaid:     {{"tenant", "address"}, {"amount", "uint256"}},
	EventRentalCompleted: {{"tenant", "address"}, {"amount", "uint256"}},
	EventDepositRefunded: {{"recipient", "address"}, {"amount", "uint256"}},
	EventRentalCancelled: {{"initiator", "address"}, {"reason", "string"}},
	EventRentalExtended:  {{"tenant", "address"}, {"newDuration", "uint256"}, {"payment", "uint256"}},
	EventDisputeOpened:   {{"initiator", "address"}, {"reason", "string"}},
	EventDisputeResolved: {{"tenantShare", "uint256"}, {"ownerShare", "uint256"}},
}

// Signature renders the Solidity-style event signature, e.g.
// "DepositPaid(address,uint256)".
func (k EventKind) Signature() string {
	params := eventSchemas[k]
	sig := string(k) + "("
	for i, p := range params {
		if i > 0 {
			sig += ","
		}
		sig += p.typ
	}
	return sig + ")"
}

// Topic is the keccak256 hash of the signature, as used for log topic 0.
func (k EventKind) Topic() common.Hash {
	return crypto.Keccak256Hash([]byte(k.Signature()))
}

// FieldNames lists the field set of the kind in declaration order.
func (k EventKind) FieldNames() []string {
	params := eventSchemas[k]
	out := make([]string, len(params))
	for i, p := range params {
		out[i] = p.name
	}
	return out
}

// ResultingStatus is the agreement status right after an event of kind k.
func (k EventKind) ResultingStatus() (Status, bool) {
	switch k {
	case EventRentalCreated:
		return StatusCreated, true
	case EventDepositPaid, EventRentalExtended:
		return StatusActive, true
	case EventRentalCompleted, EventDepositRefunded, EventDisputeResolved:
		return StatusCompleted, true
	case EventRentalCancelled:
		return StatusCancelled, true
	case EventDisputeOpened:
		return StatusDisputed, true
	default:
		return 0, false
	}
}

// Event is one entry of an agreement's event stream. Seq is per agreement and
// starts at zero with RentalCreated.
type Event struct {
	Agreement common.Address    `json:"agreement"`
	Seq       uint64            `json:"seq"`
	Kind      EventKind         `json:"kind"`
	At        time.Time         `json:"at"`
	Fields    map[string]string `json:"fields"`
}

// Sink receives events after the state change that produced them is final.
type Sink interface {
	Publish(ctx context.Context, events ...Event) error
}

// EventReader lists the recorded events of one agreement in order.
type EventReader interface {
	Events(ctx context.Context, agreement common.Address) ([]Event, error)
}

type fields map[string]string

func (f fields) addr(name string, v common.Address) fields {
	f[name] = v.Hex()
	return f
}

func (f fields) num(name string, v *big.Int) fields {
	f[name] = cloneInt(v).String()
	return f
}

func (f fields) seconds(name string, d time.Duration) fields {
	f[name] = strconv.FormatInt(int64(d/time.Second), 10)
	return f
}

func (f fields) str(name, v string) fields {
	f[name] = v
	return f
}

// MemorySink records every published event in process.
type MemorySink struct {
	mu     sync.RWMutex
	events map[common.Address][]Event
	total  int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{events: make(map[common.Address][]Event)}
}

func (m *MemorySink) Publish(_ context.Context, events ...Event) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, ev := range events {
		m.events[ev.Agreement] = append(m.events[ev.Agreement], ev)
		m.total++
	}
	return nil
}

func (m *MemorySink) Events(_ context.Context, agreement common.Address) ([]Event, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := append([]Event(nil), m.events[agreement]...)
	sort.SliceStable(out, func(i, j int) bool { return out[i].Seq < out[j].Seq })
	return out, nil
}

// Len returns the number of events recorded across all agreements.
func (m *MemorySink) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.total
}
