package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"go.uber.org/zap"
)

// Options configures a Registry. Zero values fall back to an in-memory
// ledger, the wall clock, pro-rata extension pricing and the amount going to
// the tenant on completion.
type Options struct {
	// Address seeds agreement address derivation.
	Address common.Address
	Ledger  Ledger
	Clock   func() time.Time
	Pricer  ExtensionPricer
	Policy  SettlementPolicy
	// Arbiter is the only identity allowed to open and resolve disputes.
	// The zero address disables arbitration.
	Arbiter common.Address
	Sink    Sink
	Logger  *zap.Logger
}

// environment is shared by the registry and every agreement it creates.
type environment struct {
	ledger  Ledger
	clock   func() time.Time
	pricer  ExtensionPricer
	policy  SettlementPolicy
	arbiter common.Address
	sink    Sink
	logger  *zap.Logger
}

func (e *environment) now() time.Time {
	return e.clock().UTC()
}

func (e *environment) isArbiter(addr common.Address) bool {
	return e.arbiter != (common.Address{}) && addr == e.arbiter
}

func (e *environment) publish(ctx context.Context, events ...Event) {
	if e.sink == nil || len(events) == 0 {
		return
	}
	if err := e.sink.Publish(ctx, events...); err != nil {
		e.logger.Error("publish events", zap.String("agreement", events[0].Agreement.Hex()), zap.Error(err))
	}
}

// Registry creates agreements and keeps the append-only indexes used to
// enumerate them.
type Registry struct {
	env     *environment
	address common.Address

	mu            sync.RWMutex
	nonce         uint64
	all           []common.Address
	byParticipant map[common.Address][]common.Address
	agreements    map[common.Address]*Agreement
}

func NewRegistry(opts Options) *Registry {
	env := &environment{
		ledger:  opts.Ledger,
		clock:   opts.Clock,
		pricer:  opts.Pricer,
		policy:  opts.Policy,
		arbiter: opts.Arbiter,
		sink:    opts.Sink,
		logger:  opts.Logger,
	}
	if env.ledger == nil {
		env.ledger = NewMemoryLedger()
	}
	if env.clock == nil {
		env.clock = time.Now
	}
	if env.pricer == nil {
		env.pricer = ProRataPricer{}
	}
	if env.logger == nil {
		env.logger = zap.NewNop()
	}
	return &Registry{
		env:           env,
		address:       opts.Address,
		byParticipant: make(map[common.Address][]common.Address),
		agreements:    make(map[common.Address]*Agreement),
	}
}

// Ledger exposes the value substrate the registry settles against.
func (r *Registry) Ledger() Ledger {
	return r.env.ledger
}

// CreateAgreement opens a new agreement owned by the caller. The value
// attached to the call becomes the rental amount and is moved into custody.
func (r *Registry) CreateAgreement(ctx context.Context, call Call, p CreateParams) (common.Address, error) {
	if p.Tenant == (common.Address{}) || p.Tenant == call.From || call.From == (common.Address{}) {
		return common.Address{}, ErrInvalidParticipant
	}
	if isNegative(p.ItemID) {
		return common.Address{}, fmt.Errorf("negative item id: %w", ErrInvalidParticipant)
	}
	if p.Duration < 0 {
		return common.Address{}, fmt.Errorf("negative duration: %w", ErrInvalidDuration)
	}
	if isNegative(p.Deposit) {
		return common.Address{}, fmt.Errorf("negative deposit: %w", ErrWrongAmount)
	}
	amount := call.value()
	if amount.Sign() <= 0 {
		return common.Address{}, ErrPaymentRequired
	}

	r.mu.Lock()
	addr := crypto.CreateAddress(r.address, r.nonce)
	if err := r.env.ledger.Apply(ctx, []Transfer{{From: call.From, To: addr, Amount: amount}}); err != nil {
		r.mu.Unlock()
		return common.Address{}, fmt.Errorf("fund agreement: %w", err)
	}

	a := &Agreement{
		env:        r.env,
		address:    addr,
		owner:      call.From,
		tenant:     p.Tenant,
		itemID:     cloneInt(p.ItemID),
		amount:     new(big.Int).Set(amount),
		deposit:    cloneInt(p.Deposit),
		extensions: new(big.Int),
		duration:   p.Duration,
		status:     StatusCreated,
	}
	ev := a.eventLocked(EventRentalCreated, fields{}.
		addr("tenant", a.tenant).
		addr("owner", a.owner).
		num("itemId", a.itemID).
		addr("agreementId", addr))

	r.nonce++
	r.agreements[addr] = a
	r.all = append(r.all, addr)
	r.byParticipant[a.owner] = append(r.byParticipant[a.owner], addr)
	r.byParticipant[a.tenant] = append(r.byParticipant[a.tenant], addr)
	r.mu.Unlock()

	r.env.logger.Info("agreement created",
		zap.String("agreement", addr.Hex()),
		zap.String("owner", a.owner.Hex()),
		zap.String("tenant", a.tenant.Hex()),
		zap.String("amount", a.amount.String()),
	)
	r.env.publish(ctx, ev)
	return addr, nil
}

// Agreement looks up an agreement by address.
func (r *Registry) Agreement(addr common.Address) (*Agreement, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	a, ok := r.agreements[addr]
	if !ok {
		return nil, fmt.Errorf("%s: %w", addr.Hex(), ErrUnknownAgreement)
	}
	return a, nil
}

func (r *Registry) AgreementCount() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.all)
}

// ParticipantAgreements lists, in creation order, the agreements in which
// addr is owner or tenant.
func (r *Registry) ParticipantAgreements(addr common.Address) []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]common.Address{}, r.byParticipant[addr]...)
}

// AllAgreements lists every agreement in creation order.
func (r *Registry) AllAgreements() []common.Address {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return append([]common.Address{}, r.all...)
}
