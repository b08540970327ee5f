package escrow

import (
	"context"
	"fmt"
	"math/big"
	"sync"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"go.uber.org/zap"
)

// Agreement is a single rental escrow. It custodies the owner's amount, the
// tenant's deposit and any extension payments on the ledger under its own
// address, and only moves them through the gated operations below.
type Agreement struct {
	env *environment

	mu         sync.Mutex
	address    common.Address
	owner      common.Address
	tenant     common.Address
	itemID     *big.Int
	amount     *big.Int
	deposit    *big.Int
	extensions *big.Int
	duration   time.Duration
	status     Status
	startTime  time.Time
	nextSeq    uint64
}

func (a *Agreement) Address() common.Address {
	return a.address
}

// RentalInfo returns a copy of the agreement record.
func (a *Agreement) RentalInfo() RentalInfo {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.infoLocked()
}

// ContractBalance returns the value currently custodied by the agreement.
func (a *Agreement) ContractBalance() *big.Int {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.balanceLocked()
}

// Status returns the current lifecycle status.
func (a *Agreement) Status() Status {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.status
}

// PayDeposit activates a CREATED agreement. The tenant must attach exactly
// the deposit; both over- and under-payment are rejected.
func (a *Agreement) PayDeposit(ctx context.Context, call Call) error {
	a.mu.Lock()
	if a.roleOf(call.From) != RoleTenant {
		a.mu.Unlock()
		return ErrNotTenant
	}
	if a.status != StatusCreated {
		a.mu.Unlock()
		return fmt.Errorf("pay deposit in %s: %w", a.status, ErrWrongState)
	}
	if call.value().Cmp(a.deposit) != 0 {
		a.mu.Unlock()
		return fmt.Errorf("deposit is %s, got %s: %w", a.deposit, call.value(), ErrWrongAmount)
	}

	batch := []Transfer{{From: a.tenant, To: a.address, Amount: a.deposit}}
	if err := a.env.ledger.Apply(ctx, batch); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("pay deposit: %w", err)
	}
	a.status = StatusActive
	a.startTime = a.env.now()
	ev := a.eventLocked(EventDepositPaid, fields{}.addr("tenant", a.tenant).num("amount", a.deposit))
	a.mu.Unlock()

	a.env.logger.Info("deposit paid", zap.String("agreement", a.address.Hex()), zap.String("deposit", a.deposit.String()))
	a.env.publish(ctx, ev)
	return nil
}

// Complete settles an ACTIVE agreement on the owner's instruction and
// disburses the whole custodied balance.
func (a *Agreement) Complete(ctx context.Context, call Call) error {
	a.mu.Lock()
	if a.roleOf(call.From) != RoleOwner {
		a.mu.Unlock()
		return ErrNotOwner
	}
	if a.status != StatusActive {
		a.mu.Unlock()
		return fmt.Errorf("complete in %s: %w", a.status, ErrWrongState)
	}
	if call.value().Sign() != 0 {
		a.mu.Unlock()
		return fmt.Errorf("complete takes no value: %w", ErrWrongAmount)
	}

	recipient := a.tenant
	if a.env.policy == AmountToOwner {
		recipient = a.owner
	}
	// Extension payments are rent for the added period and go to the owner.
	batch := []Transfer{
		{From: a.address, To: recipient, Amount: a.amount},
		{From: a.address, To: a.tenant, Amount: a.deposit},
		{From: a.address, To: a.owner, Amount: a.extensions},
	}
	if err := a.env.ledger.Apply(ctx, batch); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("complete: %w", err)
	}
	a.status = StatusCompleted

	events := []Event{a.eventLocked(EventRentalCompleted, fields{}.addr("tenant", a.tenant).num("amount", a.amount))}
	if a.deposit.Sign() > 0 {
		events = append(events, a.eventLocked(EventDepositRefunded, fields{}.addr("recipient", a.tenant).num("amount", a.deposit)))
	}
	a.mu.Unlock()

	a.env.logger.Info("rental completed", zap.String("agreement", a.address.Hex()), zap.String("recipient", recipient.Hex()))
	a.env.publish(ctx, events...)
	return nil
}

// Cancel returns all custodied value to whoever paid it. Either participant
// may cancel while the agreement is CREATED or ACTIVE.
func (a *Agreement) Cancel(ctx context.Context, call Call, reason string) error {
	a.mu.Lock()
	if a.roleOf(call.From) == RoleNone {
		a.mu.Unlock()
		return ErrUnauthorized
	}
	if a.status.Terminal() {
		a.mu.Unlock()
		return fmt.Errorf("cancel in %s: %w", a.status, ErrWrongState)
	}
	if call.value().Sign() != 0 {
		a.mu.Unlock()
		return fmt.Errorf("cancel takes no value: %w", ErrWrongAmount)
	}

	batch := []Transfer{{From: a.address, To: a.owner, Amount: a.amount}}
	if a.status == StatusActive {
		refund := new(big.Int).Add(a.deposit, a.extensions)
		batch = append(batch, Transfer{From: a.address, To: a.tenant, Amount: refund})
	}
	if err := a.env.ledger.Apply(ctx, batch); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("cancel: %w", err)
	}
	a.status = StatusCancelled
	ev := a.eventLocked(EventRentalCancelled, fields{}.addr("initiator", call.From).str("reason", reason))
	a.mu.Unlock()

	a.env.logger.Info("rental cancelled", zap.String("agreement", a.address.Hex()), zap.String("initiator", call.From.Hex()), zap.String("reason", reason))
	a.env.publish(ctx, ev)
	return nil
}

// Extend lengthens an ACTIVE rental. The attached value must cover the cost
// quoted by the configured pricer and is custodied in full.
func (a *Agreement) Extend(ctx context.Context, call Call, newDuration time.Duration) error {
	a.mu.Lock()
	if a.roleOf(call.From) != RoleTenant {
		a.mu.Unlock()
		return ErrNotTenant
	}
	if a.status != StatusActive {
		a.mu.Unlock()
		return fmt.Errorf("extend in %s: %w", a.status, ErrWrongState)
	}
	if newDuration <= a.duration {
		a.mu.Unlock()
		return fmt.Errorf("new duration %s must exceed %s: %w", newDuration, a.duration, ErrInvalidDuration)
	}
	cost := a.env.pricer.ExtensionCost(a.infoLocked(), newDuration)
	payment := cloneInt(call.Value)
	if payment.Cmp(cost) < 0 {
		a.mu.Unlock()
		return fmt.Errorf("extension costs %s, got %s: %w", cost, payment, ErrInsufficientPayment)
	}

	batch := []Transfer{{From: a.tenant, To: a.address, Amount: payment}}
	if err := a.env.ledger.Apply(ctx, batch); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("extend: %w", err)
	}
	a.duration = newDuration
	a.extensions.Add(a.extensions, payment)
	ev := a.eventLocked(EventRentalExtended, fields{}.addr("tenant", a.tenant).seconds("newDuration", newDuration).num("payment", payment))
	a.mu.Unlock()

	a.env.logger.Info("rental extended", zap.String("agreement", a.address.Hex()), zap.Duration("duration", newDuration))
	a.env.publish(ctx, ev)
	return nil
}

// OpenDispute freezes an ACTIVE agreement until the arbiter resolves it.
func (a *Agreement) OpenDispute(ctx context.Context, call Call, reason string) error {
	a.mu.Lock()
	if !a.env.isArbiter(call.From) {
		a.mu.Unlock()
		return ErrNotArbiter
	}
	if a.status != StatusActive {
		a.mu.Unlock()
		return fmt.Errorf("dispute in %s: %w", a.status, ErrWrongState)
	}
	a.status = StatusDisputed
	ev := a.eventLocked(EventDisputeOpened, fields{}.addr("initiator", call.From).str("reason", reason))
	a.mu.Unlock()

	a.env.logger.Warn("dispute opened", zap.String("agreement", a.address.Hex()), zap.String("reason", reason))
	a.env.publish(ctx, ev)
	return nil
}

// ResolveDispute pays tenantShare to the tenant and the remainder of the
// custodied balance to the owner, closing the agreement as COMPLETED.
func (a *Agreement) ResolveDispute(ctx context.Context, call Call, tenantShare *big.Int) error {
	a.mu.Lock()
	if !a.env.isArbiter(call.From) {
		a.mu.Unlock()
		return ErrNotArbiter
	}
	if a.status != StatusDisputed {
		a.mu.Unlock()
		return fmt.Errorf("resolve in %s: %w", a.status, ErrWrongState)
	}
	share := cloneInt(tenantShare)
	if share.Sign() < 0 {
		a.mu.Unlock()
		return fmt.Errorf("negative tenant share: %w", ErrWrongAmount)
	}
	balance := a.balanceLocked()
	if share.Cmp(balance) > 0 {
		a.mu.Unlock()
		return fmt.Errorf("tenant share %s exceeds balance %s: %w", share, balance, ErrInsufficientFunds)
	}
	ownerShare := new(big.Int).Sub(balance, share)

	batch := []Transfer{
		{From: a.address, To: a.tenant, Amount: share},
		{From: a.address, To: a.owner, Amount: ownerShare},
	}
	if err := a.env.ledger.Apply(ctx, batch); err != nil {
		a.mu.Unlock()
		return fmt.Errorf("resolve dispute: %w", err)
	}
	a.status = StatusCompleted
	ev := a.eventLocked(EventDisputeResolved, fields{}.num("tenantShare", share).num("ownerShare", ownerShare))
	a.mu.Unlock()

	a.env.logger.Info("dispute resolved", zap.String("agreement", a.address.Hex()), zap.String("tenantShare", share.String()))
	a.env.publish(ctx, ev)
	return nil
}

func (a *Agreement) roleOf(addr common.Address) Role {
	switch addr {
	case a.owner:
		return RoleOwner
	case a.tenant:
		return RoleTenant
	default:
		return RoleNone
	}
}

func (a *Agreement) balanceLocked() *big.Int {
	switch a.status {
	case StatusCreated:
		return new(big.Int).Set(a.amount)
	case StatusActive, StatusDisputed:
		total := new(big.Int).Add(a.amount, a.deposit)
		return total.Add(total, a.extensions)
	default:
		return new(big.Int)
	}
}

func (a *Agreement) infoLocked() RentalInfo {
	return RentalInfo{
		Address:   a.address,
		Tenant:    a.tenant,
		Owner:     a.owner,
		ItemID:    cloneInt(a.itemID),
		Amount:    cloneInt(a.amount),
		Duration:  a.duration,
		Deposit:   cloneInt(a.deposit),
		Status:    a.status,
		StartTime: a.startTime,
	}
}

func (a *Agreement) eventLocked(kind EventKind, f fields) Event {
	ev := Event{
		Agreement: a.address,
		Seq:       a.nextSeq,
		Kind:      kind,
		At:        a.env.now(),
		Fields:    f,
	}
	a.nextSeq++
	return ev
}
