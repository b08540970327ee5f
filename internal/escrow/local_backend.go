package escrow

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// LocalBackend serves the Backend interface from an in-process Registry.
type LocalBackend struct {
	Registry *Registry
}

func NewLocalBackend(r *Registry) *LocalBackend {
	return &LocalBackend{Registry: r}
}

func (b *LocalBackend) CreateAgreement(ctx context.Context, call Call, p CreateParams) (common.Address, error) {
	return b.Registry.CreateAgreement(ctx, call, p)
}

func (b *LocalBackend) PayDeposit(ctx context.Context, agreement common.Address, call Call) error {
	a, err := b.Registry.Agreement(agreement)
	if err != nil {
		return err
	}
	return a.PayDeposit(ctx, call)
}

func (b *LocalBackend) Complete(ctx context.Context, agreement common.Address, call Call) error {
	a, err := b.Registry.Agreement(agreement)
	if err != nil {
		return err
	}
	return a.Complete(ctx, call)
}

func (b *LocalBackend) Cancel(ctx context.Context, agreement common.Address, call Call, reason string) error {
	a, err := b.Registry.Agreement(agreement)
	if err != nil {
		return err
	}
	return a.Cancel(ctx, call, reason)
}

func (b *LocalBackend) Extend(ctx context.Context, agreement common.Address, call Call, newDuration time.Duration) error {
	a, err := b.Registry.Agreement(agreement)
	if err != nil {
		return err
	}
	return a.Extend(ctx, call, newDuration)
}

func (b *LocalBackend) OpenDispute(ctx context.Context, agreement common.Address, call Call, reason string) error {
	a, err := b.Registry.Agreement(agreement)
	if err != nil {
		return err
	}
	return a.OpenDispute(ctx, call, reason)
}

func (b *LocalBackend) ResolveDispute(ctx context.Context, agreement common.Address, call Call, tenantShare *big.Int) error {
	a, err := b.Registry.Agreement(agreement)
	if err != nil {
		return err
	}
	return a.ResolveDispute(ctx, call, tenantShare)
}

func (b *LocalBackend) RentalInfo(_ context.Context, agreement common.Address) (RentalInfo, error) {
	a, err := b.Registry.Agreement(agreement)
	if err != nil {
		return RentalInfo{}, err
	}
	return a.RentalInfo(), nil
}

func (b *LocalBackend) ContractBalance(_ context.Context, agreement common.Address) (*big.Int, error) {
	a, err := b.Registry.Agreement(agreement)
	if err != nil {
		return nil, err
	}
	return a.ContractBalance(), nil
}

func (b *LocalBackend) AgreementCount(context.Context) (uint64, error) {
	return uint64(b.Registry.AgreementCount()), nil
}

func (b *LocalBackend) ParticipantAgreements(_ context.Context, participant common.Address) ([]common.Address, error) {
	return b.Registry.ParticipantAgreements(participant), nil
}

func (b *LocalBackend) AllAgreements(context.Context) ([]common.Address, error) {
	return b.Registry.AllAgreements(), nil
}
