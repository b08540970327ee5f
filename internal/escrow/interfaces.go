package escrow

import (
	"context"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Backend abstracts where agreements live: the in-process registry or the
// deployed contracts.
type Backend interface {
	CreateAgreement(ctx context.Context, call Call, p CreateParams) (common.Address, error)
	PayDeposit(ctx context.Context, agreement common.Address, call Call) error
	Complete(ctx context.Context, agreement common.Address, call Call) error
	Cancel(ctx context.Context, agreement common.Address, call Call, reason string) error
	Extend(ctx context.Context, agreement common.Address, call Call, newDuration time.Duration) error
	OpenDispute(ctx context.Context, agreement common.Address, call Call, reason string) error
	ResolveDispute(ctx context.Context, agreement common.Address, call Call, tenantShare *big.Int) error

	RentalInfo(ctx context.Context, agreement common.Address) (RentalInfo, error)
	ContractBalance(ctx context.Context, agreement common.Address) (*big.Int, error)
	AgreementCount(ctx context.Context) (uint64, error)
	ParticipantAgreements(ctx context.Context, participant common.Address) ([]common.Address, error)
	AllAgreements(ctx context.Context) ([]common.Address, error)
}

// HealthChecker is implemented by backends with a remote dependency.
type HealthChecker interface {
	Ping(ctx context.Context) error
}
