package escrow

import (
	"errors"
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// Status is the lifecycle position of a rental agreement.
type Status uint8

const (
	StatusCreated Status = iota
	StatusActive
	StatusCompleted
	StatusCancelled
	StatusDisputed
)

var statusNames = [...]string{"CREATED", "ACTIVE", "COMPLETED", "CANCELLED", "DISPUTED"}

func (s Status) String() string {
	if int(s) < len(statusNames) {
		return statusNames[s]
	}
	return fmt.Sprintf("Status(%d)", uint8(s))
}

// Terminal reports whether neither participant can move the agreement anymore.
// A DISPUTED agreement only leaves that state through the arbiter.
func (s Status) Terminal() bool {
	return s == StatusCompleted || s == StatusCancelled || s == StatusDisputed
}

func (s Status) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

func (s *Status) UnmarshalText(b []byte) error {
	parsed, err := ParseStatus(string(b))
	if err != nil {
		return err
	}
	*s = parsed
	return nil
}

// ParseStatus converts the textual status back to its value.
func ParseStatus(v string) (Status, error) {
	for i, name := range statusNames {
		if name == v {
			return Status(i), nil
		}
	}
	return 0, fmt.Errorf("unknown status %q", v)
}

// Role is the part a caller plays in an agreement.
type Role uint8

const (
	RoleNone Role = iota
	RoleOwner
	RoleTenant
)

func (r Role) String() string {
	switch r {
	case RoleOwner:
		return "owner"
	case RoleTenant:
		return "tenant"
	default:
		return "none"
	}
}

// Call carries the caller identity and the value attached to an operation.
type Call struct {
	From  common.Address
	Value *big.Int
}

func (c Call) value() *big.Int {
	if c.Value == nil {
		return new(big.Int)
	}
	return c.Value
}

// CreateParams are the owner-supplied terms of a new agreement. The rental
// amount is the value attached to the creating call.
type CreateParams struct {
	Tenant   common.Address
	ItemID   *big.Int
	Duration time.Duration
	Deposit  *big.Int
}

// RentalInfo is a snapshot of the full agreement record.
type RentalInfo struct {
	Address   common.Address `json:"address"`
	Tenant    common.Address `json:"tenant"`
	Owner     common.Address `json:"owner"`
	ItemID    *big.Int       `json:"itemId"`
	Amount    *big.Int       `json:"amount"`
	Duration  time.Duration  `json:"duration"`
	Deposit   *big.Int       `json:"deposit"`
	Status    Status         `json:"status"`
	StartTime time.Time      `json:"startTime"`
}

var (
	ErrInvalidParticipant  = errors.New("invalid participant")
	ErrPaymentRequired     = errors.New("payment required")
	ErrWrongAmount         = errors.New("wrong amount")
	ErrWrongState          = errors.New("wrong state")
	ErrUnauthorized        = errors.New("unauthorized")
	ErrNotOwner            = errors.New("caller is not the owner")
	ErrNotTenant           = errors.New("caller is not the tenant")
	ErrNotArbiter          = errors.New("caller is not the arbiter")
	ErrInvalidDuration     = errors.New("invalid duration")
	ErrInsufficientPayment = errors.New("insufficient payment")
	ErrInsufficientFunds   = errors.New("insufficient funds")
	ErrUnknownAgreement    = errors.New("unknown agreement")
)

var errorCodes = []struct {
	err  error
	code string
}{
	{ErrInvalidParticipant, "InvalidParticipant"},
	{ErrPaymentRequired, "PaymentRequired"},
	{ErrWrongAmount, "WrongAmount"},
	{ErrWrongState, "WrongState"},
	{ErrUnauthorized, "Unauthorized"},
	{ErrNotOwner, "NotOwner"},
	{ErrNotTenant, "NotTenant"},
	{ErrNotArbiter, "NotArbiter"},
	{ErrInvalidDuration, "InvalidDuration"},
	{ErrInsufficientPayment, "InsufficientPayment"},
	{ErrInsufficientFunds, "InsufficientFunds"},
	{ErrUnknownAgreement, "UnknownAgreement"},
}

// ErrorCode returns the stable taxonomy name for err, or "" when err is not
// one of the escrow errors.
func ErrorCode(err error) string {
	for _, ec := range errorCodes {
		if errors.Is(err, ec.err) {
			return ec.code
		}
	}
	return ""
}

func isNegative(v *big.Int) bool {
	return v != nil && v.Sign() < 0
}

func cloneInt(v *big.Int) *big.Int {
	if v == nil {
		return new(big.Int)
	}
	return new(big.Int).Set(v)
}
