package escrow

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"math/big"
	"strings"
	"time"

	"rentescrow/internal/contracts"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"
)

// EthBackend drives the deployed RentalFactory and RentalAgreement contracts.
// Every mutating call is signed by the configured key, so the caller of an
// operation must be that key's address.
type EthBackend struct {
	client         *ethclient.Client
	factory        *bind.BoundContract
	factoryABI     abi.ABI
	agreementABI   abi.ABI
	factoryAddress common.Address
	chainID        *big.Int
	transacts      *bind.TransactOpts
	receiptTimeout time.Duration
}

type EthBackendConfig struct {
	RPCURL         string
	PrivateKeyHex  string
	FactoryAddress string
	ReceiptTimeout time.Duration
}

func NewEthBackend(ctx context.Context, cfg EthBackendConfig) (*EthBackend, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if !common.IsHexAddress(cfg.FactoryAddress) {
		return nil, fmt.Errorf("rental factory address is required")
	}
	if cfg.PrivateKeyHex == "" {
		return nil, fmt.Errorf("private key is required for signing rental operations")
	}
	pk, err := parsePrivateKey(cfg.PrivateKeyHex)
	if err != nil {
		return nil, err
	}

	factoryABI, agreementABI, err := parseABIs()
	if err != nil {
		return nil, err
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("transactor: %w", err)
	}
	txOpts.GasLimit = 0 // let node estimate

	timeout := cfg.ReceiptTimeout
	if timeout <= 0 {
		timeout = 2 * time.Minute
	}

	address := common.HexToAddress(cfg.FactoryAddress)
	return &EthBackend{
		client:         cli,
		factory:        bind.NewBoundContract(address, factoryABI, cli, cli, cli),
		factoryABI:     factoryABI,
		agreementABI:   agreementABI,
		factoryAddress: address,
		chainID:        chainID,
		transacts:      txOpts,
		receiptTimeout: timeout,
	}, nil
}

func parseABIs() (abi.ABI, abi.ABI, error) {
	factoryABI, err := abi.JSON(strings.NewReader(contracts.RentalFactoryABI))
	if err != nil {
		return abi.ABI{}, abi.ABI{}, fmt.Errorf("parse factory abi: %w", err)
	}
	agreementABI, err := abi.JSON(strings.NewReader(contracts.RentalAgreementABI))
	if err != nil {
		return abi.ABI{}, abi.ABI{}, fmt.Errorf("parse agreement abi: %w", err)
	}
	return factoryABI, agreementABI, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(hexKey, "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Signer is the address every transaction is sent from.
func (c *EthBackend) Signer() common.Address {
	return c.transacts.From
}

func (c *EthBackend) Close() {
	c.client.Close()
}

func (c *EthBackend) Ping(ctx context.Context) error {
	if c.client == nil {
		return fmt.Errorf("rpc client not configured")
	}
	_, err := c.client.BlockNumber(ctx)
	return err
}

func (c *EthBackend) CreateAgreement(ctx context.Context, call Call, p CreateParams) (common.Address, error) {
	if p.Tenant == (common.Address{}) || p.Tenant == call.From {
		return common.Address{}, ErrInvalidParticipant
	}
	if call.value().Sign() <= 0 {
		return common.Address{}, ErrPaymentRequired
	}
	if p.Duration < 0 || isNegative(p.Deposit) || isNegative(p.ItemID) {
		return common.Address{}, fmt.Errorf("negative rental terms: %w", ErrWrongAmount)
	}

	receipt, err := c.transact(ctx, c.factory, call, "createRental",
		p.Tenant, cloneInt(p.ItemID), durationToSeconds(p.Duration), cloneInt(p.Deposit))
	if err != nil {
		return common.Address{}, err
	}
	return createdAgreement(c.factoryABI, receipt)
}

func (c *EthBackend) PayDeposit(ctx context.Context, agreement common.Address, call Call) error {
	_, err := c.transact(ctx, c.agreement(agreement), call, "payDeposit")
	return err
}

func (c *EthBackend) Complete(ctx context.Context, agreement common.Address, call Call) error {
	_, err := c.transact(ctx, c.agreement(agreement), call, "completeRental")
	return err
}

func (c *EthBackend) Cancel(ctx context.Context, agreement common.Address, call Call, reason string) error {
	_, err := c.transact(ctx, c.agreement(agreement), call, "cancelRental", reason)
	return err
}

func (c *EthBackend) Extend(ctx context.Context, agreement common.Address, call Call, newDuration time.Duration) error {
	_, err := c.transact(ctx, c.agreement(agreement), call, "extendRental", durationToSeconds(newDuration))
	return err
}

func (c *EthBackend) OpenDispute(ctx context.Context, agreement common.Address, call Call, reason string) error {
	_, err := c.transact(ctx, c.agreement(agreement), call, "openDispute", reason)
	return err
}

func (c *EthBackend) ResolveDispute(ctx context.Context, agreement common.Address, call Call, tenantShare *big.Int) error {
	_, err := c.transact(ctx, c.agreement(agreement), call, "resolveDispute", cloneInt(tenantShare))
	return err
}

func (c *EthBackend) RentalInfo(ctx context.Context, agreement common.Address) (RentalInfo, error) {
	var out []interface{}
	if err := c.agreement(agreement).Call(&bind.CallOpts{Context: ctx}, &out, "getRentalInfo"); err != nil {
		return RentalInfo{}, mapRevert(fmt.Errorf("get rental info: %w", err))
	}
	info, err := unpackRentalInfo(out)
	if err != nil {
		return RentalInfo{}, err
	}
	info.Address = agreement
	return info, nil
}

func (c *EthBackend) ContractBalance(ctx context.Context, agreement common.Address) (*big.Int, error) {
	var out []interface{}
	if err := c.agreement(agreement).Call(&bind.CallOpts{Context: ctx}, &out, "getContractBalance"); err != nil {
		return nil, mapRevert(fmt.Errorf("get contract balance: %w", err))
	}
	return firstBigInt(out)
}

func (c *EthBackend) AgreementCount(ctx context.Context) (uint64, error) {
	var out []interface{}
	if err := c.factory.Call(&bind.CallOpts{Context: ctx}, &out, "getRentalCount"); err != nil {
		return 0, fmt.Errorf("get rental count: %w", err)
	}
	n, err := firstBigInt(out)
	if err != nil {
		return 0, err
	}
	return n.Uint64(), nil
}

func (c *EthBackend) ParticipantAgreements(ctx context.Context, participant common.Address) ([]common.Address, error) {
	var out []interface{}
	if err := c.factory.Call(&bind.CallOpts{Context: ctx}, &out, "getUserRentals", participant); err != nil {
		return nil, fmt.Errorf("get user rentals: %w", err)
	}
	return firstAddresses(out)
}

func (c *EthBackend) AllAgreements(ctx context.Context) ([]common.Address, error) {
	var out []interface{}
	if err := c.factory.Call(&bind.CallOpts{Context: ctx}, &out, "getAllRentals"); err != nil {
		return nil, fmt.Errorf("get all rentals: %w", err)
	}
	return firstAddresses(out)
}

func (c *EthBackend) agreement(addr common.Address) *bind.BoundContract {
	return bind.NewBoundContract(addr, c.agreementABI, c.client, c.client, c.client)
}

// transact sends one signed transaction and waits for it to be mined. A
// reverted transaction is reported as an error; the contract state is then
// unchanged.
func (c *EthBackend) transact(ctx context.Context, contract *bind.BoundContract, call Call, method string, params ...interface{}) (*types.Receipt, error) {
	if call.From != c.transacts.From {
		return nil, fmt.Errorf("caller %s is not the configured signer: %w", call.From.Hex(), ErrUnauthorized)
	}

	opts := *c.transacts
	opts.Context = ctx
	opts.Value = cloneInt(call.Value)

	tx, err := contract.Transact(&opts, method, params...)
	if err != nil {
		return nil, mapRevert(fmt.Errorf("%s tx: %w", method, err))
	}

	waitCtx, cancel := context.WithTimeout(ctx, c.receiptTimeout)
	defer cancel()
	receipt, err := WaitForReceipt(waitCtx, c.client, tx)
	if err != nil {
		return nil, fmt.Errorf("%s receipt: %w", method, err)
	}
	if receipt.Status == types.ReceiptStatusFailed {
		return nil, fmt.Errorf("%s tx %s reverted", method, tx.Hash().Hex())
	}
	return receipt, nil
}

// WaitForReceipt polls until the transaction is mined or context cancelled.
func WaitForReceipt(ctx context.Context, client *ethclient.Client, tx *types.Transaction) (*types.Receipt, error) {
	ticker := time.NewTicker(2 * time.Second)
	defer ticker.Stop()

	for {
		receipt, err := client.TransactionReceipt(ctx, tx.Hash())
		if receipt != nil {
			return receipt, nil
		}
		if err != nil && !errors.Is(err, ethereum.NotFound) {
			return nil, err
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-ticker.C:
		}
	}
}

func createdAgreement(factoryABI abi.ABI, receipt *types.Receipt) (common.Address, error) {
	ev, ok := factoryABI.Events[string(EventRentalCreated)]
	if !ok {
		return common.Address{}, fmt.Errorf("factory abi has no %s event", EventRentalCreated)
	}
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != ev.ID {
			continue
		}
		vals, err := ev.Inputs.Unpack(lg.Data)
		if err != nil {
			return common.Address{}, fmt.Errorf("unpack %s: %w", EventRentalCreated, err)
		}
		if len(vals) != 4 {
			return common.Address{}, fmt.Errorf("unexpected %s field count %d", EventRentalCreated, len(vals))
		}
		addr, ok := vals[3].(common.Address)
		if !ok {
			return common.Address{}, fmt.Errorf("unexpected agreement id type %T", vals[3])
		}
		return addr, nil
	}
	return common.Address{}, fmt.Errorf("receipt %s has no %s log", receipt.TxHash.Hex(), EventRentalCreated)
}

func unpackRentalInfo(out []interface{}) (RentalInfo, error) {
	if len(out) != 8 {
		return RentalInfo{}, fmt.Errorf("unexpected rental info length %d", len(out))
	}
	tenant, ok1 := out[0].(common.Address)
	owner, ok2 := out[1].(common.Address)
	itemID, ok3 := out[2].(*big.Int)
	amount, ok4 := out[3].(*big.Int)
	duration, ok5 := out[4].(*big.Int)
	deposit, ok6 := out[5].(*big.Int)
	status, ok7 := out[6].(uint8)
	start, ok8 := out[7].(*big.Int)
	if !(ok1 && ok2 && ok3 && ok4 && ok5 && ok6 && ok7 && ok8) {
		return RentalInfo{}, fmt.Errorf("unexpected rental info types")
	}

	info := RentalInfo{
		Tenant:   tenant,
		Owner:    owner,
		ItemID:   itemID,
		Amount:   amount,
		Duration: time.Duration(duration.Int64()) * time.Second,
		Deposit:  deposit,
		Status:   Status(status),
	}
	if start.Sign() > 0 {
		info.StartTime = time.Unix(start.Int64(), 0).UTC()
	}
	return info, nil
}

func firstBigInt(out []interface{}) (*big.Int, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected result length %d", len(out))
	}
	v, ok := out[0].(*big.Int)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T", out[0])
	}
	return v, nil
}

func firstAddresses(out []interface{}) ([]common.Address, error) {
	if len(out) != 1 {
		return nil, fmt.Errorf("unexpected result length %d", len(out))
	}
	v, ok := out[0].([]common.Address)
	if !ok {
		return nil, fmt.Errorf("unexpected result type %T", out[0])
	}
	return v, nil
}

func durationToSeconds(d time.Duration) *big.Int {
	return big.NewInt(int64(d / time.Second))
}

// revertReasons maps contract revert names onto the escrow error taxonomy.
var revertReasons = []struct {
	marker string
	err    error
}{
	{"InvalidParticipant", ErrInvalidParticipant},
	{"PaymentRequired", ErrPaymentRequired},
	{"WrongAmount", ErrWrongAmount},
	{"WrongState", ErrWrongState},
	{"NotOwner", ErrNotOwner},
	{"NotTenant", ErrNotTenant},
	{"NotArbiter", ErrNotArbiter},
	{"Unauthorized", ErrUnauthorized},
	{"InvalidDuration", ErrInvalidDuration},
	{"InsufficientPayment", ErrInsufficientPayment},
}

func mapRevert(err error) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	for _, r := range revertReasons {
		if strings.Contains(msg, r.marker) {
			return fmt.Errorf("%w: %v", r.err, err)
		}
	}
	return err
}
