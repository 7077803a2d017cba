package chain

import (
	"context"
	"crypto/ecdsa"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/accounts/abi/bind"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/ethereum/go-ethereum/ethclient"

	"flarebridge/internal/instruction"
)

// CallError wraps a failed read call. Quoting and lookups are idempotent, so
// the caller may retry the whole stage.
type CallError struct {
	Op  string
	Err error
}

func (e *CallError) Error() string { return fmt.Sprintf("chain call %s: %v", e.Op, e.Err) }
func (e *CallError) Unwrap() error { return e.Err }

// RevertError is terminal: the target chain rejected a write call.
type RevertError struct {
	Reason string
}

func (e *RevertError) Error() string { return fmt.Sprintf("contract reverted: %s", e.Reason) }

type Vault struct {
	ID      *big.Int
	Address common.Address
	Type    uint8
}

type AgentVault struct {
	ID      *big.Int
	Address common.Address
}

type PayoutResult struct {
	TxHash    string
	RequestID *big.Int
}

// Client is the one configured connection to the target chain, constructed at
// process start and passed by reference into every component that needs it.
type Client struct {
	eth            *ethclient.Client
	chainID        *big.Int
	txOpts         *bind.TransactOpts
	from           common.Address
	registry       *bind.BoundContract
	controller     *bind.BoundContract
	pool           *bind.BoundContract
	controllerAddr common.Address
	poolAddr       common.Address
	log            *slog.Logger
}

type ClientConfig struct {
	RPCURL            string
	PrivateKeyHex     string
	RegistryAddress   string
	ControllerAddress string
	PoolAddress       string
}

func NewClient(ctx context.Context, cfg ClientConfig, log *slog.Logger) (*Client, error) {
	if cfg.RPCURL == "" {
		return nil, fmt.Errorf("rpc url is required")
	}
	if cfg.RegistryAddress == "" || cfg.ControllerAddress == "" {
		return nil, fmt.Errorf("registry and controller addresses are required")
	}

	cli, err := ethclient.DialContext(ctx, cfg.RPCURL)
	if err != nil {
		return nil, fmt.Errorf("dial rpc: %w", err)
	}

	chainID, err := cli.ChainID(ctx)
	if err != nil {
		return nil, fmt.Errorf("fetch chain id: %w", err)
	}

	c := &Client{
		eth:            cli,
		chainID:        chainID,
		controllerAddr: common.HexToAddress(cfg.ControllerAddress),
		poolAddr:       common.HexToAddress(cfg.PoolAddress),
		log:            log,
	}
	c.registry = bind.NewBoundContract(common.HexToAddress(cfg.RegistryAddress), RegistryABI, cli, cli, cli)
	c.controller = bind.NewBoundContract(c.controllerAddr, ControllerABI, cli, cli, cli)
	c.pool = bind.NewBoundContract(c.poolAddr, PoolABI, cli, cli, cli)

	if cfg.PrivateKeyHex != "" {
		pk, err := parsePrivateKey(cfg.PrivateKeyHex)
		if err != nil {
			return nil, err
		}
		txOpts, err := bind.NewKeyedTransactorWithChainID(pk, chainID)
		if err != nil {
			return nil, fmt.Errorf("transactor: %w", err)
		}
		txOpts.GasLimit = 0 // let node estimate
		c.txOpts = txOpts
		c.from = crypto.PubkeyToAddress(pk.PublicKey)
	}

	return c, nil
}

func parsePrivateKey(hexKey string) (*ecdsa.PrivateKey, error) {
	key, err := crypto.HexToECDSA(strings.TrimPrefix(hexKey, "0x"))
	if err != nil {
		return nil, fmt.Errorf("parse private key: %w", err)
	}
	return key, nil
}

// Subscriber exposes the raw log subscription used by event watchers.
func (c *Client) Subscriber() *ethclient.Client { return c.eth }

func (c *Client) ControllerAddress() common.Address { return c.controllerAddr }

func (c *Client) PoolAddress() common.Address { return c.poolAddr }

func (c *Client) AdminAddress() common.Address { return c.from }

func (c *Client) Ping(ctx context.Context) error {
	_, err := c.eth.BlockNumber(ctx)
	return err
}

func (c *Client) ContractAddressByName(ctx context.Context, name string) (common.Address, error) {
	var out []interface{}
	if err := c.registry.Call(&bind.CallOpts{Context: ctx}, &out, "getContractAddressByName", name); err != nil {
		return common.Address{}, &CallError{Op: "getContractAddressByName(" + name + ")", Err: err}
	}
	return out[0].(common.Address), nil
}

func (c *Client) AssetManagerAddress(ctx context.Context) (common.Address, error) {
	return c.ContractAddressByName(ctx, "AssetManagerFXRP")
}

func (c *Client) PersonalAccount(ctx context.Context, xrplAddress string) (common.Address, error) {
	var out []interface{}
	if err := c.controller.Call(&bind.CallOpts{Context: ctx}, &out, "getPersonalAccount", xrplAddress); err != nil {
		return common.Address{}, &CallError{Op: "getPersonalAccount", Err: err}
	}
	return out[0].(common.Address), nil
}

func (c *Client) OperatorWallets(ctx context.Context) ([]string, error) {
	var out []interface{}
	if err := c.controller.Call(&bind.CallOpts{Context: ctx}, &out, "getXrplProviderWallets"); err != nil {
		return nil, &CallError{Op: "getXrplProviderWallets", Err: err}
	}
	return out[0].([]string), nil
}

// InstructionFee quotes the relay fee for an encoded instruction, in drops.
// The contract keys fees by the instruction's leading type byte.
func (c *Client) InstructionFee(ctx context.Context, encoded []byte) (uint64, error) {
	sel, err := instruction.Selector(encoded)
	if err != nil {
		return 0, err
	}
	var out []interface{}
	if err := c.controller.Call(&bind.CallOpts{Context: ctx}, &out, "getInstructionFee", big.NewInt(int64(sel))); err != nil {
		return 0, &CallError{Op: "getInstructionFee", Err: err}
	}
	fee := out[0].(*big.Int)
	if !fee.IsUint64() {
		return 0, &CallError{Op: "getInstructionFee", Err: fmt.Errorf("fee %s overflows drops", fee)}
	}
	return fee.Uint64(), nil
}

func (c *Client) Vaults(ctx context.Context) ([]Vault, error) {
	var out []interface{}
	if err := c.controller.Call(&bind.CallOpts{Context: ctx}, &out, "getVaults"); err != nil {
		return nil, &CallError{Op: "getVaults", Err: err}
	}
	ids := out[0].([]*big.Int)
	addresses := out[1].([]common.Address)
	vaultTypes := out[2].([]uint8)

	vaults := make([]Vault, len(ids))
	for i := range ids {
		vaults[i] = Vault{ID: ids[i], Address: addresses[i], Type: vaultTypes[i]}
	}
	return vaults, nil
}

func (c *Client) AgentVaults(ctx context.Context) ([]AgentVault, error) {
	var out []interface{}
	if err := c.controller.Call(&bind.CallOpts{Context: ctx}, &out, "getAgentVaults"); err != nil {
		return nil, &CallError{Op: "getAgentVaults", Err: err}
	}
	ids := out[0].([]*big.Int)
	addresses := out[1].([]common.Address)

	vaults := make([]AgentVault, len(ids))
	for i := range ids {
		vaults[i] = AgentVault{ID: ids[i], Address: addresses[i]}
	}
	return vaults, nil
}

func (c *Client) PoolToken(ctx context.Context) (common.Address, error) {
	var out []interface{}
	if err := c.pool.Call(&bind.CallOpts{Context: ctx}, &out, "getFXRPAddress"); err != nil {
		return common.Address{}, &CallError{Op: "getFXRPAddress", Err: err}
	}
	return out[0].(common.Address), nil
}

func (c *Client) PoolLotSize(ctx context.Context) (*big.Int, error) {
	var out []interface{}
	if err := c.pool.Call(&bind.CallOpts{Context: ctx}, &out, "getSettings"); err != nil {
		return nil, &CallError{Op: "getSettings", Err: err}
	}
	return out[0].(*big.Int), nil
}

func (c *Client) TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error) {
	bound := bind.NewBoundContract(token, ERC20ABI, c.eth, c.eth, c.eth)
	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, "balanceOf", holder); err != nil {
		return nil, &CallError{Op: "balanceOf", Err: err}
	}
	return out[0].(*big.Int), nil
}

func (c *Client) TokenDecimals(ctx context.Context, token common.Address) (uint8, error) {
	bound := bind.NewBoundContract(token, ERC20ABI, c.eth, c.eth, c.eth)
	var out []interface{}
	if err := bound.Call(&bind.CallOpts{Context: ctx}, &out, "decimals"); err != nil {
		return 0, &CallError{Op: "decimals", Err: err}
	}
	return out[0].(uint8), nil
}

func (c *Client) TransferToken(ctx context.Context, token, to common.Address, amount *big.Int) (string, error) {
	bound := bind.NewBoundContract(token, ERC20ABI, c.eth, c.eth, c.eth)
	receipt, err := c.transactAndWait(ctx, bound, nil, "transfer", to, amount)
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

// PayoutToXRP triggers a pool redemption and extracts the redemption request
// id from the receipt's RedemptionRequested log, if present.
func (c *Client) PayoutToXRP(ctx context.Context, lots int64, destination string) (PayoutResult, error) {
	receipt, err := c.transactAndWait(ctx, c.pool, nil, "payoutToXRP", big.NewInt(lots), destination)
	if err != nil {
		return PayoutResult{}, err
	}

	result := PayoutResult{TxHash: receipt.TxHash.Hex()}
	redemptionTopic := AssetManagerABI.Events["RedemptionRequested"].ID
	for _, lg := range receipt.Logs {
		if len(lg.Topics) == 0 || lg.Topics[0] != redemptionTopic {
			continue
		}
		// requestId is the second indexed argument.
		if len(lg.Topics) > 2 {
			result.RequestID = new(big.Int).SetBytes(lg.Topics[2].Bytes())
			break
		}
	}
	return result, nil
}

// SubmitAttestationRequest pays the request fee into the attestation hub and
// derives the voting round the request landed in from the receipt timestamp.
func (c *Client) SubmitAttestationRequest(ctx context.Context, data []byte) (uint64, error) {
	hubAddr, err := c.ContractAddressByName(ctx, "FdcHub")
	if err != nil {
		return 0, err
	}
	feeAddr, err := c.ContractAddressByName(ctx, "FdcRequestFeeConfigurations")
	if err != nil {
		return 0, err
	}
	managerAddr, err := c.ContractAddressByName(ctx, "FlareSystemsManager")
	if err != nil {
		return 0, err
	}

	feeCfg := bind.NewBoundContract(feeAddr, FdcFeeABI, c.eth, c.eth, c.eth)
	var out []interface{}
	if err := feeCfg.Call(&bind.CallOpts{Context: ctx}, &out, "getRequestFee", data); err != nil {
		return 0, &CallError{Op: "getRequestFee", Err: err}
	}
	fee := out[0].(*big.Int)

	hub := bind.NewBoundContract(hubAddr, FdcHubABI, c.eth, c.eth, c.eth)
	receipt, err := c.transactAndWait(ctx, hub, fee, "requestAttestation", data)
	if err != nil {
		return 0, err
	}

	header, err := c.eth.HeaderByNumber(ctx, receipt.BlockNumber)
	if err != nil {
		return 0, &CallError{Op: "headerByNumber", Err: err}
	}

	manager := bind.NewBoundContract(managerAddr, SystemsManagerABI, c.eth, c.eth, c.eth)
	var startOut, durationOut []interface{}
	if err := manager.Call(&bind.CallOpts{Context: ctx}, &startOut, "firstVotingRoundStartTs"); err != nil {
		return 0, &CallError{Op: "firstVotingRoundStartTs", Err: err}
	}
	if err := manager.Call(&bind.CallOpts{Context: ctx}, &durationOut, "votingEpochDurationSeconds"); err != nil {
		return 0, &CallError{Op: "votingEpochDurationSeconds", Err: err}
	}
	start := startOut[0].(uint64)
	duration := durationOut[0].(uint64)
	roundID, err := votingRoundFor(header.Time, start, duration)
	if err != nil {
		return 0, &CallError{Op: "votingRound", Err: err}
	}
	c.log.Info("attestation request submitted", "tx", receipt.TxHash.Hex(), "round", roundID)
	return roundID, nil
}

// votingRoundFor maps a block timestamp onto its voting round. Both inputs
// are uint64, so the subtraction must be guarded or it wraps.
func votingRoundFor(blockTime, start, duration uint64) (uint64, error) {
	if duration == 0 {
		return 0, fmt.Errorf("epoch duration is zero")
	}
	if blockTime < start {
		return 0, fmt.Errorf("block time %d precedes first voting round start %d", blockTime, start)
	}
	return (blockTime - start) / duration, nil
}

// ClaimWithProof delivers a finalized attestation proof to a policy contract.
func (c *Client) ClaimWithProof(ctx context.Context, policy common.Address, merkleProof []string, responseHex string) (string, error) {
	proof := make([][32]byte, len(merkleProof))
	for i, p := range merkleProof {
		proof[i] = common.HexToHash(p)
	}
	bound := bind.NewBoundContract(policy, PolicyABI, c.eth, c.eth, c.eth)
	receipt, err := c.transactAndWait(ctx, bound, nil, "claim", proof, common.FromHex(responseHex))
	if err != nil {
		return "", err
	}
	return receipt.TxHash.Hex(), nil
}

func (c *Client) transactAndWait(ctx context.Context, bound *bind.BoundContract, value *big.Int, method string, args ...interface{}) (*types.Receipt, error) {
	if c.txOpts == nil {
		return nil, fmt.Errorf("client is read-only")
	}

	opts := *c.txOpts
	opts.Context = ctx
	opts.Value = value

	tx, err := bound.Transact(&opts, method, args...)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return nil, &RevertError{Reason: reason}
		}
		return nil, &CallError{Op: method, Err: err}
	}

	receipt, err := WaitForReceipt(ctx, c.eth, tx)
	if err != nil {
		return nil, &CallError{Op: method + " receipt", Err: err}
	}
	if receipt.Status != types.ReceiptStatusSuccessful {
		reason := c.replayForRevert(ctx, tx, receipt)
		return nil, &RevertError{Reason: reason}
	}
	return receipt, nil
}

// replayForRevert re-executes a failed transaction as a call at its block to
// recover the revert reason string.
func (c *Client) replayForRevert(ctx context.Context, tx *types.Transaction, receipt *types.Receipt) string {
	msg := ethereum.CallMsg{
		From:  c.from,
		To:    tx.To(),
		Gas:   tx.Gas(),
		Value: tx.Value(),
		Data:  tx.Data(),
	}
	ret, err := c.eth.CallContract(ctx, msg, receipt.BlockNumber)
	if err != nil {
		if reason, ok := revertReason(err); ok {
			return reason
		}
		return err.Error()
	}
	if reason, err := abi.UnpackRevert(ret); err == nil {
		return reason
	}
	return "execution reverted"
}

func revertReason(err error) (string, bool) {
	type dataError interface {
		ErrorData() interface{}
	}
	var de dataError
	if errors.As(err, &de) {
		if hexData, ok := de.ErrorData().(string); ok {
			if reason, uerr := abi.UnpackRevert(common.FromHex(hexData)); uerr == nil {
				return reason, true
			}
		}
	}
	msg := err.Error()
	if idx := strings.Index(msg, "execution reverted: "); idx >= 0 {
		return msg[idx+len("execution reverted: "):], true
	}
	return "", false
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
