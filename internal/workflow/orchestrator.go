package workflow

import (
	"context"
	"encoding/hex"
	"fmt"
	"log/slog"
	"math/big"
	"strings"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/google/uuid"

	"flarebridge/internal/attestation"
	"flarebridge/internal/chain"
	"flarebridge/internal/instruction"
	"flarebridge/internal/ledger"
	"flarebridge/internal/watcher"
)

// ValidationError reports bad caller input before any stage runs.
type ValidationError struct {
	Msg string
}

func (e *ValidationError) Error() string { return e.Msg }

// Chain is the slice of the target-chain client the orchestrator drives.
type Chain interface {
	ControllerAddress() common.Address
	PoolAddress() common.Address
	AdminAddress() common.Address
	AssetManagerAddress(ctx context.Context) (common.Address, error)
	PersonalAccount(ctx context.Context, xrplAddress string) (common.Address, error)
	OperatorWallets(ctx context.Context) ([]string, error)
	InstructionFee(ctx context.Context, encoded []byte) (uint64, error)
	Vaults(ctx context.Context) ([]chain.Vault, error)
	AgentVaults(ctx context.Context) ([]chain.AgentVault, error)
	PoolToken(ctx context.Context) (common.Address, error)
	PoolLotSize(ctx context.Context) (*big.Int, error)
	TokenBalance(ctx context.Context, token, holder common.Address) (*big.Int, error)
	TokenDecimals(ctx context.Context, token common.Address) (uint8, error)
	TransferToken(ctx context.Context, token, to common.Address, amount *big.Int) (string, error)
	PayoutToXRP(ctx context.Context, lots int64, destination string) (chain.PayoutResult, error)
	ClaimWithProof(ctx context.Context, policy common.Address, merkleProof []string, responseHex string) (string, error)
}

// EventWatcher blocks until a matching log is observed or the context ends.
type EventWatcher interface {
	Watch(ctx context.Context, contract common.Address, contractABI abi.ABI, eventName string, pred watcher.Predicate) (watcher.Event, error)
}

// Attester covers the three attestation round-trips: encode, submit, retrieve.
type Attester interface {
	Prepare(ctx context.Context, req attestation.Request) ([]byte, error)
	SubmitToChain(ctx context.Context, encodedRequest []byte) (uint64, error)
	RetrieveProof(ctx context.Context, encodedRequest []byte, roundID uint64) (attestation.Proof, error)
}

type Config struct {
	// WatchTimeout bounds each single event wait, not the whole pipeline.
	WatchTimeout time.Duration
	// WalletID tags relayed instructions with the caller's wallet slot.
	WalletID uint64
	// VerifierABIJSON and VerifierMethod locate the proof response schema.
	VerifierABIJSON []byte
	VerifierMethod  string
}

// Orchestrator runs the multi-stage cross-ledger pipelines. Every stage
// transition is persisted before the next stage starts, so an operator can
// tell exactly where a run died.
type Orchestrator struct {
	chain  Chain
	ledger ledger.Submitter
	watch  EventWatcher
	attest Attester
	store  Store
	cfg    Config
	log    *slog.Logger
}

func NewOrchestrator(ch Chain, lg ledger.Submitter, ew EventWatcher, at Attester, store Store, cfg Config, log *slog.Logger) *Orchestrator {
	if cfg.WatchTimeout <= 0 {
		cfg.WatchTimeout = 5 * time.Minute
	}
	return &Orchestrator{chain: ch, ledger: lg, watch: ew, attest: at, store: store, cfg: cfg, log: log}
}

type BridgeOutcome struct {
	RunID           uuid.UUID `json:"runId"`
	ReserveTx       string    `json:"reserveTx"`
	MintTx          string    `json:"mintTx"`
	TransferTx      string    `json:"transferTx"`
	MintedAmountUBA string    `json:"mintedAmountUBA"`
}

type PayoutOutcome struct {
	RunID     uuid.UUID `json:"runId"`
	FundTx    string    `json:"fundTx,omitempty"`
	PayoutTx  string    `json:"txHash"`
	RequestID string    `json:"requestId,omitempty"`
	Message   string    `json:"message"`
}

type DepositOutcome struct {
	RunID     uuid.UUID `json:"runId"`
	ReserveTx string    `json:"reserveTx"`
	MintTx    string    `json:"mintTx"`
	DepositTx string    `json:"depositTx"`
}

type ClaimOutcome struct {
	RunID   uuid.UUID      `json:"runId"`
	RoundID uint64         `json:"roundId"`
	ClaimTx string         `json:"claimTx"`
	Decoded map[string]any `json:"decoded"`
}

// BridgeMintTransfer relays a collateral reservation, pays for the mint, and
// finally transfers the exact minted amount to the recipient. The transfer
// value always comes from the observed MintingExecuted event, never from a
// local recomputation of lots.
func (o *Orchestrator) BridgeMintTransfer(ctx context.Context, seed, recipient string, lots, agentVaultID int64) (BridgeOutcome, error) {
	if seed == "" {
		return BridgeOutcome{}, &ValidationError{Msg: "seed is required"}
	}
	if lots <= 0 {
		return BridgeOutcome{}, &ValidationError{Msg: "lots must be positive"}
	}
	if !common.IsHexAddress(recipient) {
		return BridgeOutcome{}, &ValidationError{Msg: "recipient is not a valid address"}
	}

	run := NewRun("bridge-mint-transfer")
	out := BridgeOutcome{RunID: run.ID}

	var (
		wallet       ledger.Wallet
		personal     common.Address
		assetManager common.Address
	)
	err := o.runStage(ctx, run, "resolve", func(ctx context.Context) (map[string]any, error) {
		var err error
		wallet, err = o.ledger.WalletFromSeed(ctx, seed)
		if err != nil {
			return nil, err
		}
		personal, err = o.chain.PersonalAccount(ctx, wallet.Address)
		if err != nil {
			return nil, err
		}
		assetManager, err = o.chain.AssetManagerAddress(ctx)
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"walletAddress":   wallet.Address,
			"personalAccount": personal.Hex(),
		}, nil
	})
	if err != nil {
		return out, err
	}

	var (
		reservationID    *big.Int
		mintAmountUBA    *big.Int
		paymentAddress   string
		paymentReference string
	)
	err = o.runStage(ctx, run, "reserve", func(ctx context.Context) (map[string]any, error) {
		encoded, err := instruction.CollateralReservation{
			WalletID:     o.cfg.WalletID,
			Lots:         lots,
			AgentVaultID: agentVaultID,
		}.Encode()
		if err != nil {
			return nil, err
		}
		res, err := o.relayInstruction(ctx, wallet, encoded)
		if err != nil {
			return nil, err
		}
		out.ReserveTx = res.TxHash

		event, err := o.watchEvent(ctx, assetManager, chain.AssetManagerABI, "CollateralReserved", func(args map[string]any) bool {
			minter, ok := watcher.ArgAddress(args, "minter")
			return ok && minter == personal
		})
		if err != nil {
			return nil, err
		}

		reservationID, _ = watcher.ArgBig(event.Args, "collateralReservationId")
		valueUBA, _ := watcher.ArgBig(event.Args, "valueUBA")
		feeUBA, _ := watcher.ArgBig(event.Args, "feeUBA")
		paymentAddress, _ = watcher.ArgString(event.Args, "paymentAddress")
		if reservationID == nil || valueUBA == nil || feeUBA == nil || paymentAddress == "" {
			return nil, fmt.Errorf("CollateralReserved event missing reservation fields")
		}
		ref, ok := event.Args["paymentReference"].([32]byte)
		if !ok {
			return nil, fmt.Errorf("CollateralReserved event missing payment reference")
		}
		paymentReference = strings.ToUpper(hex.EncodeToString(ref[:]))
		mintAmountUBA = new(big.Int).Add(valueUBA, feeUBA)

		return map[string]any{
			"relayTx":                 res.TxHash,
			"collateralReservationId": reservationID.String(),
			"valueUBA":                valueUBA.String(),
			"feeUBA":                  feeUBA.String(),
			"paymentAddress":          paymentAddress,
		}, nil
	})
	if err != nil {
		return out, err
	}

	var minted *big.Int
	err = o.runStage(ctx, run, "mint", func(ctx context.Context) (map[string]any, error) {
		if !mintAmountUBA.IsUint64() {
			return nil, fmt.Errorf("mint amount %s overflows drops", mintAmountUBA)
		}
		res, err := o.ledger.SubmitPayment(ctx, wallet, ledger.Payment{
			Destination: paymentAddress,
			AmountDrops: mintAmountUBA.Uint64(),
			MemoHex:     paymentReference,
		})
		if err != nil {
			return nil, err
		}
		out.MintTx = res.TxHash

		event, err := o.watchEvent(ctx, assetManager, chain.AssetManagerABI, "MintingExecuted", func(args map[string]any) bool {
			id, ok := watcher.ArgBig(args, "collateralReservationId")
			return ok && id.Cmp(reservationID) == 0
		})
		if err != nil {
			return nil, err
		}
		minted, _ = watcher.ArgBig(event.Args, "mintedAmountUBA")
		if minted == nil || minted.Sign() <= 0 {
			return nil, fmt.Errorf("MintingExecuted event missing minted amount")
		}
		return map[string]any{
			"paymentTx":       res.TxHash,
			"mintedAmountUBA": minted.String(),
		}, nil
	})
	if err != nil {
		return out, err
	}
	out.MintedAmountUBA = minted.String()

	err = o.runStage(ctx, run, "transfer", func(ctx context.Context) (map[string]any, error) {
		encoded, err := instruction.Transfer{
			WalletID:  o.cfg.WalletID,
			Value:     minted,
			Recipient: recipient,
		}.Encode()
		if err != nil {
			return nil, err
		}
		res, err := o.relayInstruction(ctx, wallet, encoded)
		if err != nil {
			return nil, err
		}
		out.TransferTx = res.TxHash

		recipientAddr := common.HexToAddress(recipient)
		_, err = o.watchEvent(ctx, o.chain.ControllerAddress(), chain.ControllerABI, "FXrpTransferred", func(args map[string]any) bool {
			account, okA := watcher.ArgAddress(args, "personalAccount")
			to, okB := watcher.ArgAddress(args, "to")
			return okA && okB && account == personal && to == recipientAddr
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{
			"relayTx":   res.TxHash,
			"recipient": recipientAddr.Hex(),
			"valueUBA":  minted.String(),
		}, nil
	})
	if err != nil {
		return out, err
	}

	run.complete()
	o.persist(ctx, run)
	o.log.Info("bridge run completed", "run", run.ID, "minted", out.MintedAmountUBA)
	return out, nil
}

// Payout redeems pool holdings back to the source ledger. If the pool balance
// does not cover the requested lots, only the shortfall is topped up from the
// admin account before triggering the redemption.
func (o *Orchestrator) Payout(ctx context.Context, destination string, lots int64) (PayoutOutcome, error) {
	if destination == "" {
		return PayoutOutcome{}, &ValidationError{Msg: "destination is required"}
	}
	if lots <= 0 {
		return PayoutOutcome{}, &ValidationError{Msg: "lots must be positive"}
	}

	run := NewRun("payout")
	out := PayoutOutcome{RunID: run.ID}

	err := o.runStage(ctx, run, "fund", func(ctx context.Context) (map[string]any, error) {
		lotSize, err := o.chain.PoolLotSize(ctx)
		if err != nil {
			return nil, err
		}
		token, err := o.chain.PoolToken(ctx)
		if err != nil {
			return nil, err
		}
		decimals, err := o.chain.TokenDecimals(ctx, token)
		if err != nil {
			return nil, err
		}
		balance, err := o.chain.TokenBalance(ctx, token, o.chain.PoolAddress())
		if err != nil {
			return nil, err
		}

		required := new(big.Int).Mul(lotSize, big.NewInt(lots))
		stage := map[string]any{
			"token":    token.Hex(),
			"decimals": decimals,
			"balance":  balance.String(),
			"required": required.String(),
		}
		if balance.Cmp(required) >= 0 {
			return stage, nil
		}

		shortfall := new(big.Int).Sub(required, balance)
		tx, err := o.chain.TransferToken(ctx, token, o.chain.PoolAddress(), shortfall)
		if err != nil {
			return nil, err
		}
		out.FundTx = tx
		stage["shortfall"] = shortfall.String()
		stage["fundTx"] = tx
		return stage, nil
	})
	if err != nil {
		return out, err
	}

	err = o.runStage(ctx, run, "payout", func(ctx context.Context) (map[string]any, error) {
		res, err := o.chain.PayoutToXRP(ctx, lots, destination)
		if err != nil {
			return nil, err
		}
		out.PayoutTx = res.TxHash
		stage := map[string]any{"payoutTx": res.TxHash}
		if res.RequestID != nil {
			out.RequestID = res.RequestID.String()
			stage["requestId"] = out.RequestID
		}
		return stage, nil
	})
	if err != nil {
		return out, err
	}

	run.complete()
	o.persist(ctx, run)
	out.Message = "Redemption requested. Funds will arrive on the source ledger once the agent settles."
	o.log.Info("payout run completed", "run", run.ID, "requestId", out.RequestID)
	return out, nil
}

// ReserveAndDeposit is the bridge flow with a vault deposit folded into the
// relayed instruction: the operator deposits the minted amount into the
// chosen yield vault instead of leaving it on the personal account.
func (o *Orchestrator) ReserveAndDeposit(ctx context.Context, seed string, lots, agentVaultID, vaultID int64) (DepositOutcome, error) {
	if seed == "" {
		return DepositOutcome{}, &ValidationError{Msg: "seed is required"}
	}
	if lots <= 0 {
		return DepositOutcome{}, &ValidationError{Msg: "lots must be positive"}
	}

	run := NewRun("reserve-and-deposit")
	out := DepositOutcome{RunID: run.ID}

	var (
		wallet       ledger.Wallet
		personal     common.Address
		assetManager common.Address
		vaultAddr    common.Address
	)
	err := o.runStage(ctx, run, "resolve", func(ctx context.Context) (map[string]any, error) {
		var err error
		wallet, err = o.ledger.WalletFromSeed(ctx, seed)
		if err != nil {
			return nil, err
		}
		personal, err = o.chain.PersonalAccount(ctx, wallet.Address)
		if err != nil {
			return nil, err
		}
		assetManager, err = o.chain.AssetManagerAddress(ctx)
		if err != nil {
			return nil, err
		}
		vaults, err := o.chain.Vaults(ctx)
		if err != nil {
			return nil, err
		}
		found := false
		for _, v := range vaults {
			if v.ID != nil && v.ID.Int64() == vaultID {
				vaultAddr = v.Address
				found = true
				break
			}
		}
		if !found {
			return nil, &ValidationError{Msg: fmt.Sprintf("vault %d is not registered", vaultID)}
		}
		agents, err := o.chain.AgentVaults(ctx)
		if err != nil {
			return nil, err
		}
		agentKnown := false
		for _, a := range agents {
			if a.ID != nil && a.ID.Int64() == agentVaultID {
				agentKnown = true
				break
			}
		}
		if !agentKnown {
			return nil, &ValidationError{Msg: fmt.Sprintf("agent vault %d is not registered", agentVaultID)}
		}
		return map[string]any{
			"walletAddress":   wallet.Address,
			"personalAccount": personal.Hex(),
			"vault":           vaultAddr.Hex(),
		}, nil
	})
	if err != nil {
		return out, err
	}

	var (
		reservationID    *big.Int
		mintAmountUBA    *big.Int
		paymentAddress   string
		paymentReference string
	)
	err = o.runStage(ctx, run, "reserve", func(ctx context.Context) (map[string]any, error) {
		encoded, err := instruction.CollateralReservationAndDeposit{
			WalletID:     o.cfg.WalletID,
			Lots:         lots,
			AgentVaultID: agentVaultID,
			VaultID:      vaultID,
		}.Encode()
		if err != nil {
			return nil, err
		}
		res, err := o.relayInstruction(ctx, wallet, encoded)
		if err != nil {
			return nil, err
		}
		out.ReserveTx = res.TxHash

		event, err := o.watchEvent(ctx, assetManager, chain.AssetManagerABI, "CollateralReserved", func(args map[string]any) bool {
			minter, ok := watcher.ArgAddress(args, "minter")
			return ok && minter == personal
		})
		if err != nil {
			return nil, err
		}
		reservationID, _ = watcher.ArgBig(event.Args, "collateralReservationId")
		valueUBA, _ := watcher.ArgBig(event.Args, "valueUBA")
		feeUBA, _ := watcher.ArgBig(event.Args, "feeUBA")
		paymentAddress, _ = watcher.ArgString(event.Args, "paymentAddress")
		if reservationID == nil || valueUBA == nil || feeUBA == nil || paymentAddress == "" {
			return nil, fmt.Errorf("CollateralReserved event missing reservation fields")
		}
		ref, ok := event.Args["paymentReference"].([32]byte)
		if !ok {
			return nil, fmt.Errorf("CollateralReserved event missing payment reference")
		}
		paymentReference = strings.ToUpper(hex.EncodeToString(ref[:]))
		mintAmountUBA = new(big.Int).Add(valueUBA, feeUBA)
		return map[string]any{
			"relayTx":                 res.TxHash,
			"collateralReservationId": reservationID.String(),
		}, nil
	})
	if err != nil {
		return out, err
	}

	err = o.runStage(ctx, run, "mint", func(ctx context.Context) (map[string]any, error) {
		if !mintAmountUBA.IsUint64() {
			return nil, fmt.Errorf("mint amount %s overflows drops", mintAmountUBA)
		}
		res, err := o.ledger.SubmitPayment(ctx, wallet, ledger.Payment{
			Destination: paymentAddress,
			AmountDrops: mintAmountUBA.Uint64(),
			MemoHex:     paymentReference,
		})
		if err != nil {
			return nil, err
		}
		out.MintTx = res.TxHash

		_, err = o.watchEvent(ctx, assetManager, chain.AssetManagerABI, "MintingExecuted", func(args map[string]any) bool {
			id, ok := watcher.ArgBig(args, "collateralReservationId")
			return ok && id.Cmp(reservationID) == 0
		})
		if err != nil {
			return nil, err
		}
		return map[string]any{"paymentTx": res.TxHash}, nil
	})
	if err != nil {
		return out, err
	}

	err = o.runStage(ctx, run, "deposit", func(ctx context.Context) (map[string]any, error) {
		event, err := o.watchEvent(ctx, o.chain.ControllerAddress(), chain.ControllerABI, "Deposited", func(args map[string]any) bool {
			account, okA := watcher.ArgAddress(args, "personalAccount")
			vault, okB := watcher.ArgAddress(args, "vault")
			return okA && okB && account == personal && vault == vaultAddr
		})
		if err != nil {
			return nil, err
		}
		out.DepositTx = event.TxHash.Hex()
		stage := map[string]any{"depositTx": out.DepositTx}
		if amount, ok := watcher.ArgBig(event.Args, "amount"); ok {
			stage["amount"] = amount.String()
		}
		if shares, ok := watcher.ArgBig(event.Args, "shares"); ok {
			stage["shares"] = shares.String()
		}
		return stage, nil
	})
	if err != nil {
		return out, err
	}

	run.complete()
	o.persist(ctx, run)
	o.log.Info("reserve-and-deposit run completed", "run", run.ID)
	return out, nil
}

// ClaimByProof runs the full attestation loop: encode the request off-chain,
// submit it on-chain, wait out the voting round, then deliver the finalized
// proof to the policy contract.
func (o *Orchestrator) ClaimByProof(ctx context.Context, req attestation.Request, policy common.Address) (ClaimOutcome, error) {
	if o.attest == nil {
		return ClaimOutcome{}, fmt.Errorf("attestation is not configured")
	}
	if req.AttestationType == "" || req.SourceID == "" {
		return ClaimOutcome{}, &ValidationError{Msg: "attestation type and source id are required"}
	}
	if policy == (common.Address{}) {
		return ClaimOutcome{}, &ValidationError{Msg: "policy address is required"}
	}

	run := NewRun("claim-by-proof")
	out := ClaimOutcome{RunID: run.ID}

	var encoded []byte
	err := o.runStage(ctx, run, "prepare", func(ctx context.Context) (map[string]any, error) {
		var err error
		encoded, err = o.attest.Prepare(ctx, req)
		if err != nil {
			return nil, err
		}
		return map[string]any{"encodedBytes": len(encoded)}, nil
	})
	if err != nil {
		return out, err
	}

	err = o.runStage(ctx, run, "submit", func(ctx context.Context) (map[string]any, error) {
		round, err := o.attest.SubmitToChain(ctx, encoded)
		if err != nil {
			return nil, err
		}
		out.RoundID = round
		return map[string]any{"roundId": round}, nil
	})
	if err != nil {
		return out, err
	}

	var proof attestation.Proof
	err = o.runStage(ctx, run, "retrieve", func(ctx context.Context) (map[string]any, error) {
		var err error
		proof, err = o.attest.RetrieveProof(ctx, encoded, out.RoundID)
		if err != nil {
			return nil, err
		}
		return map[string]any{"merkleDepth": len(proof.MerkleProof)}, nil
	})
	if err != nil {
		return out, err
	}

	err = o.runStage(ctx, run, "decode", func(ctx context.Context) (map[string]any, error) {
		schema, err := attestation.ResponseSchema(o.cfg.VerifierABIJSON, o.cfg.VerifierMethod)
		if err != nil {
			return nil, err
		}
		out.Decoded, err = attestation.Decode(schema, proof.ResponseHex)
		if err != nil {
			return nil, err
		}
		return map[string]any{"fields": len(out.Decoded)}, nil
	})
	if err != nil {
		return out, err
	}

	err = o.runStage(ctx, run, "claim", func(ctx context.Context) (map[string]any, error) {
		tx, err := o.chain.ClaimWithProof(ctx, policy, proof.MerkleProof, proof.ResponseHex)
		if err != nil {
			return nil, err
		}
		out.ClaimTx = tx
		return map[string]any{"claimTx": tx}, nil
	})
	if err != nil {
		return out, err
	}

	run.complete()
	o.persist(ctx, run)
	o.log.Info("claim run completed", "run", run.ID, "round", out.RoundID)
	return out, nil
}

// relayInstruction quotes the relay fee for an encoded instruction and pays
// it to the first registered operator wallet with the instruction as memo.
func (o *Orchestrator) relayInstruction(ctx context.Context, wallet ledger.Wallet, encoded []byte) (ledger.Result, error) {
	fee, err := o.chain.InstructionFee(ctx, encoded)
	if err != nil {
		return ledger.Result{}, err
	}
	operators, err := o.chain.OperatorWallets(ctx)
	if err != nil {
		return ledger.Result{}, err
	}
	if len(operators) == 0 {
		return ledger.Result{}, fmt.Errorf("no operator wallets registered")
	}

	o.log.Info("relaying instruction", "fee", ledger.FormatXRP(fee), "operator", operators[0])
	return o.ledger.SubmitPayment(ctx, wallet, ledger.Payment{
		Destination: operators[0],
		AmountDrops: fee,
		MemoHex:     instruction.MemoData(encoded),
	})
}

func (o *Orchestrator) watchEvent(ctx context.Context, contract common.Address, contractABI abi.ABI, eventName string, pred watcher.Predicate) (watcher.Event, error) {
	wctx, cancel := context.WithTimeout(ctx, o.cfg.WatchTimeout)
	defer cancel()
	return o.watch.Watch(wctx, contract, contractABI, eventName, pred)
}

func (o *Orchestrator) runStage(ctx context.Context, run *Run, name string, fn func(context.Context) (map[string]any, error)) error {
	run.Status = StatusRunning
	run.CurrentStage = name
	run.UpdatedAt = time.Now().UTC()
	o.persist(ctx, run)
	o.log.Info("stage started", "run", run.ID, "kind", run.Kind, "stage", name)

	out, err := fn(ctx)
	if err != nil {
		run.fail(name, err)
		o.persist(ctx, run)
		o.log.Error("stage failed", "run", run.ID, "stage", name, "err", err)
		return fmt.Errorf("stage %s: %w", name, err)
	}

	run.recordStage(name, out)
	o.persist(ctx, run)
	return nil
}

// persist never fails a run: the store is observability, not control flow.
func (o *Orchestrator) persist(ctx context.Context, run *Run) {
	if err := o.store.Save(context.WithoutCancel(ctx), run); err != nil {
		o.log.Error("persist run", "run", run.ID, "err", err)
	}
}
