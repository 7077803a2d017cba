package workflow

import (
	"context"
	"io"
	"log/slog"
	"math/big"
	"strings"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"flarebridge/internal/attestation"
	"flarebridge/internal/chain"
	"flarebridge/internal/instruction"
	"flarebridge/internal/ledger"
	"flarebridge/internal/watcher"
)

var (
	personalAccount = common.HexToAddress("0x00000000000000000000000000000000000000aa")
	controllerAddr  = common.HexToAddress("0x00000000000000000000000000000000000000c0")
	poolAddr        = common.HexToAddress("0x00000000000000000000000000000000000000d0")
	adminAddr       = common.HexToAddress("0x00000000000000000000000000000000000000ad")
	assetMgrAddr    = common.HexToAddress("0x00000000000000000000000000000000000000f0")
	tokenAddr       = common.HexToAddress("0x00000000000000000000000000000000000000e0")
)

type transferCall struct {
	token, to common.Address
	amount    *big.Int
}

type payoutCall struct {
	lots        int64
	destination string
}

type claimCall struct {
	policy      common.Address
	merkleProof []string
	responseHex string
}

type fakeChain struct {
	fees        map[instruction.Kind]uint64
	vaults      []chain.Vault
	agentVaults []chain.AgentVault
	lotSize     *big.Int
	balance     *big.Int
	decimals    uint8

	requestID *big.Int
	transfers []transferCall
	payouts   []payoutCall
	claims    []claimCall
}

func newFakeChain() *fakeChain {
	return &fakeChain{
		fees: map[instruction.Kind]uint64{
			instruction.KindCollateralReservation:           10_000_000,
			instruction.KindTransfer:                        1_000_000,
			instruction.KindCollateralReservationAndDeposit: 12_000_000,
		},
		agentVaults: []chain.AgentVault{
			{ID: big.NewInt(1), Address: common.HexToAddress("0x5555555555555555555555555555555555555555")},
		},
		lotSize:  big.NewInt(1000),
		balance:  big.NewInt(0),
		decimals: 6,
	}
}

func (f *fakeChain) ControllerAddress() common.Address { return controllerAddr }
func (f *fakeChain) PoolAddress() common.Address       { return poolAddr }
func (f *fakeChain) AdminAddress() common.Address      { return adminAddr }

func (f *fakeChain) AssetManagerAddress(context.Context) (common.Address, error) {
	return assetMgrAddr, nil
}

func (f *fakeChain) PersonalAccount(context.Context, string) (common.Address, error) {
	return personalAccount, nil
}

func (f *fakeChain) OperatorWallets(context.Context) ([]string, error) {
	return []string{"rOperatorWallet111111111111111111"}, nil
}

func (f *fakeChain) InstructionFee(_ context.Context, encoded []byte) (uint64, error) {
	sel, err := instruction.Selector(encoded)
	if err != nil {
		return 0, err
	}
	return f.fees[sel], nil
}

func (f *fakeChain) Vaults(context.Context) ([]chain.Vault, error) { return f.vaults, nil }

func (f *fakeChain) AgentVaults(context.Context) ([]chain.AgentVault, error) {
	return f.agentVaults, nil
}

func (f *fakeChain) PoolToken(context.Context) (common.Address, error) { return tokenAddr, nil }

func (f *fakeChain) PoolLotSize(context.Context) (*big.Int, error) { return f.lotSize, nil }

func (f *fakeChain) TokenBalance(context.Context, common.Address, common.Address) (*big.Int, error) {
	return f.balance, nil
}

func (f *fakeChain) TokenDecimals(context.Context, common.Address) (uint8, error) {
	return f.decimals, nil
}

func (f *fakeChain) TransferToken(_ context.Context, token, to common.Address, amount *big.Int) (string, error) {
	f.transfers = append(f.transfers, transferCall{token: token, to: to, amount: amount})
	return "0xfund", nil
}

func (f *fakeChain) PayoutToXRP(_ context.Context, lots int64, destination string) (chain.PayoutResult, error) {
	f.payouts = append(f.payouts, payoutCall{lots: lots, destination: destination})
	return chain.PayoutResult{TxHash: "0xpayout", RequestID: f.requestID}, nil
}

func (f *fakeChain) ClaimWithProof(_ context.Context, policy common.Address, merkleProof []string, responseHex string) (string, error) {
	f.claims = append(f.claims, claimCall{policy: policy, merkleProof: merkleProof, responseHex: responseHex})
	return "0xclaim", nil
}

// fakeWatcher resolves each watch against a scripted set of candidate events,
// applying the orchestrator's real predicate.
type fakeWatcher struct {
	events map[string][]watcher.Event
}

func (f *fakeWatcher) Watch(_ context.Context, contract common.Address, _ abi.ABI, eventName string, pred watcher.Predicate) (watcher.Event, error) {
	for _, ev := range f.events[eventName] {
		if pred(ev.Args) {
			ev.Contract = contract
			ev.Name = eventName
			return ev, nil
		}
	}
	return watcher.Event{}, watcher.ErrTimeout
}

type fakeAttester struct {
	encoded []byte
	round   uint64
	proof   attestation.Proof

	submitted []byte
	retrieved uint64
}

func (f *fakeAttester) Prepare(context.Context, attestation.Request) ([]byte, error) {
	return f.encoded, nil
}

func (f *fakeAttester) SubmitToChain(_ context.Context, encoded []byte) (uint64, error) {
	f.submitted = encoded
	return f.round, nil
}

func (f *fakeAttester) RetrieveProof(_ context.Context, _ []byte, round uint64) (attestation.Proof, error) {
	f.retrieved = round
	return f.proof, nil
}

func paymentRef() [32]byte {
	var ref [32]byte
	copy(ref[:], []byte{0x46, 0x58, 0x52, 0x50, 0x01})
	return ref
}

func bridgeEvents(reservationID, valueUBA, feeUBA, minted int64, recipient common.Address) map[string][]watcher.Event {
	return map[string][]watcher.Event{
		"CollateralReserved": {{
			Args: map[string]any{
				"minter":                  personalAccount,
				"collateralReservationId": big.NewInt(reservationID),
				"valueUBA":                big.NewInt(valueUBA),
				"feeUBA":                  big.NewInt(feeUBA),
				"paymentAddress":          "rAgentPaymentAddress1111111111111",
				"paymentReference":        paymentRef(),
			},
			BlockNumber: 10,
			TxHash:      common.HexToHash("0x01"),
		}},
		"MintingExecuted": {{
			Args: map[string]any{
				"collateralReservationId": big.NewInt(reservationID),
				"mintedAmountUBA":         big.NewInt(minted),
			},
			BlockNumber: 11,
			TxHash:      common.HexToHash("0x02"),
		}},
		"FXrpTransferred": {{
			Args: map[string]any{
				"personalAccount": personalAccount,
				"to":              recipient,
				"amount":          big.NewInt(minted),
			},
			BlockNumber: 12,
			TxHash:      common.HexToHash("0x03"),
		}},
	}
}

func newTestOrchestrator(ch Chain, ew EventWatcher, at Attester, store Store) *Orchestrator {
	return NewOrchestrator(ch, &ledger.FakeSubmitter{}, ew, at, store, Config{
		WatchTimeout: time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func TestBridgeMintTransferConservesMintedAmount(t *testing.T) {
	recipient := common.HexToAddress("0x1111111111111111111111111111111111111111")

	// The relayed transfer must carry exactly what MintingExecuted reported,
	// regardless of how many lots were asked for.
	for _, lots := range []int64{1, 5} {
		ch := newFakeChain()
		submitter := &ledger.FakeSubmitter{}
		store := NewMemoryStore()
		o := NewOrchestrator(ch, submitter, &fakeWatcher{
			events: bridgeEvents(77, 9_000_000, 200_000, 9_100_000, recipient),
		}, nil, store, Config{WatchTimeout: time.Second}, slog.New(slog.NewTextHandler(io.Discard, nil)))

		out, err := o.BridgeMintTransfer(context.Background(), "sEdTestSeed", recipient.Hex(), lots, 1)
		require.NoError(t, err)
		assert.Equal(t, "9100000", out.MintedAmountUBA)
		assert.NotEmpty(t, out.ReserveTx)
		assert.NotEmpty(t, out.MintTx)
		assert.NotEmpty(t, out.TransferTx)

		payments := submitter.Submitted()
		require.Len(t, payments, 3)

		// Relay fee payment carries the reservation instruction as memo.
		assert.Equal(t, "rOperatorWallet111111111111111111", payments[0].Destination)
		assert.EqualValues(t, 10_000_000, payments[0].AmountDrops)
		assert.True(t, strings.HasPrefix(payments[0].MemoHex, "01"))

		// Mint payment is valueUBA + feeUBA to the agent's payment address,
		// referenced by the reservation's payment reference.
		assert.Equal(t, "rAgentPaymentAddress1111111111111", payments[1].Destination)
		assert.EqualValues(t, 9_200_000, payments[1].AmountDrops)
		ref := paymentRef()
		assert.Equal(t, strings.ToUpper(common.Bytes2Hex(ref[:])), payments[1].MemoHex)

		// The transfer instruction's value is the minted amount, decoded
		// straight out of the relayed memo.
		parsed, err := instruction.ParseTransfer(common.Hex2Bytes(payments[2].MemoHex))
		require.NoError(t, err)
		assert.EqualValues(t, 9_100_000, parsed.Value.Int64())
		assert.Equal(t, recipient.Hex(), parsed.Recipient)

		run, err := store.Get(context.Background(), out.RunID)
		require.NoError(t, err)
		require.NotNil(t, run)
		assert.Equal(t, StatusCompleted, run.Status)
		assert.Len(t, run.Stages, 4)
	}
}

func TestBridgeMintTransferValidation(t *testing.T) {
	o := newTestOrchestrator(newFakeChain(), &fakeWatcher{}, nil, NewMemoryStore())

	var verr *ValidationError
	_, err := o.BridgeMintTransfer(context.Background(), "", "0x1111111111111111111111111111111111111111", 1, 1)
	require.ErrorAs(t, err, &verr)

	_, err = o.BridgeMintTransfer(context.Background(), "sEdTestSeed", "not-an-address", 1, 1)
	require.ErrorAs(t, err, &verr)

	_, err = o.BridgeMintTransfer(context.Background(), "sEdTestSeed", "0x1111111111111111111111111111111111111111", 0, 1)
	require.ErrorAs(t, err, &verr)
}

func TestBridgeMintTransferFailureMarksRun(t *testing.T) {
	store := NewMemoryStore()
	// No events ever arrive: the reserve stage times out.
	o := newTestOrchestrator(newFakeChain(), &fakeWatcher{events: nil}, nil, store)

	out, err := o.BridgeMintTransfer(context.Background(), "sEdTestSeed", "0x1111111111111111111111111111111111111111", 1, 1)
	require.ErrorIs(t, err, watcher.ErrTimeout)

	run, gerr := store.Get(context.Background(), out.RunID)
	require.NoError(t, gerr)
	require.NotNil(t, run)
	assert.Equal(t, StatusFailed, run.Status)
	assert.Equal(t, "reserve", run.CurrentStage)
	assert.NotEmpty(t, run.Error)
	// The resolve stage completed before the failure.
	require.Len(t, run.Stages, 1)
	assert.Equal(t, "resolve", run.Stages[0].Stage)
}

func TestPayoutTopsUpOnlyTheShortfall(t *testing.T) {
	ch := newFakeChain()
	ch.balance = big.NewInt(500)
	ch.requestID = big.NewInt(321)
	store := NewMemoryStore()
	o := newTestOrchestrator(ch, &fakeWatcher{}, nil, store)

	out, err := o.Payout(context.Background(), "rDestination111111111111111111111", 2)
	require.NoError(t, err)

	// Required 2 lots * 1000 against a balance of 500: fund exactly 1500.
	require.Len(t, ch.transfers, 1)
	assert.Equal(t, tokenAddr, ch.transfers[0].token)
	assert.Equal(t, poolAddr, ch.transfers[0].to)
	assert.EqualValues(t, 1500, ch.transfers[0].amount.Int64())

	require.Len(t, ch.payouts, 1)
	assert.EqualValues(t, 2, ch.payouts[0].lots)
	assert.Equal(t, "rDestination111111111111111111111", ch.payouts[0].destination)

	assert.Equal(t, "0xfund", out.FundTx)
	assert.Equal(t, "0xpayout", out.PayoutTx)
	assert.Equal(t, "321", out.RequestID)
	assert.NotEmpty(t, out.Message)

	run, err := store.Get(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
}

func TestPayoutSkipsFundingWhenBalanceCovers(t *testing.T) {
	ch := newFakeChain()
	ch.balance = big.NewInt(5000)
	o := newTestOrchestrator(ch, &fakeWatcher{}, nil, NewMemoryStore())

	out, err := o.Payout(context.Background(), "rDestination111111111111111111111", 2)
	require.NoError(t, err)
	assert.Empty(t, ch.transfers)
	assert.Empty(t, out.FundTx)
	assert.Equal(t, "0xpayout", out.PayoutTx)
}

func TestReserveAndDepositWatchesVault(t *testing.T) {
	vaultAddr := common.HexToAddress("0x2222222222222222222222222222222222222222")
	ch := newFakeChain()
	ch.vaults = []chain.Vault{
		{ID: big.NewInt(1), Address: common.HexToAddress("0x3333333333333333333333333333333333333333"), Type: 0},
		{ID: big.NewInt(2), Address: vaultAddr, Type: 1},
	}

	events := bridgeEvents(88, 9_000_000, 200_000, 9_100_000, common.Address{})
	events["Deposited"] = []watcher.Event{{
		Args: map[string]any{
			"personalAccount": personalAccount,
			"vault":           vaultAddr,
			"amount":          big.NewInt(9_100_000),
			"shares":          big.NewInt(9_000_000),
		},
		TxHash: common.HexToHash("0x04"),
	}}

	submitter := &ledger.FakeSubmitter{}
	store := NewMemoryStore()
	o := NewOrchestrator(ch, submitter, &fakeWatcher{events: events}, nil, store, Config{
		WatchTimeout: time.Second,
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	out, err := o.ReserveAndDeposit(context.Background(), "sEdTestSeed", 1, 1, 2)
	require.NoError(t, err)
	assert.NotEmpty(t, out.DepositTx)

	payments := submitter.Submitted()
	require.Len(t, payments, 2)
	assert.True(t, strings.HasPrefix(payments[0].MemoHex, "03"))
	assert.EqualValues(t, 12_000_000, payments[0].AmountDrops)

	run, err := store.Get(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Len(t, run.Stages, 4)
}

func TestReserveAndDepositUnknownVault(t *testing.T) {
	ch := newFakeChain()
	ch.vaults = []chain.Vault{{ID: big.NewInt(1), Address: common.HexToAddress("0x33")}}
	o := newTestOrchestrator(ch, &fakeWatcher{}, nil, NewMemoryStore())

	var verr *ValidationError
	_, err := o.ReserveAndDeposit(context.Background(), "sEdTestSeed", 1, 1, 9)
	require.ErrorAs(t, err, &verr)

	// Known vault, unknown agent vault.
	_, err = o.ReserveAndDeposit(context.Background(), "sEdTestSeed", 1, 99, 1)
	require.ErrorAs(t, err, &verr)
}

const claimVerifierABI = `[
  {"type":"function","name":"verifyJsonApi","stateMutability":"view",
   "inputs":[{"name":"_proof","type":"tuple","components":[
     {"name":"merkleProof","type":"bytes32[]"},
     {"name":"data","type":"tuple","components":[
       {"name":"value","type":"uint256"}]}]}],
   "outputs":[{"name":"","type":"bool"}]}
]`

func TestClaimByProof(t *testing.T) {
	schema, err := attestation.ResponseSchema([]byte(claimVerifierABI), "verifyJsonApi")
	require.NoError(t, err)
	packed, err := abi.Arguments{{Name: "data", Type: schema}}.Pack(struct {
		Value *big.Int
	}{big.NewInt(90)})
	require.NoError(t, err)

	at := &fakeAttester{
		encoded: []byte{0xde, 0xad},
		round:   42,
		proof: attestation.Proof{
			MerkleProof: []string{"0xaa", "0xbb"},
			ResponseHex: "0x" + common.Bytes2Hex(packed),
		},
	}
	ch := newFakeChain()
	store := NewMemoryStore()
	policy := common.HexToAddress("0x4444444444444444444444444444444444444444")

	o := NewOrchestrator(ch, &ledger.FakeSubmitter{}, &fakeWatcher{}, at, store, Config{
		WatchTimeout:    time.Second,
		VerifierABIJSON: []byte(claimVerifierABI),
		VerifierMethod:  "verifyJsonApi",
	}, slog.New(slog.NewTextHandler(io.Discard, nil)))

	out, err := o.ClaimByProof(context.Background(), attestation.Request{
		AttestationType: "Web2Json",
		SourceID:        "PublicWeb2",
		Route:           "web2",
	}, policy)
	require.NoError(t, err)

	assert.EqualValues(t, 42, out.RoundID)
	assert.EqualValues(t, 42, at.retrieved)
	assert.Equal(t, []byte{0xde, 0xad}, at.submitted)
	assert.Equal(t, "0xclaim", out.ClaimTx)

	value, ok := out.Decoded["value"].(*big.Int)
	require.True(t, ok)
	assert.EqualValues(t, 90, value.Int64())

	require.Len(t, ch.claims, 1)
	assert.Equal(t, policy, ch.claims[0].policy)
	assert.Equal(t, []string{"0xaa", "0xbb"}, ch.claims[0].merkleProof)

	run, err := store.Get(context.Background(), out.RunID)
	require.NoError(t, err)
	assert.Equal(t, StatusCompleted, run.Status)
	assert.Len(t, run.Stages, 5)
}

func TestMemoryStoreRoundTrip(t *testing.T) {
	store := NewMemoryStore()
	run := NewRun("bridge-mint-transfer")
	run.recordStage("resolve", map[string]any{"walletAddress": "rTest"})
	require.NoError(t, store.Save(context.Background(), run))

	got, err := store.Get(context.Background(), run.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, run.Kind, got.Kind)
	require.Len(t, got.Stages, 1)
	assert.Equal(t, "resolve", got.Stages[0].Stage)

	missing, err := store.Get(context.Background(), NewRun("payout").ID)
	require.NoError(t, err)
	assert.Nil(t, missing)
}
