package watcher

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
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testABIJSON = `[
  {"type":"event","name":"ValueMoved","anonymous":false,
   "inputs":[
     {"name":"actor","type":"address","indexed":true},
     {"name":"amount","type":"uint256","indexed":false}]}
]`

var testABI = func() abi.ABI {
	parsed, err := abi.JSON(strings.NewReader(testABIJSON))
	if err != nil {
		panic(err)
	}
	return parsed
}()

var testContract = common.HexToAddress("0x1000000000000000000000000000000000000001")

func valueMovedLog(t *testing.T, actor common.Address, amount int64) types.Log {
	t.Helper()
	ev := testABI.Events["ValueMoved"]
	data, err := ev.Inputs.NonIndexed().Pack(big.NewInt(amount))
	require.NoError(t, err)
	return types.Log{
		Address:     testContract,
		Topics:      []common.Hash{ev.ID, common.BytesToHash(actor.Bytes())},
		Data:        data,
		BlockNumber: 7,
		TxHash:      common.HexToHash("0xbeef"),
	}
}

func newTestWatcher(sub LogSubscriber) *Watcher {
	return New(sub, slog.New(slog.NewTextHandler(io.Discard, nil)))
}

func actorIs(addr common.Address) Predicate {
	return func(args map[string]any) bool {
		actor, ok := ArgAddress(args, "actor")
		return ok && actor == addr
	}
}

func TestWatchResolvesOnMatch(t *testing.T) {
	fake := NewFakeSubscriber()
	w := newTestWatcher(fake)
	actor := common.HexToAddress("0xaa00000000000000000000000000000000000001")

	done := make(chan struct{})
	var event Event
	var err error
	go func() {
		defer close(done)
		event, err = w.Watch(context.Background(), testContract, testABI, "ValueMoved", actorIs(actor))
	}()

	waitForSubscriptions(t, fake, 1)
	fake.Deliver(valueMovedLog(t, actor, 9100000))

	<-done
	require.NoError(t, err)
	assert.Equal(t, "ValueMoved", event.Name)
	amount, ok := ArgBig(event.Args, "amount")
	require.True(t, ok)
	assert.EqualValues(t, 9100000, amount.Int64())
	assert.EqualValues(t, 7, event.BlockNumber)
}

func TestPredicateIsolation(t *testing.T) {
	fake := NewFakeSubscriber()
	w := newTestWatcher(fake)
	actorA := common.HexToAddress("0xaa00000000000000000000000000000000000001")
	actorB := common.HexToAddress("0xbb00000000000000000000000000000000000002")

	doneA := make(chan error, 1)
	doneB := make(chan error, 1)
	ctxB, cancelB := context.WithCancel(context.Background())
	defer cancelB()

	go func() {
		_, err := w.Watch(context.Background(), testContract, testABI, "ValueMoved", actorIs(actorA))
		doneA <- err
	}()
	go func() {
		_, err := w.Watch(ctxB, testContract, testABI, "ValueMoved", actorIs(actorB))
		doneB <- err
	}()

	waitForSubscriptions(t, fake, 2)
	fake.Deliver(valueMovedLog(t, actorA, 100))

	require.NoError(t, <-doneA)
	select {
	case err := <-doneB:
		t.Fatalf("watcher B resolved on A's log: %v", err)
	case <-time.After(50 * time.Millisecond):
	}

	cancelB()
	require.ErrorIs(t, <-doneB, context.Canceled)
}

func TestBatchScanCompleteness(t *testing.T) {
	fake := NewFakeSubscriber()
	w := newTestWatcher(fake)
	wanted := common.HexToAddress("0xaa00000000000000000000000000000000000001")
	other := common.HexToAddress("0xcc00000000000000000000000000000000000003")

	for name, batch := range map[string][]types.Log{
		"non-matching first": {valueMovedLog(t, other, 1), valueMovedLog(t, wanted, 2)},
		"matching first":     {valueMovedLog(t, wanted, 2), valueMovedLog(t, other, 1)},
	} {
		t.Run(name, func(t *testing.T) {
			done := make(chan struct{})
			var event Event
			var err error
			go func() {
				defer close(done)
				event, err = w.Watch(context.Background(), testContract, testABI, "ValueMoved", actorIs(wanted))
			}()

			waitForSubscriptions(t, fake, 1)
			fake.Deliver(batch...)

			<-done
			require.NoError(t, err)
			actor, _ := ArgAddress(event.Args, "actor")
			assert.Equal(t, wanted, actor)
		})
	}
}

func TestWatchTimeout(t *testing.T) {
	fake := NewFakeSubscriber()
	w := newTestWatcher(fake)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	_, err := w.Watch(ctx, testContract, testABI, "ValueMoved", func(map[string]any) bool { return true })
	require.ErrorIs(t, err, ErrTimeout)
}

func TestSubscriptionHygiene(t *testing.T) {
	fake := NewFakeSubscriber()
	w := newTestWatcher(fake)
	actor := common.HexToAddress("0xaa00000000000000000000000000000000000001")

	require.Zero(t, fake.ActiveSubscriptions())
	require.Zero(t, w.Active())

	done := make(chan struct{})
	go func() {
		defer close(done)
		_, _ = w.Watch(context.Background(), testContract, testABI, "ValueMoved", actorIs(actor))
	}()
	waitForSubscriptions(t, fake, 1)
	fake.Deliver(valueMovedLog(t, actor, 1))
	<-done

	assert.Zero(t, fake.ActiveSubscriptions())
	assert.Zero(t, w.Active())

	// A timed-out watch also releases its subscription.
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
	defer cancel()
	_, err := w.Watch(ctx, testContract, testABI, "ValueMoved", actorIs(actor))
	require.ErrorIs(t, err, ErrTimeout)
	assert.Zero(t, fake.ActiveSubscriptions())
	assert.Zero(t, w.Active())
}

func TestMalformedLogSkipped(t *testing.T) {
	fake := NewFakeSubscriber()
	w := newTestWatcher(fake)
	actor := common.HexToAddress("0xaa00000000000000000000000000000000000001")

	done := make(chan struct{})
	var err error
	go func() {
		defer close(done)
		_, err = w.Watch(context.Background(), testContract, testABI, "ValueMoved", actorIs(actor))
	}()
	waitForSubscriptions(t, fake, 1)

	// Right topic0 but missing the indexed actor topic: wrong shape, must be
	// skipped, not treated as a match or a failure.
	malformed := types.Log{
		Address: testContract,
		Topics:  []common.Hash{testABI.Events["ValueMoved"].ID},
	}
	fake.Deliver(malformed)
	fake.Deliver(valueMovedLog(t, actor, 5))

	<-done
	require.NoError(t, err)
}

func waitForSubscriptions(t *testing.T, fake *FakeSubscriber, n int) {
	t.Helper()
	deadline := time.Now().Add(time.Second)
	for fake.ActiveSubscriptions() < n {
		if time.Now().After(deadline) {
			t.Fatalf("expected %d subscriptions, have %d", n, fake.ActiveSubscriptions())
		}
		time.Sleep(time.Millisecond)
	}
}
