package watcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math/big"
	"sync/atomic"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/accounts/abi"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
)

// ErrTimeout reports that the watched event was not observed before the
// caller's deadline. The workflow run should be failed, not left hanging.
var ErrTimeout = errors.New("event not observed before deadline")

// LogSubscriber is the slice of the chain client a watcher needs. Satisfied
// by *ethclient.Client; tests use a fake.
type LogSubscriber interface {
	SubscribeFilterLogs(ctx context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error)
}

// Predicate decides whether a decoded log resolves the watch.
type Predicate func(args map[string]any) bool

// Event is the single correlated log a successful watch produces.
type Event struct {
	Contract    common.Address
	Name        string
	Args        map[string]any
	BlockNumber uint64
	TxHash      common.Hash
}

// Watcher converts a push-based log stream into single blocking results. Each
// Watch call holds its own subscription and predicate; concurrent watchers on
// the same contract and event are fully independent.
type Watcher struct {
	sub    LogSubscriber
	active atomic.Int64
	log    *slog.Logger
}

func New(sub LogSubscriber, log *slog.Logger) *Watcher {
	return &Watcher{sub: sub, log: log}
}

// Active reports the number of in-flight watches. It returns to its pre-call
// value once a watch resolves or times out.
func (w *Watcher) Active() int64 {
	return w.active.Load()
}

// Watch subscribes to contract/eventName logs and blocks until the first log
// whose decoded arguments satisfy the predicate. Every delivered log is
// decoded and evaluated; non-matching logs are skipped and never resolve or
// block the watch. The subscription is always torn down before returning.
func (w *Watcher) Watch(ctx context.Context, contract common.Address, contractABI abi.ABI, eventName string, pred Predicate) (Event, error) {
	ev, ok := contractABI.Events[eventName]
	if !ok {
		return Event{}, fmt.Errorf("event %s not declared in contract ABI", eventName)
	}

	query := ethereum.FilterQuery{
		Addresses: []common.Address{contract},
		Topics:    [][]common.Hash{{ev.ID}},
	}
	logs := make(chan types.Log, 16)

	sub, err := w.sub.SubscribeFilterLogs(ctx, query, logs)
	if err != nil {
		return Event{}, fmt.Errorf("subscribe %s: %w", eventName, err)
	}
	defer sub.Unsubscribe()

	w.active.Add(1)
	defer w.active.Add(-1)

	w.log.Debug("watching", "contract", contract.Hex(), "event", eventName)

	for {
		select {
		case <-ctx.Done():
			if errors.Is(ctx.Err(), context.DeadlineExceeded) {
				return Event{}, fmt.Errorf("%s: %w", eventName, ErrTimeout)
			}
			return Event{}, ctx.Err()
		case err := <-sub.Err():
			return Event{}, fmt.Errorf("subscription %s: %w", eventName, err)
		case lg := <-logs:
			args, err := decodeLog(ev, lg)
			if err != nil {
				// A log whose shape does not match the declared event is
				// skipped rather than cast blindly.
				w.log.Warn("dropping log with unexpected shape", "event", eventName, "err", err)
				continue
			}
			if !pred(args) {
				continue
			}
			return Event{
				Contract:    lg.Address,
				Name:        eventName,
				Args:        args,
				BlockNumber: lg.BlockNumber,
				TxHash:      lg.TxHash,
			}, nil
		}
	}
}

// decodeLog validates a raw log against the event's declared layout and
// unpacks indexed topics and data fields into one argument map.
func decodeLog(ev abi.Event, lg types.Log) (map[string]any, error) {
	var indexed abi.Arguments
	for _, in := range ev.Inputs {
		if in.Indexed {
			indexed = append(indexed, in)
		}
	}
	if len(lg.Topics) != len(indexed)+1 {
		return nil, fmt.Errorf("expected %d topics, got %d", len(indexed)+1, len(lg.Topics))
	}

	args := make(map[string]any)
	if len(lg.Data) > 0 {
		if err := ev.Inputs.UnpackIntoMap(args, lg.Data); err != nil {
			return nil, fmt.Errorf("unpack data: %w", err)
		}
	}
	if len(indexed) > 0 {
		if err := abi.ParseTopicsIntoMap(args, indexed, lg.Topics[1:]); err != nil {
			return nil, fmt.Errorf("parse topics: %w", err)
		}
	}
	return args, nil
}

// Arg helpers keep predicates short and shape-safe.

func ArgAddress(args map[string]any, name string) (common.Address, bool) {
	v, ok := args[name].(common.Address)
	return v, ok
}

func ArgBig(args map[string]any, name string) (*big.Int, bool) {
	v, ok := args[name].(*big.Int)
	return v, ok
}

func ArgString(args map[string]any, name string) (string, bool) {
	v, ok := args[name].(string)
	return v, ok
}
