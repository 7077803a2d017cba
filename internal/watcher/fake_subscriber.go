package watcher

import (
	"context"
	"sync"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/core/types"
)

// FakeSubscriber is an in-memory log stream for tests. Delivered logs fan out
// to every active subscription whose filter matches.
type FakeSubscriber struct {
	mu   sync.Mutex
	subs map[*fakeSubscription]struct{}
}

func NewFakeSubscriber() *FakeSubscriber {
	return &FakeSubscriber{subs: make(map[*fakeSubscription]struct{})}
}

type fakeSubscription struct {
	parent *FakeSubscriber
	query  ethereum.FilterQuery
	ch     chan<- types.Log
	errCh  chan error
	once   sync.Once
}

func (s *fakeSubscription) Unsubscribe() {
	s.once.Do(func() {
		s.parent.mu.Lock()
		delete(s.parent.subs, s)
		s.parent.mu.Unlock()
		close(s.errCh)
	})
}

func (s *fakeSubscription) Err() <-chan error { return s.errCh }

func (f *FakeSubscriber) SubscribeFilterLogs(_ context.Context, q ethereum.FilterQuery, ch chan<- types.Log) (ethereum.Subscription, error) {
	sub := &fakeSubscription{parent: f, query: q, ch: ch, errCh: make(chan error, 1)}
	f.mu.Lock()
	f.subs[sub] = struct{}{}
	f.mu.Unlock()
	return sub, nil
}

// Deliver pushes a batch of logs to every matching subscription, in order.
func (f *FakeSubscriber) Deliver(logs ...types.Log) {
	f.mu.Lock()
	subs := make([]*fakeSubscription, 0, len(f.subs))
	for s := range f.subs {
		subs = append(subs, s)
	}
	f.mu.Unlock()

	for _, s := range subs {
		for _, lg := range logs {
			if !matches(s.query, lg) {
				continue
			}
			s.ch <- lg
		}
	}
}

// ActiveSubscriptions reports how many subscriptions are currently held.
func (f *FakeSubscriber) ActiveSubscriptions() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.subs)
}

func matches(q ethereum.FilterQuery, lg types.Log) bool {
	if len(q.Addresses) > 0 {
		found := false
		for _, a := range q.Addresses {
			if a == lg.Address {
				found = true
				break
			}
		}
		if !found {
			return false
		}
	}
	if len(q.Topics) > 0 && len(q.Topics[0]) > 0 {
		if len(lg.Topics) == 0 {
			return false
		}
		for _, t := range q.Topics[0] {
			if t == lg.Topics[0] {
				return true
			}
		}
		return false
	}
	return true
}
