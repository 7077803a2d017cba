package ledger

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"sync"
)

// FakeSubmitter hashes payloads to deterministically emulate ledger payments
// in tests. It records every submitted payment for assertions.
type FakeSubmitter struct {
	mu       sync.Mutex
	Payments []Payment
	// RejectWith, when set, fails every submission with that engine result.
	RejectWith string
}

func (f *FakeSubmitter) WalletFromSeed(_ context.Context, seed string) (Wallet, error) {
	if seed == "" {
		return Wallet{}, fmt.Errorf("seed is required")
	}
	sum := sha256.Sum256([]byte(seed))
	return Wallet{
		Address: "r" + strings.ToUpper(hex.EncodeToString(sum[:16])),
		Seed:    seed,
	}, nil
}

func (f *FakeSubmitter) SubmitPayment(_ context.Context, wallet Wallet, p Payment) (Result, error) {
	if p.Destination == "" {
		return Result{}, fmt.Errorf("destination is required")
	}
	if f.RejectWith != "" {
		return Result{}, &RejectedError{EngineResult: f.RejectWith}
	}

	f.mu.Lock()
	f.Payments = append(f.Payments, p)
	n := len(f.Payments)
	f.mu.Unlock()

	sum := sha256.Sum256([]byte(fmt.Sprintf("%s|%s|%d|%s|%d", wallet.Address, p.Destination, p.AmountDrops, p.MemoHex, n)))
	return Result{
		TxHash:       strings.ToUpper(hex.EncodeToString(sum[:])),
		EngineResult: "tesSUCCESS",
		Validated:    true,
	}, nil
}

// Submitted returns a snapshot of recorded payments.
func (f *FakeSubmitter) Submitted() []Payment {
	f.mu.Lock()
	defer f.mu.Unlock()
	out := make([]Payment, len(f.Payments))
	copy(out, f.Payments)
	return out
}
