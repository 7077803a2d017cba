package ledger

import (
	"context"
	"fmt"
)

// Wallet is a seed-derived source-ledger account.
type Wallet struct {
	Address string
	Seed    string
}

// Payment is a memo-carrying value transfer on the source ledger. Amounts are
// in drops, the ledger's smallest unit.
type Payment struct {
	Destination string
	AmountDrops uint64
	MemoHex     string
}

// Result is the ledger's final word on a submitted payment. A validated
// payment is irreversible.
type Result struct {
	TxHash       string
	EngineResult string
	Validated    bool
}

// RejectedError is terminal: the ledger refused or failed the payment and the
// workflow run must not blindly retry, since funds may already have moved.
type RejectedError struct {
	EngineResult string
}

func (e *RejectedError) Error() string {
	return fmt.Sprintf("ledger rejected payment: %s", e.EngineResult)
}

// Submitter abstracts the source-ledger node.
type Submitter interface {
	// WalletFromSeed resolves the ledger address for a seed.
	WalletFromSeed(ctx context.Context, seed string) (Wallet, error)
	// SubmitPayment signs, submits and blocks until the ledger reports the
	// payment validated or rejected.
	SubmitPayment(ctx context.Context, wallet Wallet, p Payment) (Result, error)
}

const dropsPerXRP = 1_000_000

// FormatXRP renders a drops amount in display units.
func FormatXRP(drops uint64) string {
	whole := drops / dropsPerXRP
	frac := drops % dropsPerXRP
	if frac == 0 {
		return fmt.Sprintf("%d", whole)
	}
	return fmt.Sprintf("%d.%06d", whole, frac)
}
