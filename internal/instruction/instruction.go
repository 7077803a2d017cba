package instruction

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/common"
)

// Kind is the one-byte instruction type id that leads every encoding. The
// operator looks up the relay fee by this byte, so it must stay stable.
type Kind uint8

const (
	KindCollateralReservation           Kind = 0x01
	KindTransfer                        Kind = 0x02
	KindCollateralReservationAndDeposit Kind = 0x03
	KindCustomCall                      Kind = 0x04
)

func (k Kind) String() string {
	switch k {
	case KindCollateralReservation:
		return "CollateralReservation"
	case KindTransfer:
		return "Transfer"
	case KindCollateralReservationAndDeposit:
		return "CollateralReservationAndDeposit"
	case KindCustomCall:
		return "CustomCall"
	}
	return fmt.Sprintf("Kind(%d)", uint8(k))
}

// FieldError reports a malformed instruction field before anything is encoded.
type FieldError struct {
	Field  string
	Reason string
}

func (e *FieldError) Error() string {
	return fmt.Sprintf("invalid instruction field %s: %s", e.Field, e.Reason)
}

// CollateralReservation asks the operator to reserve minting collateral for a
// number of lots against an agent vault.
type CollateralReservation struct {
	WalletID     uint64
	Lots         int64
	AgentVaultID int64
}

func (c CollateralReservation) Encode() ([]byte, error) {
	if c.Lots <= 0 {
		return nil, &FieldError{Field: "lots", Reason: "must be positive"}
	}
	if c.AgentVaultID < 0 {
		return nil, &FieldError{Field: "agentVaultId", Reason: "must not be negative"}
	}
	buf := make([]byte, 0, 25)
	buf = append(buf, byte(KindCollateralReservation))
	buf = appendUint64(buf, c.WalletID)
	buf = appendUint64(buf, uint64(c.Lots))
	buf = appendUint64(buf, uint64(c.AgentVaultID))
	return buf, nil
}

// Transfer moves an exact token amount from the sender's personal account to a
// recipient on the target chain. Value is denominated in the token's smallest
// unit (UBA) and must come from a confirmed minting event, never recomputed.
type Transfer struct {
	WalletID  uint64
	Value     *big.Int
	Recipient string
}

func (t Transfer) Encode() ([]byte, error) {
	if t.Value == nil || t.Value.Sign() <= 0 {
		return nil, &FieldError{Field: "value", Reason: "must be positive"}
	}
	if t.Value.BitLen() > 256 {
		return nil, &FieldError{Field: "value", Reason: "exceeds 256 bits"}
	}
	if !strings.HasPrefix(t.Recipient, "0x") || !common.IsHexAddress(t.Recipient) {
		return nil, &FieldError{Field: "recipientAddress", Reason: "not a 0x-prefixed 20-byte address"}
	}
	buf := make([]byte, 0, 61)
	buf = append(buf, byte(KindTransfer))
	buf = appendUint64(buf, t.WalletID)
	buf = append(buf, common.LeftPadBytes(t.Value.Bytes(), 32)...)
	buf = append(buf, common.HexToAddress(t.Recipient).Bytes()...)
	return buf, nil
}

// CollateralReservationAndDeposit reserves collateral and, once minted,
// deposits the proceeds into a yield vault in the same relayed instruction.
type CollateralReservationAndDeposit struct {
	WalletID     uint64
	Lots         int64
	AgentVaultID int64
	VaultID      int64
}

func (c CollateralReservationAndDeposit) Encode() ([]byte, error) {
	if c.Lots <= 0 {
		return nil, &FieldError{Field: "lots", Reason: "must be positive"}
	}
	if c.AgentVaultID < 0 {
		return nil, &FieldError{Field: "agentVaultId", Reason: "must not be negative"}
	}
	if c.VaultID < 0 {
		return nil, &FieldError{Field: "vaultId", Reason: "must not be negative"}
	}
	buf := make([]byte, 0, 33)
	buf = append(buf, byte(KindCollateralReservationAndDeposit))
	buf = appendUint64(buf, c.WalletID)
	buf = appendUint64(buf, uint64(c.Lots))
	buf = appendUint64(buf, uint64(c.AgentVaultID))
	buf = appendUint64(buf, uint64(c.VaultID))
	return buf, nil
}

// CustomCall references a pre-registered call by its hash; the operator
// executes whatever was registered under that hash on the target chain.
type CustomCall struct {
	WalletID uint64
	CallHash common.Hash
}

func (c CustomCall) Encode() ([]byte, error) {
	if c.CallHash == (common.Hash{}) {
		return nil, &FieldError{Field: "callHash", Reason: "must not be zero"}
	}
	buf := make([]byte, 0, 41)
	buf = append(buf, byte(KindCustomCall))
	buf = appendUint64(buf, c.WalletID)
	buf = append(buf, c.CallHash.Bytes()...)
	return buf, nil
}

// Selector returns the fee lookup key: the leading type-id byte of an
// encoded instruction.
func Selector(encoded []byte) (Kind, error) {
	if len(encoded) == 0 {
		return 0, &FieldError{Field: "encoded", Reason: "empty encoding"}
	}
	return Kind(encoded[0]), nil
}

// MemoData renders an encoded instruction as the source ledger expects it in
// a payment memo: uppercase hex, no 0x marker.
func MemoData(encoded []byte) string {
	if len(encoded) == 0 {
		return ""
	}
	return strings.ToUpper(hex.EncodeToString(encoded))
}

// ParseTransfer decodes a Transfer encoding back into its fields. Round-trip
// decoding is how downstream checks confirm the relayed value matches the
// minted amount.
func ParseTransfer(encoded []byte) (Transfer, error) {
	if len(encoded) != 61 {
		return Transfer{}, &FieldError{Field: "encoded", Reason: "wrong length for Transfer"}
	}
	if Kind(encoded[0]) != KindTransfer {
		return Transfer{}, &FieldError{Field: "encoded", Reason: "not a Transfer instruction"}
	}
	return Transfer{
		WalletID:  binary.BigEndian.Uint64(encoded[1:9]),
		Value:     new(big.Int).SetBytes(encoded[9:41]),
		Recipient: common.BytesToAddress(encoded[41:61]).Hex(),
	}, nil
}

func appendUint64(buf []byte, v uint64) []byte {
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], v)
	return append(buf, b[:]...)
}
