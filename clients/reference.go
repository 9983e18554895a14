package clients

import (
	"fmt"
	"math/big"
	"strings"

	"github.com/midatopay/qrsettle/types"
)

// ReferencePrefix is the textual form of a payment reference:
// the prefix followed by the decimal sequence number.
const ReferencePrefix = "payment_"

// FormatReference renders a sequence number as a payment reference.
func FormatReference(n uint64) string {
	return fmt.Sprintf("%s%d", ReferencePrefix, n)
}

// ReferenceSequence extracts the numeric suffix of a reference.
func ReferenceSequence(reference string) (uint64, error) {
	suffix, ok := strings.CutPrefix(reference, ReferencePrefix)
	if !ok || suffix == "" {
		return 0, types.NewError(types.ErrInvalidReference,
			fmt.Sprintf("reference %q does not match %s<n>", reference, ReferencePrefix))
	}

	n, valid := new(big.Int).SetString(suffix, 10)
	if !valid || n.Sign() < 0 {
		return 0, types.NewError(types.ErrInvalidReference,
			fmt.Sprintf("reference %q has a non-numeric or negative suffix", reference))
	}
	if !n.IsUint64() {
		return 0, types.NewError(types.ErrInvalidReference,
			fmt.Sprintf("reference %q sequence exceeds uint64 range", reference))
	}
	return n.Uint64(), nil
}

// ReferenceToChainID maps a reference onto the 32-byte on-chain payment
// identifier: the decimal sequence number, big-endian, left-padded with
// zero bytes. The gateway contract keys its processed-payments registry
// by this identifier.
func ReferenceToChainID(reference string) ([32]byte, error) {
	var id [32]byte

	seq, err := ReferenceSequence(reference)
	if err != nil {
		return id, err
	}

	new(big.Int).SetUint64(seq).FillBytes(id[:])
	return id, nil
}
