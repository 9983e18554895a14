// Package qr implements the compact TLV payment-code wire format carried
// inside the QR image: a sequence of tagged length-value records, each a
// two-character tag followed by a two-digit decimal length and the value.
// Exactly three tags are required; unknown tags are skipped on decode for
// forward compatibility.
package qr

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"

	qrcode "github.com/skip2/go-qrcode"

	"github.com/midatopay/qrsettle/types"
)

// Required record tags.
const (
	TagMerchantAddress = "MA"
	TagAmount          = "AM"
	TagReference       = "RF"
)

// maxValueLen is the largest value a two-digit decimal length can carry.
const maxValueLen = 99

var hexAddressRe = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)

// Payment is the decoded content of a payment code.
type Payment struct {
	MerchantAddress string `json:"merchantAddress"`
	AmountFiat      int64  `json:"amountFiat"`
	Reference       string `json:"reference"`
}

// Validate checks the three fields against the encoding preconditions.
func (p Payment) Validate() error {
	if !hexAddressRe.MatchString(p.MerchantAddress) {
		return types.NewError(types.ErrValidation,
			fmt.Sprintf("merchant address %q is not a %d-character 0x hex account", p.MerchantAddress, types.AddressLength))
	}
	if p.AmountFiat <= 0 {
		return types.NewError(types.ErrValidation, "amount must be positive")
	}
	if p.Reference == "" {
		return types.NewError(types.ErrValidation, "reference is required")
	}
	if len(p.Reference) > maxValueLen {
		return types.NewError(types.ErrValidation, "reference exceeds maximum encodable length")
	}
	return nil
}

// Encode renders a payment into the TLV wire string. The transform is pure
// and round-trip safe: Decode(Encode(p)) == p for every valid p.
func Encode(merchantAddress string, amountFiat int64, reference string) (string, error) {
	p := Payment{MerchantAddress: merchantAddress, AmountFiat: amountFiat, Reference: reference}
	if err := p.Validate(); err != nil {
		return "", err
	}

	var b strings.Builder
	writeRecord(&b, TagMerchantAddress, merchantAddress)
	writeRecord(&b, TagAmount, strconv.FormatInt(amountFiat, 10))
	writeRecord(&b, TagReference, reference)
	return b.String(), nil
}

func writeRecord(b *strings.Builder, tag, value string) {
	b.WriteString(tag)
	fmt.Fprintf(b, "%02d", len(value))
	b.WriteString(value)
}

// Decode parses a TLV wire string back into a payment. A truncated record,
// a missing required tag or a non-numeric amount is a hard failure.
func Decode(wire string) (*Payment, error) {
	fields := make(map[string]string, 3)

	for pos := 0; pos < len(wire); {
		if len(wire)-pos < 4 {
			return nil, types.NewError(types.ErrMalformedCode,
				fmt.Sprintf("truncated record header at offset %d", pos))
		}
		tag := wire[pos : pos+2]
		length, ok := parseLength(wire[pos+2 : pos+4])
		if !ok {
			return nil, types.NewError(types.ErrMalformedCode,
				fmt.Sprintf("invalid length for tag %s", tag))
		}
		pos += 4
		if pos+length > len(wire) {
			return nil, types.NewError(types.ErrMalformedCode,
				fmt.Sprintf("truncated value for tag %s", tag))
		}
		value := wire[pos : pos+length]
		pos += length

		switch tag {
		case TagMerchantAddress, TagAmount, TagReference:
			fields[tag] = value
		default:
			// Unknown tag: tolerated and skipped.
		}
	}

	for _, tag := range []string{TagMerchantAddress, TagAmount, TagReference} {
		if _, ok := fields[tag]; !ok {
			return nil, types.NewError(types.ErrMalformedCode,
				fmt.Sprintf("required tag %s is missing", tag))
		}
	}

	amount, err := strconv.ParseInt(fields[TagAmount], 10, 64)
	if err != nil {
		return nil, types.NewError(types.ErrMalformedCode,
			fmt.Sprintf("amount %q is not numeric", fields[TagAmount]))
	}

	return &Payment{
		MerchantAddress: fields[TagMerchantAddress],
		AmountFiat:      amount,
		Reference:       fields[TagReference],
	}, nil
}

// parseLength reads a record length as exactly two decimal digits.
// strconv is too lenient here: it would accept signs, letting a
// negative length slip past the bounds check below.
func parseLength(s string) (int, bool) {
	hi, lo := s[0], s[1]
	if hi < '0' || hi > '9' || lo < '0' || lo > '9' {
		return 0, false
	}
	return int(hi-'0')*10 + int(lo-'0'), true
}

// Image renders the wire string as a PNG suitable for display to a payer.
func Image(wire string, size int) ([]byte, error) {
	if size <= 0 {
		size = 256
	}
	png, err := qrcode.Encode(wire, qrcode.Medium, size)
	if err != nil {
		return nil, types.NewError(types.ErrValidation,
			fmt.Sprintf("failed to render QR image: %v", err))
	}
	return png, nil
}
