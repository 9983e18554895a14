package qr

import (
	"strings"
	"testing"

	"github.com/midatopay/qrsettle/types"
)

const testAddress = "0xC37c16139a8eFC8f4c2B7CAA5C607514C825FC4C"

func TestEncodeDecodeRoundTrip(t *testing.T) {
	cases := []Payment{
		{MerchantAddress: testAddress, AmountFiat: 1000, Reference: "payment_1"},
		{MerchantAddress: "0x" + strings.Repeat("a", 40), AmountFiat: 1, Reference: "payment_999999"},
		{MerchantAddress: testAddress, AmountFiat: 123456789, Reference: "payment_42"},
	}

	for _, want := range cases {
		wire, err := Encode(want.MerchantAddress, want.AmountFiat, want.Reference)
		if err != nil {
			t.Fatalf("Encode(%+v): %v", want, err)
		}

		got, err := Decode(wire)
		if err != nil {
			t.Fatalf("Decode(%q): %v", wire, err)
		}
		if *got != want {
			t.Errorf("round trip mismatch: got %+v, want %+v", *got, want)
		}
	}
}

func TestEncodeValidation(t *testing.T) {
	cases := []struct {
		name      string
		address   string
		amount    int64
		reference string
	}{
		{"short address", "0x1234", 1000, "payment_1"},
		{"no hex prefix", strings.Repeat("a", 42), 1000, "payment_1"},
		{"non-hex address", "0x" + strings.Repeat("z", 40), 1000, "payment_1"},
		{"zero amount", testAddress, 0, "payment_1"},
		{"negative amount", testAddress, -5, "payment_1"},
		{"empty reference", testAddress, 1000, ""},
		{"oversized reference", testAddress, 1000, strings.Repeat("x", 100)},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := Encode(tc.address, tc.amount, tc.reference)
			if types.ErrorCode(err) != types.ErrValidation {
				t.Errorf("expected VALIDATION_ERROR, got %v", err)
			}
		})
	}
}

func TestDecodeMissingTags(t *testing.T) {
	full, err := Encode(testAddress, 1000, "payment_7")
	if err != nil {
		t.Fatal(err)
	}

	// Drop each record in turn: every required tag must be a hard failure.
	records := []string{
		"MA42" + testAddress,
		"AM041000",
		"RF09payment_7",
	}
	for i, dropped := range records {
		wire := strings.Replace(full, dropped, "", 1)
		if wire == full {
			t.Fatalf("record %d not found in wire %q", i, full)
		}
		if _, err := Decode(wire); types.ErrorCode(err) != types.ErrMalformedCode {
			t.Errorf("wire without %q: expected MALFORMED_CODE, got %v", dropped[:2], err)
		}
	}
}

func TestDecodeTruncated(t *testing.T) {
	wire, err := Encode(testAddress, 1000, "payment_7")
	if err != nil {
		t.Fatal(err)
	}

	for _, cut := range []int{1, 3, len(wire) - 1} {
		if _, err := Decode(wire[:cut]); types.ErrorCode(err) != types.ErrMalformedCode {
			t.Errorf("Decode(wire[:%d]): expected MALFORMED_CODE, got %v", cut, err)
		}
	}
}

func TestDecodeRejectsNonDigitLength(t *testing.T) {
	// Signed or otherwise non-digit length bytes must fail cleanly,
	// never reach the value slice.
	cases := []string{
		"MA-1x",
		"MA+5hello",
		"MA 5hello",
		"MAx9hello",
		"MA4" + string(rune(0)) + "abcd",
	}
	for _, wire := range cases {
		if _, err := Decode(wire); types.ErrorCode(err) != types.ErrMalformedCode {
			t.Errorf("Decode(%q): expected MALFORMED_CODE, got %v", wire, err)
		}
	}
}

func TestDecodeNonNumericAmount(t *testing.T) {
	wire := "MA42" + testAddress + "AM04abcd" + "RF09payment_7"
	if _, err := Decode(wire); types.ErrorCode(err) != types.ErrMalformedCode {
		t.Errorf("expected MALFORMED_CODE for non-numeric amount, got %v", err)
	}
}

func TestDecodeIgnoresUnknownTags(t *testing.T) {
	wire, err := Encode(testAddress, 1000, "payment_7")
	if err != nil {
		t.Fatal(err)
	}

	// Unknown records before, between and after the required ones.
	wire = "XX05hello" + wire + "ZZ02ok"
	got, err := Decode(wire)
	if err != nil {
		t.Fatalf("Decode with unknown tags: %v", err)
	}
	if got.Reference != "payment_7" || got.AmountFiat != 1000 || got.MerchantAddress != testAddress {
		t.Errorf("unexpected decode result: %+v", got)
	}
}

func TestImage(t *testing.T) {
	wire, err := Encode(testAddress, 1000, "payment_7")
	if err != nil {
		t.Fatal(err)
	}

	png, err := Image(wire, 0)
	if err != nil {
		t.Fatalf("Image: %v", err)
	}
	if len(png) == 0 {
		t.Error("expected non-empty PNG")
	}
	// PNG magic header
	if string(png[1:4]) != "PNG" {
		t.Errorf("expected PNG data, got leading bytes %v", png[:4])
	}
}
