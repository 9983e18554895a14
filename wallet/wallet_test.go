package wallet

import (
	"testing"

	"github.com/midatopay/qrsettle/types"
)

func TestGenerate(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if len(kp.Address) != types.AddressLength || kp.Address[:2] != "0x" {
		t.Errorf("unexpected address %q", kp.Address)
	}
	if kp.PrivateKeyHex == "" {
		t.Error("expected a private key")
	}

	other, err := Generate()
	if err != nil {
		t.Fatal(err)
	}
	if other.Address == kp.Address {
		t.Error("two generated wallets share an address")
	}
}

func TestEncryptDecryptRoundTrip(t *testing.T) {
	kp, err := Generate()
	if err != nil {
		t.Fatal(err)
	}

	sealed, err := EncryptKey(kp.PrivateKeyHex, "correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	if sealed == kp.PrivateKeyHex {
		t.Fatal("key stored in the clear")
	}

	plain, err := DecryptKey(sealed, "correct horse battery staple")
	if err != nil {
		t.Fatal(err)
	}
	if plain != kp.PrivateKeyHex {
		t.Error("round trip mismatch")
	}
}

func TestDecryptWrongPassphrase(t *testing.T) {
	sealed, err := EncryptKey("deadbeef", "right")
	if err != nil {
		t.Fatal(err)
	}
	if _, err := DecryptKey(sealed, "wrong"); err == nil {
		t.Error("expected authentication failure")
	}
	if _, err := DecryptKey("not-an-encrypted-key", "right"); err == nil {
		t.Error("expected malformed input failure")
	}
}
