package cardano

import (
	"strings"
	"testing"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

const testMnemonic = "abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon abandon about"

func TestMnemonicEncryptionRoundTrip(t *testing.T) {
	encrypted, err := EncryptMnemonic(testMnemonic, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if encrypted == testMnemonic {
		t.Fatal("encrypted mnemonic equals plaintext")
	}

	decrypted, err := DecryptMnemonic(encrypted, "hunter2")
	if err != nil {
		t.Fatal(err)
	}
	if decrypted != testMnemonic {
		t.Errorf("decrypted = %q, want original mnemonic", decrypted)
	}

	if _, err := DecryptMnemonic(encrypted, "wrong-passphrase"); err == nil {
		t.Error("decryption with wrong passphrase should fail")
	}
}

func TestDeriveWalletKeys(t *testing.T) {
	keys, err := DeriveWalletKeys(testMnemonic, models.NetworkPreprod)
	if err != nil {
		t.Fatal(err)
	}

	if !strings.HasPrefix(keys.Address, "addr_test1") {
		t.Errorf("preprod address = %q, want addr_test1 prefix", keys.Address)
	}
	if len(keys.VkeyHash) != 56 {
		t.Errorf("vkey hash length = %d, want 56 hex chars", len(keys.VkeyHash))
	}

	// Derivation must be deterministic.
	again, err := DeriveWalletKeys(testMnemonic, models.NetworkPreprod)
	if err != nil {
		t.Fatal(err)
	}
	if again.Address != keys.Address || again.VkeyHash != keys.VkeyHash {
		t.Error("derivation is not deterministic")
	}

	mainnet, err := DeriveWalletKeys(testMnemonic, models.NetworkMainnet)
	if err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(mainnet.Address, "addr1") {
		t.Errorf("mainnet address = %q, want addr1 prefix", mainnet.Address)
	}

	if _, err := DeriveWalletKeys("definitely not a mnemonic", models.NetworkPreprod); err == nil {
		t.Error("invalid mnemonic should be rejected")
	}
}

func TestDecodeAddressRoundTrip(t *testing.T) {
	hash := make([]byte, 28)
	for i := range hash {
		hash[i] = byte(i)
	}

	addr, err := EnterpriseAddress(models.NetworkPreprod, hash)
	if err != nil {
		t.Fatal(err)
	}

	raw, err := DecodeAddress(addr)
	if err != nil {
		t.Fatal(err)
	}
	if len(raw) != 29 || raw[0] != 0x60 {
		t.Errorf("decoded address header = %x len %d, want 0x60 len 29", raw[0], len(raw))
	}
	for i, b := range raw[1:] {
		if b != byte(i) {
			t.Fatalf("key hash byte %d = %x, want %x", i, b, byte(i))
		}
	}
}
