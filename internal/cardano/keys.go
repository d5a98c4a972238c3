package cardano

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/ed25519"
	"crypto/rand"
	"crypto/sha256"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"fmt"

	"github.com/btcsuite/btcd/btcutil/bech32"
	"github.com/tyler-smith/go-bip39"
	"golang.org/x/crypto/blake2b"

	"github.com/masumi-network/masumi-payment-service-sub003/internal/models"
)

// WalletKeys is the signing material derived from a hot wallet mnemonic.
type WalletKeys struct {
	PrivateKey ed25519.PrivateKey
	PublicKey  ed25519.PublicKey
	VkeyHash   string // hex blake2b-224 of the public key
	Address    string // bech32 enterprise address
}

// EncryptMnemonic seals a mnemonic with AES-GCM under a passphrase-derived
// key. Output is base64(nonce || ciphertext).
func EncryptMnemonic(mnemonic, passphrase string) (string, error) {
	block, err := aes.NewCipher(passphraseKey(passphrase))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	nonce := make([]byte, gcm.NonceSize())
	if _, err := rand.Read(nonce); err != nil {
		return "", err
	}
	sealed := gcm.Seal(nonce, nonce, []byte(mnemonic), nil)
	return base64.StdEncoding.EncodeToString(sealed), nil
}

func DecryptMnemonic(encrypted, passphrase string) (string, error) {
	raw, err := base64.StdEncoding.DecodeString(encrypted)
	if err != nil {
		return "", fmt.Errorf("invalid encrypted mnemonic: %w", err)
	}
	block, err := aes.NewCipher(passphraseKey(passphrase))
	if err != nil {
		return "", err
	}
	gcm, err := cipher.NewGCM(block)
	if err != nil {
		return "", err
	}
	if len(raw) < gcm.NonceSize() {
		return "", errors.New("invalid encrypted mnemonic: too short")
	}
	nonce, ciphertext := raw[:gcm.NonceSize()], raw[gcm.NonceSize():]
	plain, err := gcm.Open(nil, nonce, ciphertext, nil)
	if err != nil {
		return "", fmt.Errorf("mnemonic decryption failed: %w", err)
	}
	return string(plain), nil
}

func passphraseKey(passphrase string) []byte {
	key := sha256.Sum256([]byte(passphrase))
	return key[:]
}

// DeriveWalletKeys turns a mnemonic into the wallet's payment key pair,
// key hash and enterprise address for the given network.
func DeriveWalletKeys(mnemonic, network string) (*WalletKeys, error) {
	if !bip39.IsMnemonicValid(mnemonic) {
		return nil, errors.New("invalid mnemonic")
	}
	seed := bip39.NewSeed(mnemonic, "")
	priv := ed25519.NewKeyFromSeed(seed[:ed25519.SeedSize])
	pub := priv.Public().(ed25519.PublicKey)

	hash, err := blake2b.New(28, nil)
	if err != nil {
		return nil, err
	}
	hash.Write(pub)
	vkeyHash := hash.Sum(nil)

	addr, err := EnterpriseAddress(network, vkeyHash)
	if err != nil {
		return nil, err
	}

	return &WalletKeys{
		PrivateKey: priv,
		PublicKey:  pub,
		VkeyHash:   hex.EncodeToString(vkeyHash),
		Address:    addr,
	}, nil
}

// EnterpriseAddress builds a payment-key-only address: header nibble 0110,
// network bit, then the 28-byte key hash, bech32 encoded.
func EnterpriseAddress(network string, vkeyHash []byte) (string, error) {
	if len(vkeyHash) != 28 {
		return "", fmt.Errorf("key hash must be 28 bytes, got %d", len(vkeyHash))
	}
	header := byte(0x60)
	hrp := "addr_test"
	if network == models.NetworkMainnet {
		header = 0x61
		hrp = "addr"
	}
	payload := append([]byte{header}, vkeyHash...)
	converted, err := bech32.ConvertBits(payload, 8, 5, true)
	if err != nil {
		return "", err
	}
	return bech32.Encode(hrp, converted)
}

// DecodeAddress returns the raw address bytes of a bech32 address.
func DecodeAddress(addr string) ([]byte, error) {
	_, data, err := bech32.DecodeNoLimit(addr)
	if err != nil {
		return nil, fmt.Errorf("invalid address %q: %w", addr, err)
	}
	raw, err := bech32.ConvertBits(data, 5, 8, false)
	if err != nil {
		return nil, err
	}
	return raw, nil
}
