package tron

import (
	"bytes"
	"crypto/ecdsa"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"math/big"
	"strings"

	"github.com/ethereum/go-ethereum/crypto"
)

// Addresses are 21 raw bytes (0x41 prefix + last 20 bytes of the
// Keccak-256 hash of the uncompressed public key), rendered as
// base58check with a double-SHA256 checksum.

const (
	addressPrefix = 0x41
	rawAddressLen = 21
	checksumLen   = 4
)

const b58Alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

var b58Index = func() [128]int8 {
	var idx [128]int8
	for i := range idx {
		idx[i] = -1
	}
	for i, c := range b58Alphabet {
		idx[c] = int8(i)
	}
	return idx
}()

// GenerateAccount mints a new secp256k1 keypair and derives its address.
func GenerateAccount() (*Account, error) {
	key, err := crypto.GenerateKey()
	if err != nil {
		return nil, fmt.Errorf("generate key: %w", err)
	}
	return &Account{
		Address:    AddressFromKey(key),
		PrivateKey: hex.EncodeToString(crypto.FromECDSA(key)),
	}, nil
}

// AddressFromKey derives the base58check address for a private key.
func AddressFromKey(key *ecdsa.PrivateKey) string {
	pub := crypto.FromECDSAPub(&key.PublicKey)[1:] // drop the 0x04 marker
	hash := crypto.Keccak256(pub)
	raw := make([]byte, rawAddressLen)
	raw[0] = addressPrefix
	copy(raw[1:], hash[12:])
	return EncodeAddress(raw)
}

// ParseKey decodes a hex private key, tolerating an optional 0x prefix.
func ParseKey(hexKey string) (*ecdsa.PrivateKey, error) {
	hexKey = strings.TrimPrefix(strings.TrimSpace(hexKey), "0x")
	key, err := crypto.HexToECDSA(hexKey)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidPrivateKey, err)
	}
	return key, nil
}

// EncodeAddress renders 21 raw address bytes as base58check.
func EncodeAddress(raw []byte) string {
	sum := doubleSHA256(raw)
	return base58Encode(append(append([]byte{}, raw...), sum[:checksumLen]...))
}

// DecodeAddress parses a base58check address back to its 21 raw bytes,
// verifying the checksum and prefix.
func DecodeAddress(addr string) ([]byte, error) {
	decoded, err := base58Decode(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidAddress, err)
	}
	if len(decoded) != rawAddressLen+checksumLen {
		return nil, fmt.Errorf("%w: wrong length", ErrInvalidAddress)
	}
	raw, sum := decoded[:rawAddressLen], decoded[rawAddressLen:]
	want := doubleSHA256(raw)
	if !bytes.Equal(sum, want[:checksumLen]) {
		return nil, fmt.Errorf("%w: checksum mismatch", ErrInvalidAddress)
	}
	if raw[0] != addressPrefix {
		return nil, fmt.Errorf("%w: wrong prefix", ErrInvalidAddress)
	}
	return raw, nil
}

func doubleSHA256(b []byte) [sha256.Size]byte {
	first := sha256.Sum256(b)
	return sha256.Sum256(first[:])
}

func base58Encode(input []byte) string {
	x := new(big.Int).SetBytes(input)
	base := big.NewInt(58)
	mod := new(big.Int)

	var out []byte
	for x.Sign() > 0 {
		x.DivMod(x, base, mod)
		out = append(out, b58Alphabet[mod.Int64()])
	}
	for _, b := range input {
		if b != 0 {
			break
		}
		out = append(out, b58Alphabet[0])
	}
	for i, j := 0, len(out)-1; i < j; i, j = i+1, j-1 {
		out[i], out[j] = out[j], out[i]
	}
	return string(out)
}

func base58Decode(s string) ([]byte, error) {
	x := new(big.Int)
	base := big.NewInt(58)
	for _, c := range s {
		if c >= 128 || b58Index[c] < 0 {
			return nil, fmt.Errorf("invalid base58 character %q", c)
		}
		x.Mul(x, base)
		x.Add(x, big.NewInt(int64(b58Index[c])))
	}

	out := x.Bytes()
	var leading int
	for _, c := range s {
		if byte(c) != b58Alphabet[0] {
			break
		}
		leading++
	}
	return append(make([]byte, leading), out...), nil
}
