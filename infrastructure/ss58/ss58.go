// Package ss58 implements SS58 address encoding: a version-prefixed,
// checksummed, base58 address scheme. It generalizes the
// "checksum(version‖payload) -> base58" structure of
// infrastructure/chain/address.go's Neo N3 address derivation from Neo's
// double-SHA256 checksum to SS58's blake2b-keyed checksum.
package ss58

import (
	"fmt"
	"math/big"

	"golang.org/x/crypto/blake2b"
)

// ss58Prefix is the fixed preimage prefix SS58 hashes along with the payload
// before truncating to the checksum bytes, matching the reference encoding.
const ss58Prefix = "SS58PRE"

const checksumLength = 2

// Encode renders a 32-byte account id as an SS58 address under networkPrefix
// (the "version" byte; e.g. 42 for a generic Substrate chain).
func Encode(networkPrefix byte, accountID [32]byte) (string, error) {
	payload := make([]byte, 0, 1+32+checksumLength)
	payload = append(payload, networkPrefix)
	payload = append(payload, accountID[:]...)

	checksum, err := computeChecksum(payload)
	if err != nil {
		return "", err
	}
	payload = append(payload, checksum[:checksumLength]...)

	return base58Encode(payload), nil
}

// Decode parses an SS58 address, returning its network prefix and account
// id, and verifying the checksum.
func Decode(address string) (byte, [32]byte, error) {
	var accountID [32]byte

	raw, err := base58Decode(address)
	if err != nil {
		return 0, accountID, fmt.Errorf("decode base58: %w", err)
	}
	if len(raw) != 1+32+checksumLength {
		return 0, accountID, fmt.Errorf("unexpected ss58 payload length %d", len(raw))
	}

	prefix := raw[0]
	payload := raw[:1+32]
	gotChecksum := raw[1+32:]

	wantChecksum, err := computeChecksum(payload)
	if err != nil {
		return 0, accountID, err
	}
	for i := 0; i < checksumLength; i++ {
		if gotChecksum[i] != wantChecksum[i] {
			return 0, accountID, fmt.Errorf("ss58 checksum mismatch")
		}
	}

	copy(accountID[:], raw[1:1+32])
	return prefix, accountID, nil
}

// computeChecksum is blake2b-512("SS58PRE" || payload), matching the
// reference SS58 checksum derivation.
func computeChecksum(payload []byte) ([]byte, error) {
	h, err := blake2b.New512(nil)
	if err != nil {
		return nil, fmt.Errorf("new blake2b hash: %w", err)
	}
	h.Write([]byte(ss58Prefix))
	h.Write(payload)
	return h.Sum(nil), nil
}

// base58Encode is adapted byte-for-byte from
// infrastructure/chain/address.go's base58Encode, generalized to operate on
// arbitrary version-prefixed payloads instead of Neo script hashes.
func base58Encode(input []byte) string {
	const alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

	x := new(big.Int).SetBytes(input)
	base := big.NewInt(58)
	zero := big.NewInt(0)
	mod := new(big.Int)

	var result []byte
	for x.Cmp(zero) > 0 {
		x.DivMod(x, base, mod)
		result = append([]byte{alphabet[mod.Int64()]}, result...)
	}

	for _, b := range input {
		if b != 0 {
			break
		}
		result = append([]byte{alphabet[0]}, result...)
	}

	if len(result) == 0 {
		result = []byte{alphabet[0]}
	}
	return string(result)
}

func base58Decode(s string) ([]byte, error) {
	const alphabet = "123456789ABCDEFGHJKLMNPQRSTUVWXYZabcdefghijkmnopqrstuvwxyz"

	x := big.NewInt(0)
	base := big.NewInt(58)
	for _, ch := range s {
		idx := indexOf(alphabet, byte(ch))
		if idx < 0 {
			return nil, fmt.Errorf("invalid base58 character %q", ch)
		}
		x.Mul(x, base)
		x.Add(x, big.NewInt(int64(idx)))
	}

	decoded := x.Bytes()

	leadingZeros := 0
	for _, ch := range s {
		if ch != rune(alphabet[0]) {
			break
		}
		leadingZeros++
	}

	result := make([]byte, leadingZeros+len(decoded))
	copy(result[leadingZeros:], decoded)
	return result, nil
}

func indexOf(alphabet string, b byte) int {
	for i := 0; i < len(alphabet); i++ {
		if alphabet[i] == b {
			return i
		}
	}
	return -1
}
