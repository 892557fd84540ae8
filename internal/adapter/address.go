package adapter

import (
	"bytes"
	"crypto/sha512"
	"encoding/base32"
)

const (
	addressLength  = 58
	publicKeyBytes = 32
	checksumBytes  = 4
)

var addressEncoding = base32.StdEncoding.WithPadding(base32.NoPadding)

// ValidateAddress reports whether address is a well-formed Algorand account
// address: 58 base32 characters encoding a 32-byte public key followed by the
// last four bytes of its SHA-512/256 digest.
func ValidateAddress(address string) bool {
	if len(address) != addressLength {
		return false
	}
	decoded, err := addressEncoding.DecodeString(address)
	if err != nil || len(decoded) != publicKeyBytes+checksumBytes {
		return false
	}
	pk, checksum := decoded[:publicKeyBytes], decoded[publicKeyBytes:]
	digest := sha512.Sum512_256(pk)
	return bytes.Equal(digest[len(digest)-checksumBytes:], checksum)
}

// EncodeAddress renders a 32-byte public key as an account address
func EncodeAddress(publicKey [publicKeyBytes]byte) string {
	digest := sha512.Sum512_256(publicKey[:])
	buf := make([]byte, 0, publicKeyBytes+checksumBytes)
	buf = append(buf, publicKey[:]...)
	buf = append(buf, digest[len(digest)-checksumBytes:]...)
	return addressEncoding.EncodeToString(buf)
}
