// Package crypto provides the hashing and encoding primitives venue signers
// are built from
package crypto

import (
	"crypto/hmac"
	"crypto/sha256"
	"crypto/sha512"
	"encoding/base64"
	"encoding/hex"
	"errors"
	"hash"
)

// Const declarations for supported HMAC hash types
const (
	HashSHA256 = iota
	HashSHA512
	HashSHA512_384
)

var errUnsupportedHashType = errors.New("unsupported hash type")

// HexEncodeToString takes in a hexadecimal byte array and returns a string
func HexEncodeToString(input []byte) string {
	return hex.EncodeToString(input)
}

// Base64Encode takes in a byte array then returns an encoded base64 string
func Base64Encode(input []byte) string {
	return base64.StdEncoding.EncodeToString(input)
}

// Base64Decode takes in a base64 string and returns a byte array and an error
func Base64Decode(input string) ([]byte, error) {
	return base64.StdEncoding.DecodeString(input)
}

// GetSHA512 returns a SHA512 hash of a byte array
func GetSHA512(input []byte) []byte {
	sum := sha512.Sum512(input)
	return sum[:]
}

// GetHMAC returns a keyed-hash message authentication code using the desired
// hash type
func GetHMAC(hashType int, input, key []byte) ([]byte, error) {
	var hasher func() hash.Hash
	switch hashType {
	case HashSHA256:
		hasher = sha256.New
	case HashSHA512:
		hasher = sha512.New
	case HashSHA512_384:
		hasher = sha512.New384
	default:
		return nil, errUnsupportedHashType
	}

	h := hmac.New(hasher, key)
	h.Write(input)
	return h.Sum(nil), nil
}
