// Package wallet validates and normalizes wallet addresses.
// Addresses arrive from the session boundary (JWT subject) and from request
// payloads; both are checked here before any mutator sees them.
package wallet

import (
	"errors"
	"strings"
)

// ErrInvalidAddress is returned for anything that is not a 0x-prefixed
// 20-byte hex address.
var ErrInvalidAddress = errors.New("invalid wallet address")

const hexDigits = "0123456789abcdef"

// Valid reports whether addr is a well-formed wallet address.
func Valid(addr string) bool {
	_, err := Normalize(addr)
	return err == nil
}

// Normalize validates addr and returns its canonical lowercase form.
// Addresses compare equal case-insensitively on the ledger, so every key
// in storage uses the normalized form.
func Normalize(addr string) (string, error) {
	if len(addr) != 42 || addr[0] != '0' || (addr[1] != 'x' && addr[1] != 'X') {
		return "", ErrInvalidAddress
	}
	lower := strings.ToLower(addr)
	for _, c := range lower[2:] {
		if !strings.ContainsRune(hexDigits, c) {
			return "", ErrInvalidAddress
		}
	}
	return lower, nil
}

// Equal reports whether two addresses refer to the same wallet.
func Equal(a, b string) bool {
	na, errA := Normalize(a)
	nb, errB := Normalize(b)
	return errA == nil && errB == nil && na == nb
}
