// Package validation validates pool-facing inputs: wallet/pool addresses
// and Stratum login strings.
package validation

import (
	"errors"
	"regexp"
	"strings"
)

var (
	ErrInvalidPoolAddress    = errors.New("invalid pool address format")
	ErrPoolAddressTooShort   = errors.New("pool address too short")
	ErrPoolAddressTooLong    = errors.New("pool address too long")
	ErrPoolAddressBadPrefix  = errors.New("pool address must start with \"1\"")
	ErrPoolAddressBadCharset = errors.New("pool address contains invalid base58 characters")
)

// base58P2PKH matches a P2PKH address: starts with "1", 26-35 chars total,
// Base58 alphabet excluding the ambiguous characters 0, O, I, l.
var base58P2PKH = regexp.MustCompile(`^1[1-9A-HJ-NP-Za-km-z]{25,34}$`)

// ValidatePoolAddress validates pool.poolAddress: P2PKH,
// starts with "1", 26-35 characters, Base58 alphabet excluding 0OIl.
func ValidatePoolAddress(address string) error {
	address = strings.TrimSpace(address)

	if len(address) == 0 {
		return ErrInvalidPoolAddress
	}
	if len(address) < 26 {
		return ErrPoolAddressTooShort
	}
	if len(address) > 35 {
		return ErrPoolAddressTooLong
	}
	if address[0] != '1' {
		return ErrPoolAddressBadPrefix
	}
	if !base58P2PKH.MatchString(address) {
		return ErrPoolAddressBadCharset
	}
	return nil
}

// ParseLogin splits a Stratum login string "address[.worker]" into its
// address and worker-name parts.
func ParseLogin(login string) (address, worker string) {
	login = strings.TrimSpace(login)
	if idx := strings.IndexByte(login, '.'); idx >= 0 {
		return login[:idx], login[idx+1:]
	}
	return login, ""
}
