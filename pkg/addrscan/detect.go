// Package addrscan binds the static analysis stage to an address-only
// input: detect the chain from the address format, fetch verified source
// from the chain's explorer, and delegate to the static stage worker.
package addrscan

import (
	"errors"
	"regexp"
	"strings"
)

// Ambiguity and format errors from chain detection. Ambiguous formats
// need an explicit chain from the caller.
var (
	ErrAmbiguousEVM    = errors.New("ambiguous_evm: address matches every EVM chain, pass chain explicitly")
	ErrAmbiguousMove   = errors.New("ambiguous: address matches both aptos and sui, pass chain explicitly")
	ErrUnknownFormat   = errors.New("unrecognized address format")
)

var (
	evmAddrRe    = regexp.MustCompile(`^0x[0-9a-fA-F]{40}$`)
	moveAddrRe   = regexp.MustCompile(`^0x[0-9a-fA-F]{64}$`)
	base58AddrRe = regexp.MustCompile(`^[1-9A-HJ-NP-Za-km-z]{32,44}$`)
)

// DetectChain infers the chain from the address format. EVM and
// Aptos/Sui formats are inherently ambiguous and return an error; the
// caller disambiguates by supplying chain explicitly.
func DetectChain(address string) (string, error) {
	switch {
	case evmAddrRe.MatchString(address):
		return "", ErrAmbiguousEVM
	case moveAddrRe.MatchString(address):
		return "", ErrAmbiguousMove
	case strings.HasPrefix(address, "stark"):
		return "starknet", nil
	case base58AddrRe.MatchString(address):
		return "solana", nil
	}
	return "", ErrUnknownFormat
}

// evmChains are the chains an EVM-format address may disambiguate to.
var evmChains = map[string]bool{
	"ethereum": true, "bsc": true, "polygon": true,
	"arbitrum": true, "optimism": true, "avalanche": true,
}

// ValidateChainForAddress checks that an explicitly supplied chain is
// consistent with the address format.
func ValidateChainForAddress(address, chain string) error {
	switch {
	case evmAddrRe.MatchString(address):
		if !evmChains[chain] {
			return ErrAmbiguousEVM
		}
	case moveAddrRe.MatchString(address):
		if chain != "aptos" && chain != "sui" {
			return ErrAmbiguousMove
		}
	case strings.HasPrefix(address, "stark"):
		if chain != "starknet" {
			return ErrUnknownFormat
		}
	case base58AddrRe.MatchString(address):
		if chain != "solana" {
			return ErrUnknownFormat
		}
	default:
		return ErrUnknownFormat
	}
	return nil
}
