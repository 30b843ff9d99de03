// Package errors defines the error taxonomy shared by the vault sync pipeline.
package errors

import (
	"errors"
	"fmt"

	"github.com/vault-scanner/internal/types"
)

var (
	// ErrProvider indicates an upstream chain-data source was unreachable or
	// returned malformed data. Providers never retry internally; the durable
	// queue retries on the scheduled path, the on-demand path surfaces it.
	ErrProvider = errors.New("chain data provider error")

	// ErrPriceUnavailable indicates a token has no price at the requested time.
	// Fatal for single-token reads; batched reads omit the symbol instead.
	ErrPriceUnavailable = errors.New("price unavailable")

	// ErrUnsupportedChain indicates a chain outside the configured sync set
	ErrUnsupportedChain = errors.New("unsupported chain")
)

// ProviderError wraps a provider failure with the chain and operation that
// produced it.
type ProviderError struct {
	Chain types.ChainID
	Op    string
	Err   error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("provider error [%s:%s]: %v", e.Chain, e.Op, e.Err)
}

func (e *ProviderError) Unwrap() error {
	return e.Err
}

// Is lets errors.Is(err, ErrProvider) match any wrapped provider failure.
func (e *ProviderError) Is(target error) bool {
	return target == ErrProvider
}

// NewProviderError creates a ProviderError for the given chain and operation.
func NewProviderError(chain types.ChainID, op string, err error) *ProviderError {
	return &ProviderError{Chain: chain, Op: op, Err: err}
}

// PriceError wraps a pricing failure with the symbol it concerns.
type PriceError struct {
	Symbol string
	Err    error
}

func (e *PriceError) Error() string {
	return fmt.Sprintf("price error [%s]: %v", e.Symbol, e.Err)
}

func (e *PriceError) Unwrap() error {
	return e.Err
}

// NewPriceUnavailableError creates a PriceError wrapping ErrPriceUnavailable.
func NewPriceUnavailableError(symbol string) *PriceError {
	return &PriceError{Symbol: symbol, Err: ErrPriceUnavailable}
}
