package service

import (
	"fmt"
	"math/big"
)

// parseBigInt parses a base-10 integer string from chain data.
func parseBigInt(value string) (*big.Int, error) {
	n, ok := new(big.Int).SetString(value, 10)
	if !ok {
		return nil, fmt.Errorf("invalid integer value %q", value)
	}
	return n, nil
}

// convertSharesToAssets redeems vault shares for the underlying asset amount:
// shares * totalAssets / totalSupply, floor division. All arithmetic stays in
// big.Int so token amounts beyond 64 bits never lose precision.
// totalSupply must be nonzero.
func convertSharesToAssets(shares, totalAssets, totalSupply *big.Int) *big.Int {
	product := new(big.Int).Mul(shares, totalAssets)
	return product.Quo(product, totalSupply)
}

// unitsToFloat scales a raw token amount down by the asset's decimals for
// USD valuation. Only the final valuation step leaves integer space.
func unitsToFloat(amount *big.Int, decimals int) float64 {
	scale := new(big.Float).SetInt(new(big.Int).Exp(big.NewInt(10), big.NewInt(int64(decimals)), nil))
	value := new(big.Float).SetInt(amount)
	value.Quo(value, scale)
	result, _ := value.Float64()
	return result
}
