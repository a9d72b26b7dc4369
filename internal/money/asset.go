package money

import "fmt"

// Asset represents a currency with its display properties.
// This deployment is CNY-only, but the registry keeps the same shape
// the arithmetic in money.go is parametrized on, so adding a currency
// is a registration, not a rewrite.
type Asset struct {
	Code     string // ISO 4217-style currency code (CNY)
	Decimals uint8  // Number of fraction digits (2 for CNY)
}

// CNY is the only asset this deployment accepts.
var CNY = Asset{Code: "CNY", Decimals: 2}

var assetRegistry = map[string]Asset{
	"CNY": CNY,
}

// GetAsset retrieves an asset by code.
func GetAsset(code string) (Asset, error) {
	asset, ok := assetRegistry[code]
	if !ok {
		return Asset{}, fmt.Errorf("money: unknown asset: %s", code)
	}
	return asset, nil
}
