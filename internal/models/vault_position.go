package models

import (
	"strings"
	"time"

	"github.com/vault-scanner/internal/types"
)

// VaultPosition is a point-in-time snapshot of one wallet's valued stake in
// one vault. Balance and Shares are big-integer strings in base units;
// Balance = floor(Shares * totalAssets / totalSupply) computed in
// arbitrary-precision integer arithmetic. USDValue is informational display
// precision, never an input to further share/asset math.
type VaultPosition struct {
	ID                 int64         `json:"id" db:"id"`
	WalletAddress      string        `json:"walletAddress" db:"wallet_address"`
	VaultAddress       string        `json:"vaultAddress" db:"vault_address"`
	AssetSymbol        string        `json:"assetSymbol" db:"asset_symbol"`
	Chain              types.ChainID `json:"chain" db:"chain"`
	Balance            string        `json:"balance" db:"balance"`
	Shares             string        `json:"shares" db:"shares"`
	USDValue           float64       `json:"usdValue" db:"usd_value"`
	LockWeeksRemaining int           `json:"lockWeeksRemaining" db:"lock_weeks_remaining"`
	SnapshotDate       time.Time     `json:"snapshotDate" db:"snapshot_date"`
	BlockNumber        uint64        `json:"blockNumber" db:"block_number"`
	CreatedAt          time.Time     `json:"createdAt" db:"created_at"`
}

// Normalize lower-cases the wallet and vault addresses and upper-cases the
// asset symbol. Repositories call it before every write so the natural key
// (wallet_address, vault_address, chain, snapshot_date) compares consistently.
func (p *VaultPosition) Normalize() {
	p.WalletAddress = strings.ToLower(p.WalletAddress)
	p.VaultAddress = strings.ToLower(p.VaultAddress)
	p.AssetSymbol = strings.ToUpper(p.AssetSymbol)
}

// TruncateToUTCDay truncates t to UTC midnight, the canonical snapshot date
// for the scheduled daily path.
func TruncateToUTCDay(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
}
