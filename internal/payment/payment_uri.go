package payment

import (
	"fmt"
	"math/big"

	"github.com/shopspring/decimal"
)

const weiDecimals = 18

// toBaseUnits converts a display amount to integer base units, truncating sub-unit dust
func toBaseUnits(amount decimal.Decimal, decimals int32) *big.Int {
	return amount.Shift(decimals).Truncate(0).BigInt()
}

// fromBaseUnits converts integer base units to a display amount
func fromBaseUnits(value *big.Int, decimals int32) decimal.Decimal {
	if value == nil {
		return decimal.Zero
	}
	return decimal.NewFromBigInt(value, -decimals)
}

// BuildPaymentURI renders the wallet URI for paying amount of asset to address:
// BIP-21 for bitcoin, EIP-681 for ether and ERC-20 transfers, Solana Pay for SPL tokens.
func BuildPaymentURI(asset Asset, address string, amount decimal.Decimal) string {
	switch f := asset.Family.(type) {
	case UTXO:
		return fmt.Sprintf("bitcoin:%s?amount=%s", address, asset.FormatAmount(amount))
	case NativeAccount:
		return fmt.Sprintf("ethereum:%s?value=%s", address, toBaseUnits(amount, weiDecimals).String())
	case TokenLedger:
		return fmt.Sprintf("ethereum:%s/transfer?address=%s&uint256=%s",
			f.Contract.Hex(), address, toBaseUnits(amount, f.TokenDecimals).String())
	case SPLToken:
		return fmt.Sprintf("solana:%s?amount=%s&spl-token=%s", address, asset.FormatAmount(amount), f.Mint.String())
	default:
		return ""
	}
}
