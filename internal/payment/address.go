package payment

import (
	"fmt"
	"strings"

	"github.com/btcsuite/btcd/btcutil"
	"github.com/btcsuite/btcd/chaincfg"
	"github.com/ethereum/go-ethereum/common"
	"github.com/gagliardetto/solana-go"
)

var bitcoinNetworks = map[string]*chaincfg.Params{
	"mainnet": &chaincfg.MainNetParams,
	"testnet": &chaincfg.TestNet3Params,
	"signet":  &chaincfg.SigNetParams,
	"regtest": &chaincfg.RegressionNetParams,
}

// validateBitcoinAddress accepts any standard address (P2PKH, P2SH, segwit v0 and
// taproot) encoded for network
func validateBitcoinAddress(address string, network string) error {
	params, ok := bitcoinNetworks[network]
	if !ok {
		return fmt.Errorf("unknown bitcoin network %q", network)
	}

	decoded, err := btcutil.DecodeAddress(address, params)
	if err != nil {
		return fmt.Errorf("invalid bitcoin address: %w", err)
	}
	if !decoded.IsForNet(params) {
		return fmt.Errorf("address is not valid on %s", network)
	}
	return nil
}

func validateEthereumAddress(address string) error {
	if !common.IsHexAddress(address) {
		return fmt.Errorf("invalid hex address")
	}
	if common.HexToAddress(address) == (common.Address{}) {
		return fmt.Errorf("zero address")
	}
	return nil
}

func validateSolanaAddress(address string) error {
	if _, err := solana.PublicKeyFromBase58(address); err != nil {
		return fmt.Errorf("invalid solana public key: %w", err)
	}
	return nil
}

// sameBitcoinAddress compares addresses, ignoring case for bech32 encodings
func sameBitcoinAddress(a, b string) bool {
	if a == b {
		return true
	}
	la := strings.ToLower(a)
	if strings.HasPrefix(la, "bc1") || strings.HasPrefix(la, "tb1") || strings.HasPrefix(la, "bcrt1") {
		return strings.EqualFold(a, b)
	}
	return false
}
