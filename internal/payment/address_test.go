package payment

import (
	"strings"
	"testing"
)

func TestValidateBitcoinAddress(t *testing.T) {
	tests := []struct {
		name    string
		address string
		network string
		wantErr bool
	}{
		{"p2wpkh", testBTCAddress, "mainnet", false},
		{"p2pkh", "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", "mainnet", false},
		{"p2sh", "3J98t1WpEZ73CNmQviecrnyiWrnqRhWNLy", "mainnet", false},
		{"taproot", "bc1p0xlxvlhemja6c4dqv22uapctqupfhlxm9h8z3k2e72q4k9hcz7vqzk5jj0", "mainnet", false},
		{"testnet p2pkh", "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", "testnet", false},
		{"taproot outside charset", "bc1p" + strings.Repeat("b", 58), "mainnet", true},
		{"taproot with bech32 checksum", "bc1p0xlxvlhemja6c4dqv22uapctqupfhlxm9h8z3k2e72q4k9hcz7vqh2y7hd", "mainnet", true},
		{"p2wpkh bad checksum", "bc1qw508d6qejxtdg4y5r3zarvary0c5xw7kv8f3t5", "mainnet", true},
		{"p2pkh bad checksum", "1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN3", "mainnet", true},
		{"testnet segwit on mainnet", "tb1qw508d6qejxtdg4y5r3zarvary0c5xw7kxpjzsx", "mainnet", true},
		{"testnet p2pkh on mainnet", "mipcBbFg9gMiCh81Kj8tqqdgoZub1ZJRfn", "mainnet", true},
		{"unknown network", testBTCAddress, "litecoin", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := validateBitcoinAddress(tt.address, tt.network)
			if (err != nil) != tt.wantErr {
				t.Errorf("validateBitcoinAddress(%q, %s) error = %v, wantErr %v", tt.address, tt.network, err, tt.wantErr)
			}
		})
	}
}

func TestSameBitcoinAddress(t *testing.T) {
	if !sameBitcoinAddress(testBTCAddress, strings.ToUpper(testBTCAddress)) {
		t.Error("bech32 addresses must compare case-insensitively")
	}
	if sameBitcoinAddress("1BvBMSEYstWetqTFn5Au4m4GFg7xJaNVN2", "1bvbmseystwetqtfn5au4m4gfg7xjanvn2") {
		t.Error("base58 addresses are case sensitive")
	}
}
