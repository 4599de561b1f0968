package svm

import (
	"fmt"

	x402 "github.com/Blessedbiello/402pay-sub000"
)

const (
	// CAIP-2 network identifiers (genesis hash prefixes)
	SolanaMainnetCAIP2 = "solana:5eykt4UsFv8P8NJdTREpY1vzqKqZKvdp"
	SolanaDevnetCAIP2  = "solana:EtWTRABZaYq6iMfeYKouRu166VU2xqa1"
	SolanaTestnetCAIP2 = "solana:4uhcVJyU9pJkvQyS88uRDiswHXSRkk6x"

	// CaipFamily matches every Solana cluster.
	CaipFamily = "solana:*"

	// Default RPC endpoints
	MainnetRPCURL = "https://api.mainnet-beta.solana.com"
	DevnetRPCURL  = "https://api.devnet.solana.com"
	TestnetRPCURL = "https://api.testnet.solana.com"

	// USDC mints
	USDCMainnetAddress = "EPjFWdd5AufqSSqeM2qN1xzybapC8G4wEGGkZwyTDt1v"
	USDCDevnetAddress  = "4zMMC9srt5Ri5X14GAgXhaHii3GnPAEERYPJgZJDncDU"

	// NativeDecimals is the number of decimals of SOL (lamports).
	NativeDecimals = 9

	// DefaultUSDCDecimals is the number of decimals of USDC.
	DefaultUSDCDecimals = 6

	// DefaultReserveLamports is kept in an escrow account so it stays rent exempt.
	DefaultReserveLamports = 5000
)

// AssetInfo describes a token accepted on a network.
type AssetInfo struct {
	Address  string
	Decimals int32
}

// NetworkConfig holds per-cluster defaults.
type NetworkConfig struct {
	Name         string
	RPCURL       string
	DefaultAsset AssetInfo
}

var networkConfigs = map[string]NetworkConfig{
	SolanaMainnetCAIP2: {
		Name:         "solana",
		RPCURL:       MainnetRPCURL,
		DefaultAsset: AssetInfo{Address: USDCMainnetAddress, Decimals: DefaultUSDCDecimals},
	},
	SolanaDevnetCAIP2: {
		Name:         "solana-devnet",
		RPCURL:       DevnetRPCURL,
		DefaultAsset: AssetInfo{Address: USDCDevnetAddress, Decimals: DefaultUSDCDecimals},
	},
	SolanaTestnetCAIP2: {
		Name:         "solana-testnet",
		RPCURL:       TestnetRPCURL,
		DefaultAsset: AssetInfo{Address: USDCDevnetAddress, Decimals: DefaultUSDCDecimals},
	},
}

// legacy network names accepted in configuration
var networkAliases = map[string]string{
	"solana":         SolanaMainnetCAIP2,
	"solana-devnet":  SolanaDevnetCAIP2,
	"solana-testnet": SolanaTestnetCAIP2,
}

// NormalizeNetwork maps a legacy network name to its CAIP-2 identifier.
func NormalizeNetwork(network string) (x402.Network, error) {
	if caip, ok := networkAliases[network]; ok {
		return x402.Network(caip), nil
	}
	if _, ok := networkConfigs[network]; ok {
		return x402.Network(network), nil
	}
	return "", fmt.Errorf("unsupported solana network: %s", network)
}

// IsValidNetwork reports whether network is a known Solana cluster.
func IsValidNetwork(network string) bool {
	_, err := NormalizeNetwork(network)
	return err == nil
}

// GetNetworkConfig returns the defaults for a cluster.
func GetNetworkConfig(network string) (NetworkConfig, error) {
	caip, err := NormalizeNetwork(network)
	if err != nil {
		return NetworkConfig{}, err
	}
	return networkConfigs[string(caip)], nil
}

// AssetDecimals returns the decimals for an asset on a network: the native
// asset when asset is empty, the default stablecoin otherwise.
func AssetDecimals(network, asset string) (int32, error) {
	if asset == "" {
		return NativeDecimals, nil
	}
	config, err := GetNetworkConfig(network)
	if err != nil {
		return 0, err
	}
	if config.DefaultAsset.Address == asset {
		return config.DefaultAsset.Decimals, nil
	}
	return 0, fmt.Errorf("unknown asset %s on %s", asset, network)
}
