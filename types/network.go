package types

import "fmt"

// Network represents supported blockchain networks
type Network string

const (
	NetworkPolygon     Network = "polygon"
	NetworkPolygonAmoy Network = "polygon-amoy" // testnet

	NetworkOptimism        Network = "optimism"
	NetworkOptimismSepolia Network = "optimism-sepolia" // testnet
)

// AllNetworks lists every network the engine can be configured for.
var AllNetworks = []Network{
	NetworkPolygon,
	NetworkPolygonAmoy,
	NetworkOptimism,
	NetworkOptimismSepolia,
}

// AddressLength is the textual length of an EVM account address
// ("0x" + 40 hex characters). All supported networks are EVM networks.
const AddressLength = 42

func (n Network) IsEVM() bool {
	switch n {
	case NetworkPolygon, NetworkPolygonAmoy, NetworkOptimism, NetworkOptimismSepolia:
		return true
	}
	return false
}

func (n Network) IsTestnet() bool {
	return n == NetworkPolygonAmoy || n == NetworkOptimismSepolia
}

func (n Network) String() string {
	return string(n)
}

// ExplorerTxURL returns the block-explorer URL for a transaction hash
// on this network.
func (n Network) ExplorerTxURL(txHash string) string {
	switch n {
	case NetworkPolygon:
		return fmt.Sprintf("https://polygonscan.com/tx/%s", txHash)
	case NetworkPolygonAmoy:
		return fmt.Sprintf("https://amoy.polygonscan.com/tx/%s", txHash)
	case NetworkOptimism:
		return fmt.Sprintf("https://optimistic.etherscan.io/tx/%s", txHash)
	case NetworkOptimismSepolia:
		return fmt.Sprintf("https://sepolia-optimism.etherscan.io/tx/%s", txHash)
	default:
		return ""
	}
}

// DefaultTokenAddress returns the canonical USDC deployment for a
// network, used when the configuration does not override the token.
func (n Network) DefaultTokenAddress() string {
	switch n {
	case NetworkPolygon:
		return "0x3c499c542cEF5E3811e1192ce70d8cC03d5c3359"
	case NetworkPolygonAmoy:
		return "0x41E94Eb019C0762f9Bfcf9Fb1E58725BfB0e7582"
	case NetworkOptimism:
		return "0x0b2C639c533813f4Aa9D7837CAf62653d097Ff85"
	case NetworkOptimismSepolia:
		return "0x5fd84259d66Cd46123540766Be93DFE6D43130D7"
	default:
		return ""
	}
}

// ParseNetwork maps a stored network string onto the enum,
// defaulting to polygon as the reference deployment does.
func ParseNetwork(s string) Network {
	for _, n := range AllNetworks {
		if s == n.String() {
			return n
		}
	}
	return NetworkPolygon
}
