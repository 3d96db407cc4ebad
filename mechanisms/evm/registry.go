package evm

import (
	_ "embed"
	"encoding/json"
	"fmt"
	"math/big"
	"os"
	"sort"
	"strings"

	"github.com/ethereum/go-ethereum/common"
	"github.com/xeipuuv/gojsonschema"
)

//go:embed registry.schema.json
var registrySchema []byte

// TokenConfig describes an accepted ERC-3009 token on one network.
type TokenConfig struct {
	Address string `json:"address"`
	// Name is the EIP-712 domain name the token signs with
	Name string `json:"name"`
	// ForwarderVersion is the EIP-712 domain version; empty means DefaultForwarderVersion
	ForwarderVersion string `json:"forwarderVersion,omitempty"`
	Decimals         int    `json:"decimals,omitempty"`
}

// DomainVersion returns the configured domain version or the default.
func (t TokenConfig) DomainVersion() string {
	if t.ForwarderVersion != "" {
		return t.ForwarderVersion
	}
	return DefaultForwarderVersion
}

// NetworkConfig contains network-specific configuration
type NetworkConfig struct {
	Name    string        `json:"name"`
	ChainID int64         `json:"chainId"`
	RPCURL  string        `json:"rpcUrl,omitempty"`
	Tokens  []TokenConfig `json:"tokens"`
}

// ChainIDBig returns the chain id as a big.Int for EIP-712 domains.
func (n NetworkConfig) ChainIDBig() *big.Int {
	return big.NewInt(n.ChainID)
}

// Registry is the immutable set of networks the facilitator serves.
// Lookups return copies; nothing can modify a Registry after NewRegistry.
type Registry struct {
	networks map[string]NetworkConfig
	names    []string
}

type registryFile struct {
	Networks []NetworkConfig `json:"networks"`
}

// NewRegistry validates networks and builds a Registry.
func NewRegistry(networks []NetworkConfig) (*Registry, error) {
	if len(networks) == 0 {
		return nil, fmt.Errorf("registry: no networks configured")
	}

	r := &Registry{networks: make(map[string]NetworkConfig, len(networks))}
	for _, n := range networks {
		if n.Name == "" {
			return nil, fmt.Errorf("registry: network without name")
		}
		if _, dup := r.networks[n.Name]; dup {
			return nil, fmt.Errorf("registry: duplicate network %q", n.Name)
		}
		if n.ChainID <= 0 {
			return nil, fmt.Errorf("registry: network %q has invalid chain id %d", n.Name, n.ChainID)
		}
		for _, t := range n.Tokens {
			if !common.IsHexAddress(t.Address) {
				return nil, fmt.Errorf("registry: network %q has invalid token address %q", n.Name, t.Address)
			}
		}
		r.networks[n.Name] = cloneNetwork(n)
		r.names = append(r.names, n.Name)
	}
	sort.Strings(r.names)
	return r, nil
}

// Network looks up a network by name.
func (r *Registry) Network(name string) (NetworkConfig, bool) {
	n, ok := r.networks[name]
	if !ok {
		return NetworkConfig{}, false
	}
	return cloneNetwork(n), true
}

// Token looks up an accepted token by network and address (case-insensitive).
func (r *Registry) Token(network, address string) (TokenConfig, bool) {
	n, ok := r.networks[network]
	if !ok {
		return TokenConfig{}, false
	}
	for _, t := range n.Tokens {
		if strings.EqualFold(t.Address, address) {
			return t, true
		}
	}
	return TokenConfig{}, false
}

// Networks returns every network sorted by name.
func (r *Registry) Networks() []NetworkConfig {
	out := make([]NetworkConfig, 0, len(r.names))
	for _, name := range r.names {
		out = append(out, cloneNetwork(r.networks[name]))
	}
	return out
}

// DefaultNetworks returns the built-in SKALE and Base configuration.
func DefaultNetworks() []NetworkConfig {
	return []NetworkConfig{
		{
			Name:    "skale-base-sepolia",
			ChainID: 324705682,
			RPCURL:  "https://base-sepolia-testnet.skalenodes.com/v1/jubilant-horrible-ancha",
			Tokens: []TokenConfig{{
				Address:  "0x2e08028E3C4c2356572E096d8EF835cD5C6030bD",
				Name:     "Bridged USDC (SKALE Bridge)",
				Decimals: DefaultDecimals,
			}},
		},
		{
			Name:    "skale-base",
			ChainID: 1187947933,
			RPCURL:  "https://skale-base.skalenodes.com/v1/base",
			Tokens: []TokenConfig{{
				Address:  "0x85889c8c714505E0c94b30fcfcF64fE3Ac8FCb20",
				Name:     "Bridged USDC (SKALE Bridge)",
				Decimals: DefaultDecimals,
			}},
		},
		{
			Name:    "base",
			ChainID: 8453,
			RPCURL:  "https://mainnet.base.org",
			Tokens: []TokenConfig{{
				Address:  "0x833589fCD6eDb6E08f4c7C32D4f71b54bdA02913",
				Name:     "USD Coin",
				Decimals: DefaultDecimals,
			}},
		},
		{
			Name:    "base-sepolia",
			ChainID: 84532,
			RPCURL:  "https://sepolia.base.org",
			Tokens: []TokenConfig{{
				Address:  "0x036CbD53842c5426634e7929541eC2318f3dCF7e",
				Name:     "USDC",
				Decimals: DefaultDecimals,
			}},
		},
	}
}

// LoadNetworksFile reads and validates a registry file.
func LoadNetworksFile(path string) ([]NetworkConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read networks file: %w", err)
	}
	return ParseNetworks(data)
}

// ParseNetworks validates data against the registry schema and decodes it.
func ParseNetworks(data []byte) ([]NetworkConfig, error) {
	schemaLoader := gojsonschema.NewBytesLoader(registrySchema)
	documentLoader := gojsonschema.NewBytesLoader(data)

	result, err := gojsonschema.Validate(schemaLoader, documentLoader)
	if err != nil {
		return nil, fmt.Errorf("networks file validation failed: %w", err)
	}
	if !result.Valid() {
		var problems []string
		for _, desc := range result.Errors() {
			problems = append(problems, fmt.Sprintf("%s: %s", desc.Context().String(), desc.Description()))
		}
		return nil, fmt.Errorf("invalid networks file: %s", strings.Join(problems, "; "))
	}

	var file registryFile
	if err := json.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("failed to decode networks file: %w", err)
	}
	return file.Networks, nil
}

// RPCOverrideEnv returns the environment variable consulted for a network's
// RPC endpoint, e.g. RPC_URL_SKALE_BASE_SEPOLIA.
func RPCOverrideEnv(network string) string {
	return "RPC_URL_" + strings.ToUpper(strings.ReplaceAll(network, "-", "_"))
}

// ApplyRPCOverrides returns a copy of networks with RPC URLs replaced by any
// value lookup finds under RPCOverrideEnv.
func ApplyRPCOverrides(networks []NetworkConfig, lookup func(string) (string, bool)) []NetworkConfig {
	out := make([]NetworkConfig, 0, len(networks))
	for _, n := range networks {
		n = cloneNetwork(n)
		if url, ok := lookup(RPCOverrideEnv(n.Name)); ok && url != "" {
			n.RPCURL = url
		}
		out = append(out, n)
	}
	return out
}

func cloneNetwork(n NetworkConfig) NetworkConfig {
	n.Tokens = append([]TokenConfig(nil), n.Tokens...)
	return n
}
