// Package config loads the relayer's settings: scalar options from flags, environment and config
// file, and the list of supported chains from the config file.
package config

import (
	"crypto/ecdsa"
	"errors"
	"fmt"
	"strings"

	eth_common "github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/crypto"
	"github.com/spf13/viper"
	"github.com/wormhole-foundation/wormhole/sdk/vaa"
)

var ErrInvalidChainConfig = errors.New("invalid chain config")

// ChainConfig is one entry of the "chains" list of the config file.
type ChainConfig struct {
	ChainID        uint16 `mapstructure:"chainId"`
	RPC            string `mapstructure:"rpc"`
	CoreContract   string `mapstructure:"coreContract"`
	RelayerAddress string `mapstructure:"relayerAddress"`
	RelayProvider  string `mapstructure:"relayProvider"`
}

// Chain is a validated supported chain.
type Chain struct {
	ID             vaa.ChainID
	RPC            string
	CoreContract   eth_common.Address
	RelayerAddress eth_common.Address
	RelayProvider  eth_common.Address
}

// RelayerEmitter is the wormhole emitter address of the core relayer contract.
func (c Chain) RelayerEmitter() vaa.Address {
	return vaa.Address(eth_common.BytesToHash(c.RelayerAddress.Bytes()))
}

// LoadChains reads and validates the "chains" list.
func LoadChains(v *viper.Viper) ([]Chain, error) {
	var raw []ChainConfig
	if err := v.UnmarshalKey("chains", &raw); err != nil {
		return nil, fmt.Errorf("failed to decode chains: %w", err)
	}
	return ParseChains(raw)
}

func ParseChains(raw []ChainConfig) ([]Chain, error) {
	if len(raw) == 0 {
		return nil, fmt.Errorf("%w: no chains configured", ErrInvalidChainConfig)
	}
	seen := make(map[vaa.ChainID]bool, len(raw))
	out := make([]Chain, 0, len(raw))
	for i, r := range raw {
		if r.ChainID == 0 {
			return nil, fmt.Errorf("%w: entry %d has no chainId", ErrInvalidChainConfig, i)
		}
		id := vaa.ChainID(r.ChainID)
		if seen[id] {
			return nil, fmt.Errorf("%w: duplicate chain %s", ErrInvalidChainConfig, id)
		}
		seen[id] = true

		if r.RPC == "" {
			return nil, fmt.Errorf("%w: chain %s has no rpc", ErrInvalidChainConfig, id)
		}
		c := Chain{ID: id, RPC: r.RPC}
		var err error
		if c.CoreContract, err = parseAddress(r.CoreContract); err != nil {
			return nil, fmt.Errorf("%w: chain %s coreContract: %v", ErrInvalidChainConfig, id, err)
		}
		if c.RelayerAddress, err = parseAddress(r.RelayerAddress); err != nil {
			return nil, fmt.Errorf("%w: chain %s relayerAddress: %v", ErrInvalidChainConfig, id, err)
		}
		if c.RelayProvider, err = parseAddress(r.RelayProvider); err != nil {
			return nil, fmt.Errorf("%w: chain %s relayProvider: %v", ErrInvalidChainConfig, id, err)
		}
		out = append(out, c)
	}
	return out, nil
}

func parseAddress(s string) (eth_common.Address, error) {
	if !eth_common.IsHexAddress(s) {
		return eth_common.Address{}, fmt.Errorf("%q is not a hex address", s)
	}
	a := eth_common.HexToAddress(s)
	if a == (eth_common.Address{}) {
		return eth_common.Address{}, errors.New("zero address")
	}
	return a, nil
}

// LoadPrivateKey parses a hex encoded secp256k1 key, with or without 0x prefix.
func LoadPrivateKey(s string) (*ecdsa.PrivateKey, error) {
	s = strings.TrimPrefix(strings.TrimSpace(s), "0x")
	if s == "" {
		return nil, errors.New("private key not set")
	}
	key, err := crypto.HexToECDSA(s)
	if err != nil {
		return nil, fmt.Errorf("invalid private key: %w", err)
	}
	return key, nil
}
