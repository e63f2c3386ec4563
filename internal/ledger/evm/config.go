package evm

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// ChainDefinitions models the structure of configs/chains.yaml.
type ChainDefinitions struct {
	Chains map[string]ChainDefinition `yaml:"chains"`
}

// ChainDefinition describes one EVM endpoint the daemon may settle on.
type ChainDefinition struct {
	Type           string `yaml:"type"`
	RPCURL         string `yaml:"rpc_url"`
	ChainID        uint64 `yaml:"chain_id"`
	OperatorKeyEnv string `yaml:"operator_key_env"`
	GasLimit       uint64 `yaml:"gas_limit"`
	Description    string `yaml:"description"`
}

// LoadChainDefinitions parses the YAML file containing chain metadata.
func LoadChainDefinitions(path string) (ChainDefinitions, error) {
	if strings.TrimSpace(path) == "" {
		return ChainDefinitions{Chains: map[string]ChainDefinition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return ChainDefinitions{}, fmt.Errorf("read chain definitions: %w", err)
	}

	var defs ChainDefinitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return ChainDefinitions{}, fmt.Errorf("parse chain definitions: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]ChainDefinition{}
	}
	return defs, nil
}

// Lookup returns the named chain, rejecting non-EVM types.
func (d ChainDefinitions) Lookup(name string) (ChainDefinition, error) {
	def, ok := d.Chains[name]
	if !ok {
		return ChainDefinition{}, fmt.Errorf("chain %q is not defined", name)
	}
	chainType := strings.ToLower(strings.TrimSpace(def.Type))
	if chainType != "" && chainType != "evm" {
		return ChainDefinition{}, fmt.Errorf("chain %q uses unsupported type %s", name, def.Type)
	}
	return def, nil
}
