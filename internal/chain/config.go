package chain

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"
)

// Definitions models the structure of configs/chains.yaml.
type Definitions struct {
	Chains map[string]Definition `yaml:"chains"`
}

// Definition describes a single settlement network endpoint.
type Definition struct {
	Type           string `yaml:"type"`
	RPCURL         string `yaml:"rpc_url"`
	WSURL          string `yaml:"ws_url"`
	FundingAddress string `yaml:"funding_address"`
	Asset          string `yaml:"asset"`
	Description    string `yaml:"description"`
}

// LoadDefinitions parses the YAML file containing settlement network metadata.
func LoadDefinitions(path string) (Definitions, error) {
	if strings.TrimSpace(path) == "" {
		return Definitions{Chains: map[string]Definition{}}, nil
	}

	content, err := os.ReadFile(path)
	if err != nil {
		return Definitions{}, fmt.Errorf("读取链配置失败: %w", err)
	}

	var defs Definitions
	if err := yaml.Unmarshal(content, &defs); err != nil {
		return Definitions{}, fmt.Errorf("解析链配置失败: %w", err)
	}
	if defs.Chains == nil {
		defs.Chains = map[string]Definition{}
	}
	return defs, nil
}
