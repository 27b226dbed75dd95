package config

import (
	"fmt"
	"os"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/kirillkom/receipt-sync/internal/core/domain"
)

// LoadTagMap reads a merchant -> tag(s) mapping. JSON files parse as YAML too.
// An empty path yields an empty map.
func LoadTagMap(path string) (domain.TagMap, error) {
	if strings.TrimSpace(path) == "" {
		return domain.NewTagMap(nil), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return domain.TagMap{}, domain.WrapError(domain.ErrConfig, "read tag map", err)
	}

	var doc map[string]yaml.Node
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return domain.TagMap{}, domain.WrapError(domain.ErrConfig, "parse tag map", err)
	}
	entries := make(map[string][]string, len(doc))
	for merchant, node := range doc {
		switch node.Kind {
		case yaml.ScalarNode:
			entries[merchant] = []string{node.Value}
		case yaml.SequenceNode:
			var tags []string
			if err := node.Decode(&tags); err != nil {
				return domain.TagMap{}, domain.WrapError(domain.ErrConfig, "parse tag map", fmt.Errorf("merchant %q: %w", merchant, err))
			}
			entries[merchant] = tags
		default:
			return domain.TagMap{}, domain.WrapError(domain.ErrConfig, "parse tag map", fmt.Errorf("merchant %q: expected a tag or a list of tags", merchant))
		}
	}
	return domain.NewTagMap(entries), nil
}

// LoadMerchantRules reads additional PDF merchant rules from a YAML file.
func LoadMerchantRules(path string) ([]domain.MerchantRule, error) {
	if strings.TrimSpace(path) == "" {
		return nil, nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, domain.WrapError(domain.ErrConfig, "read merchant rules", err)
	}
	var doc struct {
		Rules []domain.MerchantRule `yaml:"rules"`
	}
	if err := yaml.Unmarshal(raw, &doc); err != nil {
		return nil, domain.WrapError(domain.ErrConfig, "parse merchant rules", err)
	}
	for i, rule := range doc.Rules {
		if strings.TrimSpace(rule.Signature) == "" || strings.TrimSpace(rule.Merchant) == "" {
			return nil, domain.WrapError(domain.ErrConfig, "parse merchant rules", fmt.Errorf("rule %d: signature and merchant are required", i))
		}
	}
	return doc.Rules, nil
}
