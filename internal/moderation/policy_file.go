package moderation

import (
	"fmt"
	"os"

	"gopkg.in/yaml.v3"
)

// PolicyFile is the on-disk form of a Policy.
//
//	max_length: 255
//	max_links: 2
//	blocked_words: [hack, crack, spam, scam, phish]
type PolicyFile struct {
	MaxLength    int      `yaml:"max_length"`
	MaxLinks     *int     `yaml:"max_links"`
	BlockedWords []string `yaml:"blocked_words"`
}

// LoadPolicy reads a YAML policy file. Fields left out keep their defaults.
func LoadPolicy(path string) (*Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file: %w", err)
	}
	return ParsePolicy(data)
}

// ParsePolicy builds a Policy from YAML.
func ParsePolicy(data []byte) (*Policy, error) {
	var f PolicyFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("parse policy file: %w", err)
	}

	maxLinks := DefaultMaxLinks
	if f.MaxLinks != nil {
		if *f.MaxLinks < 0 {
			return nil, fmt.Errorf("max_links must not be negative")
		}
		maxLinks = *f.MaxLinks
	}
	words := f.BlockedWords
	if words == nil {
		words = DefaultBlockedWords
	}
	return NewPolicy(f.MaxLength, maxLinks, words), nil
}
