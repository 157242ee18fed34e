package knowledge

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// SeedItem is one entry of a seed file
type SeedItem struct {
	ID      string   `yaml:"id"`
	Content string   `yaml:"content"`
	Tags    []string `yaml:"tags"`
	Source  string   `yaml:"source"`
	TTL     string   `yaml:"ttl"`
}

// SeedFile is the YAML document bulk-loaded by index-knowledge
type SeedFile struct {
	Source string     `yaml:"source"`
	Items  []SeedItem `yaml:"items"`
}

// LoadSeedFile reads and parses a YAML seed file
func LoadSeedFile(path string) (*SeedFile, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed parses seed YAML and checks that every entry has content and a valid ttl
func ParseSeed(data []byte) (*SeedFile, error) {
	var seed SeedFile
	if err := yaml.Unmarshal(data, &seed); err != nil {
		return nil, fmt.Errorf("failed to parse seed YAML: %w", err)
	}
	for i, it := range seed.Items {
		if it.Content == "" {
			return nil, fmt.Errorf("seed item %d: content is required", i)
		}
		if it.TTL != "" {
			if _, err := time.ParseDuration(it.TTL); err != nil {
				return nil, fmt.Errorf("seed item %d: invalid ttl %q: %w", i, it.TTL, err)
			}
		}
	}
	return &seed, nil
}

// ToItems converts seed entries to unembedded items; the file-level source is the default
func (s *SeedFile) ToItems() []*Item {
	items := make([]*Item, 0, len(s.Items))
	for _, si := range s.Items {
		source := si.Source
		if source == "" {
			source = s.Source
		}
		var ttl time.Duration
		if si.TTL != "" {
			ttl, _ = time.ParseDuration(si.TTL)
		}
		items = append(items, &Item{
			ID:      si.ID,
			Content: si.Content,
			Tags:    si.Tags,
			Source:  source,
			TTL:     ttl,
		})
	}
	return items
}
