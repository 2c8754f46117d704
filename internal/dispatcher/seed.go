package dispatcher

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/JakeFAU/crawlfleet/internal/fleet"
)

// seedFile is the YAML layout of a targets file:
//
//	targets:
//	  - url: https://example.com
//	    frequency: 1h
//	    payload:
//	      max_pages: 20
type seedFile struct {
	Targets []seedTarget `yaml:"targets"`
}

type seedTarget struct {
	URL       string         `yaml:"url"`
	Frequency string         `yaml:"frequency"`
	Payload   map[string]any `yaml:"payload"`
}

// LoadSeed reads a YAML targets file.
func LoadSeed(path string) ([]fleet.CrawlTarget, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read seed file: %w", err)
	}
	return ParseSeed(data)
}

// ParseSeed decodes YAML targets. Frequencies use Go duration syntax.
func ParseSeed(data []byte) ([]fleet.CrawlTarget, error) {
	var file seedFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("parse seed file: %w", err)
	}
	out := make([]fleet.CrawlTarget, 0, len(file.Targets))
	for i, t := range file.Targets {
		freq := time.Duration(0)
		if t.Frequency != "" {
			parsed, err := time.ParseDuration(t.Frequency)
			if err != nil {
				return nil, fmt.Errorf("targets[%d] frequency: %w", i, err)
			}
			freq = parsed
		}
		target := fleet.CrawlTarget{URL: t.URL, Frequency: freq, Payload: t.Payload}
		if err := validateTarget(target); err != nil {
			return nil, fmt.Errorf("targets[%d]: %w", i, err)
		}
		out = append(out, target)
	}
	return out, nil
}
