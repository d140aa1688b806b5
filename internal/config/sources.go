package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/daniilzhulanov/eve-vuz-bot/internal/adapter"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/fetch"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/models"
	"github.com/daniilzhulanov/eve-vuz-bot/internal/rank"
)

// SourceConfig is one tracked institution/program pair.
type SourceConfig struct {
	Key            string             `yaml:"key"`
	Name           string             `yaml:"name"`
	Kind           string             `yaml:"kind"`
	URL            string             `yaml:"url"`
	Targets        []fetch.Target     `yaml:"targets"`
	Interval       time.Duration      `yaml:"interval"`
	Rule           models.ProgramRule `yaml:"rule"`
	adapter.Layout `yaml:",inline"`
}

type sourcesFile struct {
	Sources []SourceConfig `yaml:"sources"`
}

// LoadSources reads and validates the source catalogue at path. Sources
// without an interval poll every defaultInterval.
func LoadSources(path string, defaultInterval time.Duration) ([]SourceConfig, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read sources: %w", err)
	}
	return ParseSources(data, defaultInterval)
}

// ParseSources decodes and validates a YAML catalogue.
func ParseSources(data []byte, defaultInterval time.Duration) ([]SourceConfig, error) {
	var file sourcesFile
	if err := yaml.Unmarshal(data, &file); err != nil {
		return nil, fmt.Errorf("decode sources: %w", err)
	}
	if len(file.Sources) == 0 {
		return nil, fmt.Errorf("no sources configured")
	}

	seen := make(map[string]struct{}, len(file.Sources))
	for i := range file.Sources {
		src := &file.Sources[i]
		src.Key = strings.TrimSpace(src.Key)
		if src.Key == "" {
			return nil, fmt.Errorf("source #%d: key is required", i+1)
		}
		if _, dup := seen[src.Key]; dup {
			return nil, fmt.Errorf("source %s: duplicate key", src.Key)
		}
		seen[src.Key] = struct{}{}

		if src.URL != "" {
			src.Targets = append([]fetch.Target{{URL: src.URL}}, src.Targets...)
		}
		if len(src.Targets) == 0 {
			return nil, fmt.Errorf("source %s: at least one url is required", src.Key)
		}
		for _, t := range src.Targets {
			if strings.TrimSpace(t.URL) == "" {
				return nil, fmt.Errorf("source %s: target %q has no url", src.Key, t.Role)
			}
		}

		switch src.Kind {
		case adapter.KindTabular:
			if len(src.Targets) != 1 {
				return nil, fmt.Errorf("source %s: tabular sources take exactly one url", src.Key)
			}
		case adapter.KindMarkup:
		default:
			return nil, fmt.Errorf("source %s: unknown kind %q", src.Key, src.Kind)
		}

		if src.Interval == 0 {
			src.Interval = defaultInterval
		}
		if src.Interval <= 0 {
			return nil, fmt.Errorf("source %s: interval must be positive", src.Key)
		}
		if src.Name == "" {
			src.Name = src.Key
		}

		if err := rank.Validate(src.Rule); err != nil {
			return nil, fmt.Errorf("source %s: %w", src.Key, err)
		}
	}

	return file.Sources, nil
}
