package config

import (
	"fmt"
	"os"
	"strings"

	"github.com/lib/pq"
	"gopkg.in/yaml.v3"
)

// PartitionConfig declares one tenant data partition
type PartitionConfig struct {
	Name string `yaml:"name" json:"name"`
	DSN  string `yaml:"dsn" json:"-"`
}

type partitionsFile struct {
	Partitions []PartitionConfig `yaml:"partitions"`
}

// LoadPartitions reads partitions from a YAML file, falling back to the inline
// "name=dsn,name=dsn" form. Declaration order is preserved.
func LoadPartitions(path, inline string) ([]PartitionConfig, error) {
	var out []PartitionConfig
	if path != "" {
		raw, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read partitions file: %w", err)
		}
		var f partitionsFile
		if err := yaml.Unmarshal(raw, &f); err != nil {
			return nil, fmt.Errorf("failed to parse partitions file: %w", err)
		}
		out = f.Partitions
	} else if inline != "" {
		for _, item := range strings.Split(inline, ",") {
			item = strings.TrimSpace(item)
			if item == "" {
				continue
			}
			name, dsn, ok := strings.Cut(item, "=")
			if !ok {
				return nil, fmt.Errorf("invalid PARTITION_DSNS entry %q: expected name=dsn", item)
			}
			out = append(out, PartitionConfig{Name: strings.TrimSpace(name), DSN: strings.TrimSpace(dsn)})
		}
	}

	for i := range out {
		out[i].DSN = normalizeDSN(out[i].DSN)
	}
	return out, nil
}

// normalizeDSN turns postgres:// URLs into key=value connection strings
func normalizeDSN(dsn string) string {
	if strings.HasPrefix(dsn, "postgres://") || strings.HasPrefix(dsn, "postgresql://") {
		if kv, err := pq.ParseURL(dsn); err == nil {
			return kv
		}
	}
	return dsn
}
