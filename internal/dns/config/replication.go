package config

import (
	"fmt"
	"path/filepath"
	"strings"

	"github.com/go-playground/validator/v10"
	koanfv1 "github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"

	"github.com/haukened/rr-authd/internal/dns/common/utils"
	"github.com/haukened/rr-authd/internal/dns/domain"
)

type replicationFile struct {
	Zones []domain.MasterConfig `koanf:"zones"`
}

// LoadReplication reads the masters of replica zones from a YAML, JSON or
// TOML file:
//
//	zones:
//	  - zone: example.com
//	    hostname: 192.0.2.1
//	    port: 53
//	    refresh: 30s
//	    strategy: ixfr
func LoadReplication(path string) ([]domain.MasterConfig, error) {
	var parser koanfv1.Parser
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		parser = yaml.Parser()
	case ".json":
		parser = json.Parser()
	case ".toml":
		parser = toml.Parser()
	default:
		return nil, fmt.Errorf("unsupported replication file type %q", filepath.Ext(path))
	}

	k := koanfv1.New(".")
	if err := k.Load(file.Provider(path), parser); err != nil {
		return nil, fmt.Errorf("failed to load replication file %s: %w", path, err)
	}

	var rf replicationFile
	if err := k.Unmarshal("", &rf); err != nil {
		return nil, fmt.Errorf("error unmarshalling replication file %s: %w", path, err)
	}

	validate := validator.New(validator.WithRequiredStructEnabled())
	seen := make(map[string]bool, len(rf.Zones))
	for i := range rf.Zones {
		m := &rf.Zones[i]
		if err := validate.Struct(m); err != nil {
			return nil, fmt.Errorf("replication entry %d: %w", i, err)
		}
		if err := m.Validate(); err != nil {
			return nil, fmt.Errorf("replication entry %d: %w", i, err)
		}
		key := utils.CanonicalDNSName(m.Zone)
		if seen[key] {
			return nil, fmt.Errorf("replication entry %d: duplicate zone %s", i, m.Zone)
		}
		seen[key] = true
	}
	return rf.Zones, nil
}
