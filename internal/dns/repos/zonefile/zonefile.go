// Package zonefile loads seed zones from YAML, JSON and TOML files.
//
// A zone file names its origin in zone_root and may set a default ttl and
// an soa block. Record types given at the top level belong to the apex;
// any other top-level map is an owner label holding its own types:
//
//	zone_root: example.com
//	ttl: 3600
//	soa:
//	  mname: ns1.example.com.
//	  rname: hostmaster.example.com.
//	  refresh: 7200
//	ns: [ns1.example.com., ns2.example.com.]
//	mx:
//	  - {priority: 10, host: mail.example.com.}
//	www:
//	  ttl: 300
//	  a: [192.0.2.10, 192.0.2.11]
//
// The result is a domain.ZoneSpec whose values are still in presentation
// form; parsing them into rdata happens at the mutation boundary.
package zonefile

import (
	"fmt"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/knadh/koanf"
	"github.com/knadh/koanf/parsers/json"
	"github.com/knadh/koanf/parsers/toml"
	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"

	"github.com/haukened/rr-authd/internal/dns/common/utils"
	"github.com/haukened/rr-authd/internal/dns/domain"
)

// Owner names contain dots, so koanf must not split keys on them.
const keyDelim = "/"

const (
	keyRoot = "zone_root"
	keyTTL  = "ttl"
	keySOA  = "soa"
)

// LoadDirectory loads every supported file under dir. Files naming the
// same zone_root are merged; at most one of them may carry an soa block.
// Zones come back in the order their first file was found.
func LoadDirectory(dir string) ([]domain.ZoneSpec, error) {
	var specs []domain.ZoneSpec
	index := make(map[string]int)

	err := filepath.WalkDir(dir, func(path string, d os.DirEntry, err error) error {
		if err != nil || d.IsDir() {
			return err
		}
		if parserFor(path) == nil {
			return nil
		}
		spec, hasSOA, err := load(path)
		if err != nil {
			return fmt.Errorf("error parsing zone file %s: %w", path, err)
		}
		key := utils.CanonicalDNSName(spec.Name)
		i, seen := index[key]
		if !seen {
			index[key] = len(specs)
			specs = append(specs, spec)
			return nil
		}
		if hasSOA {
			if specs[i].SOA != (domain.SOA{}) {
				return fmt.Errorf("zone file %s: %w: second soa for %s", path, domain.ErrInvalidZone, spec.Name)
			}
			specs[i].SOA = spec.SOA
			specs[i].TTL = spec.TTL
		}
		specs[i].Records = append(specs[i].Records, spec.Records...)
		return nil
	})
	if err != nil {
		return nil, err
	}
	return specs, nil
}

// LoadFile loads a single zone file.
func LoadFile(path string) (domain.ZoneSpec, error) {
	if parserFor(path) == nil {
		return domain.ZoneSpec{}, fmt.Errorf("unsupported zone file type %q", filepath.Ext(path))
	}
	spec, _, err := load(path)
	return spec, err
}

func parserFor(path string) koanf.Parser {
	switch strings.ToLower(filepath.Ext(path)) {
	case ".yaml", ".yml":
		return yaml.Parser()
	case ".json":
		return json.Parser()
	case ".toml":
		return toml.Parser()
	default:
		return nil
	}
}

func load(path string) (domain.ZoneSpec, bool, error) {
	k := koanf.New(keyDelim)
	if err := k.Load(file.Provider(path), parserFor(path)); err != nil {
		return domain.ZoneSpec{}, false, fmt.Errorf("failed to load zone file %s: %w", path, err)
	}
	return decode(k.Raw())
}

// decode turns a parsed zone document into a spec. Apex records come first,
// then owners in name order, each with its types in name order.
func decode(raw map[string]any) (domain.ZoneSpec, bool, error) {
	root, _ := raw[keyRoot].(string)
	if strings.TrimSpace(root) == "" {
		return domain.ZoneSpec{}, false, fmt.Errorf("%w: missing '%s'", domain.ErrInvalidZone, keyRoot)
	}
	spec := domain.ZoneSpec{Name: utils.PresentationName(root)}

	if v, ok := raw[keyTTL]; ok {
		ttl, err := toUint32(v)
		if err != nil {
			return domain.ZoneSpec{}, false, fmt.Errorf("ttl: %w", err)
		}
		spec.TTL = ttl
	}

	soaRaw, hasSOA := raw[keySOA]
	if hasSOA {
		m, ok := soaRaw.(map[string]any)
		if !ok {
			return domain.ZoneSpec{}, false, fmt.Errorf("%w: soa must be a map", domain.ErrInvalidZone)
		}
		soa, err := decodeSOA(m)
		if err != nil {
			return domain.ZoneSpec{}, false, err
		}
		spec.SOA = soa
	}

	apex := make(map[string]any)
	owners := make(map[string]map[string]any)
	for key, val := range raw {
		switch key {
		case keyRoot, keyTTL, keySOA:
			continue
		}
		if m, ok := val.(map[string]any); ok {
			owners[key] = m
			continue
		}
		apex[key] = val
	}

	recs, err := records("@", apex, nil)
	if err != nil {
		return domain.ZoneSpec{}, false, err
	}
	spec.Records = append(spec.Records, recs...)

	for _, label := range sortedKeys(owners) {
		fields := owners[label]
		var ttl *uint32
		if v, ok := fields[keyTTL]; ok {
			t, err := toUint32(v)
			if err != nil {
				return domain.ZoneSpec{}, false, fmt.Errorf("%s ttl: %w", label, err)
			}
			ttl = &t
		}
		recs, err := records(label, fields, ttl)
		if err != nil {
			return domain.ZoneSpec{}, false, err
		}
		spec.Records = append(spec.Records, recs...)
	}
	return spec, hasSOA, nil
}

func decodeSOA(m map[string]any) (domain.SOA, error) {
	var soa domain.SOA
	soa.MName, _ = m["mname"].(string)
	soa.RName, _ = m["rname"].(string)
	timers := []struct {
		key string
		dst *uint32
	}{
		{"refresh", &soa.Refresh},
		{"retry", &soa.Retry},
		{"expire", &soa.Expire},
		{"minimum", &soa.Minimum},
	}
	for _, f := range timers {
		v, ok := m[f.key]
		if !ok {
			continue
		}
		n, err := toUint32(v)
		if err != nil {
			return domain.SOA{}, fmt.Errorf("soa %s: %w", f.key, err)
		}
		*f.dst = n
	}
	return soa, nil
}

// records builds one RecordSpec per type key of an owner.
func records(label string, fields map[string]any, ttl *uint32) ([]domain.RecordSpec, error) {
	var out []domain.RecordSpec
	for _, key := range sortedKeys(fields) {
		if key == keyTTL {
			continue
		}
		t := domain.RRTypeFromString(key)
		if t == 0 {
			return nil, fmt.Errorf("%w: unknown record type %q under %s", domain.ErrInvalidRecord, key, label)
		}
		values, err := toStringValues(t, fields[key])
		if err != nil {
			return nil, fmt.Errorf("%s %s: %w", label, key, err)
		}
		if len(values) == 0 {
			continue
		}
		out = append(out, domain.RecordSpec{Name: label, Type: t, TTL: ttl, Values: values})
	}
	return out, nil
}

// toStringValues converts a raw value (scalar, list, or MX-style map) into
// presentation strings, skipping empty entries.
func toStringValues(t domain.RRType, val any) ([]string, error) {
	switch v := val.(type) {
	case []any:
		out := make([]string, 0, len(v))
		for _, elem := range v {
			s, err := toStringValue(t, elem)
			if err != nil {
				return nil, err
			}
			if s != "" {
				out = append(out, s)
			}
		}
		return out, nil
	default:
		s, err := toStringValue(t, v)
		if err != nil || s == "" {
			return nil, err
		}
		return []string{s}, nil
	}
}

func toStringValue(t domain.RRType, val any) (string, error) {
	switch v := val.(type) {
	case string:
		return strings.TrimSpace(v), nil
	case map[string]any:
		if t != domain.RRTypeMX {
			return "", fmt.Errorf("%w: structured values are only supported for MX", domain.ErrInvalidRecord)
		}
		prio, err := toUint32(v["priority"])
		if err != nil {
			return "", fmt.Errorf("mx priority: %w", err)
		}
		host, _ := v["host"].(string)
		if strings.TrimSpace(host) == "" {
			return "", fmt.Errorf("%w: mx host missing", domain.ErrInvalidRecord)
		}
		return fmt.Sprintf("%d %s", prio, strings.TrimSpace(host)), nil
	case int, int64, float64:
		n, err := toUint32(v)
		if err != nil {
			return "", err
		}
		return strconv.FormatUint(uint64(n), 10), nil
	default:
		return "", fmt.Errorf("%w: unsupported value %v", domain.ErrInvalidRecord, val)
	}
}

// toUint32 accepts the number types the yaml, json and toml parsers produce.
func toUint32(v any) (uint32, error) {
	var n int64
	switch x := v.(type) {
	case int:
		n = int64(x)
	case int64:
		n = x
	case uint64:
		if x > 1<<32-1 {
			return 0, fmt.Errorf("value %d out of range", x)
		}
		n = int64(x)
	case float64:
		if x != float64(int64(x)) {
			return 0, fmt.Errorf("value %v is not a whole number", x)
		}
		n = int64(x)
	case string:
		u, err := strconv.ParseUint(strings.TrimSpace(x), 10, 32)
		if err != nil {
			return 0, err
		}
		return uint32(u), nil
	default:
		return 0, fmt.Errorf("expected a number, got %T", v)
	}
	if n < 0 || n > 1<<32-1 {
		return 0, fmt.Errorf("value %d out of range", n)
	}
	return uint32(n), nil
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
