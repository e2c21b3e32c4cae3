package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// ApplyEnv reads environment settings that have no dedicated CLI flag:
// COMMSYNC_API_KEYS_<TENANT>=<key>[,<key>...], COMMSYNC_MAX_BODY_SIZE (e.g. "4M")
// and COMMSYNC_TESTING.
func (c *Config) ApplyEnv() error {
	if c == nil {
		return nil
	}
	if raw := strings.TrimSpace(os.Getenv("COMMSYNC_MAX_BODY_SIZE")); raw != "" {
		size, err := parseMemorySize(raw)
		if err != nil {
			return fmt.Errorf("invalid COMMSYNC_MAX_BODY_SIZE: %w", err)
		}
		c.MaxBodySize = size
	}
	testing := false
	if err := applyBoolEnv("COMMSYNC_TESTING", &testing); err != nil {
		return err
	}
	if testing {
		c.Mode = ModeTesting
	}
	keys := loadAPIKeysFromEnv()
	if c.APIKeys == nil {
		c.APIKeys = map[string]string{}
	}
	for k, tenant := range keys {
		c.APIKeys[k] = tenant
	}
	return nil
}

// ParseAPIKeys parses "key=tenant,key2=tenant2" as given to --api-keys.
func ParseAPIKeys(raw string) (map[string]string, error) {
	result := map[string]string{}
	for _, pair := range strings.Split(raw, ",") {
		pair = strings.TrimSpace(pair)
		if pair == "" {
			continue
		}
		idx := strings.IndexByte(pair, '=')
		if idx <= 0 || idx == len(pair)-1 {
			return nil, fmt.Errorf("invalid api key %q: expected key=tenant", pair)
		}
		result[strings.TrimSpace(pair[:idx])] = strings.ToLower(strings.TrimSpace(pair[idx+1:]))
	}
	return result, nil
}

// loadAPIKeysFromEnv scans env vars matching COMMSYNC_API_KEYS_<TENANT>=<key>[,<key>...]
// and returns a map from key value to tenant.
func loadAPIKeysFromEnv() map[string]string {
	const prefix = "COMMSYNC_API_KEYS_"
	result := map[string]string{}
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, prefix) {
			continue
		}
		eqIdx := strings.IndexByte(env, '=')
		if eqIdx < 0 {
			continue
		}
		tenant := strings.ToLower(strings.TrimSpace(env[len(prefix):eqIdx]))
		if tenant == "" {
			continue
		}
		for _, key := range strings.Split(env[eqIdx+1:], ",") {
			keyValue := strings.TrimSpace(key)
			if keyValue == "" {
				continue
			}
			result[keyValue] = tenant
		}
	}
	return result
}

func applyBoolEnv(key string, dest *bool) error {
	raw := strings.TrimSpace(os.Getenv(key))
	if raw == "" {
		return nil
	}
	v, err := strconv.ParseBool(raw)
	if err != nil {
		return fmt.Errorf("invalid %s: %w", key, err)
	}
	*dest = v
	return nil
}

// ParseDuration accepts Go durations ("30s") and the ISO-8601 subset PT#H#M#S.
func ParseDuration(raw string) (time.Duration, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty duration")
	}
	if d, err := time.ParseDuration(strings.ToLower(v)); err == nil {
		return d, nil
	}
	if !strings.HasPrefix(v, "PT") {
		return 0, fmt.Errorf("unsupported format %q", raw)
	}
	rest := strings.TrimPrefix(v, "PT")
	if rest == "" {
		return 0, fmt.Errorf("invalid format %q", raw)
	}
	total := time.Duration(0)
	for len(rest) > 0 {
		i := 0
		for i < len(rest) && rest[i] >= '0' && rest[i] <= '9' {
			i++
		}
		if i == 0 || i >= len(rest) {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		n, err := strconv.Atoi(rest[:i])
		if err != nil {
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		switch rest[i] {
		case 'H':
			total += time.Duration(n) * time.Hour
		case 'M':
			total += time.Duration(n) * time.Minute
		case 'S':
			total += time.Duration(n) * time.Second
		default:
			return 0, fmt.Errorf("invalid format %q", raw)
		}
		rest = rest[i+1:]
	}
	if total <= 0 {
		return 0, fmt.Errorf("duration must be positive")
	}
	return total, nil
}

func parseMemorySize(raw string) (int64, error) {
	v := strings.TrimSpace(strings.ToUpper(raw))
	if v == "" {
		return 0, fmt.Errorf("empty size")
	}
	multiplier := int64(1)
	switch {
	case strings.HasSuffix(v, "KB"), strings.HasSuffix(v, "K"):
		multiplier = 1024
		v = strings.TrimSuffix(strings.TrimSuffix(v, "KB"), "K")
	case strings.HasSuffix(v, "MB"), strings.HasSuffix(v, "M"):
		multiplier = 1024 * 1024
		v = strings.TrimSuffix(strings.TrimSuffix(v, "MB"), "M")
	case strings.HasSuffix(v, "B"):
		v = strings.TrimSuffix(v, "B")
	}
	n, err := strconv.ParseInt(strings.TrimSpace(v), 10, 64)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("invalid size %q", raw)
	}
	return n * multiplier, nil
}
