package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/knadh/koanf/providers/env"
	"github.com/knadh/koanf/v2"
)

// EnvPrefix marks variables that override file values. A double underscore
// separates path segments: REMINDBOT_TELEGRAM__TOKEN sets telegram.token.
const EnvPrefix = "REMINDBOT_"

// envOverlay returns the overrides present in the environment as a nested
// map, or nil when there are none.
func envOverlay() (map[string]any, error) {
	k := koanf.New(".")
	p := env.ProviderWithValue(EnvPrefix, ".", func(key, value string) (string, any) {
		path := strings.ToLower(strings.TrimPrefix(key, EnvPrefix))
		path = strings.ReplaceAll(path, "__", ".")
		if path == "" {
			return "", nil
		}
		return path, envValue(value)
	})
	if err := k.Load(p, nil); err != nil {
		return nil, fmt.Errorf("env overlay: %w", err)
	}
	if len(k.Keys()) == 0 {
		return nil, nil
	}
	return k.Raw(), nil
}

// envValue guesses a JSON type for a raw variable so the strict decoder
// accepts numbers, booleans and comma-separated id lists.
func envValue(raw string) any {
	s := strings.TrimSpace(raw)
	if strings.Contains(s, ",") {
		parts := strings.Split(s, ",")
		out := make([]any, 0, len(parts))
		for _, p := range parts {
			if p = strings.TrimSpace(p); p != "" {
				out = append(out, envValue(p))
			}
		}
		return out
	}
	switch strings.ToLower(s) {
	case "true":
		return true
	case "false":
		return false
	}
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return json.Number(strconv.FormatInt(n, 10))
	}
	return raw
}

// applyEnv merges the environment overlay into a decoded JSON document.
func applyEnv(jb []byte) ([]byte, error) {
	over, err := envOverlay()
	if err != nil || over == nil {
		return jb, err
	}
	doc := map[string]any{}
	if len(bytes.TrimSpace(jb)) > 0 {
		dec := json.NewDecoder(bytes.NewReader(jb))
		dec.UseNumber()
		if err := dec.Decode(&doc); err != nil {
			return nil, err
		}
	}
	mergeMaps(doc, over)
	return json.Marshal(doc)
}

func mergeMaps(dst, src map[string]any) {
	for k, v := range src {
		if sm, ok := v.(map[string]any); ok {
			dm, ok := dst[k].(map[string]any)
			if !ok {
				dm = map[string]any{}
				dst[k] = dm
			}
			mergeMaps(dm, sm)
			continue
		}
		dst[k] = v
	}
}

// HasEnvOverrides reports whether any REMINDBOT_ variable is set.
func HasEnvOverrides() bool {
	for _, kv := range os.Environ() {
		if strings.HasPrefix(kv, EnvPrefix) {
			return true
		}
	}
	return false
}
