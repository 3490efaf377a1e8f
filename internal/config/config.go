// Package config loads daemon options from a TOML file and SIDEBAND_*
// environment variables, and watches configuration files for changes.
package config

import (
	"fmt"
	"os"
	"reflect"
	"strconv"
	"strings"
	"time"
	"unicode"

	"github.com/pelletier/go-toml/v2"
	"github.com/smazurov/sideband/internal/logging"
	"github.com/spf13/cobra"
	"github.com/spf13/pflag"
)

// EnvPrefix is prepended to every env tag.
const EnvPrefix = "SIDEBAND_"

var durationType = reflect.TypeFor[time.Duration]()

// LoadConfig fills opts, a pointer to a struct, from the file named by its
// Config field and then from the environment. Precedence is CLI flags, then
// environment, then file. Fields whose flag was set on cmd are left alone.
//
// Fields opt in with tags:
//
//	Port int `toml:"server.port" env:"PORT"`
func LoadConfig(opts any, cmd *cobra.Command) error {
	v := reflect.ValueOf(opts)
	if v.Kind() != reflect.Pointer || v.Elem().Kind() != reflect.Struct {
		return fmt.Errorf("config: expected pointer to struct, got %T", opts)
	}
	v = v.Elem()

	fromCLI := changedFlags(cmd)
	fields := settableFields(v, fromCLI)

	if path := configPath(v); path != "" {
		doc, err := readTOML(path)
		if err != nil {
			return err
		}
		for _, f := range fields {
			key := f.tag.Get("toml")
			if key == "" {
				continue
			}
			if raw, ok := lookup(doc, key); ok {
				if err := assign(f.value, raw); err != nil {
					return fmt.Errorf("config: %s: %w", key, err)
				}
			}
		}
	}

	for _, f := range fields {
		name := f.tag.Get("env")
		if name == "" {
			continue
		}
		raw, ok := os.LookupEnv(EnvPrefix + name)
		if !ok || raw == "" {
			continue
		}
		if err := parseInto(f.value, raw); err != nil {
			return fmt.Errorf("config: %s%s: %w", EnvPrefix, name, err)
		}
	}
	return nil
}

type field struct {
	value reflect.Value
	tag   reflect.StructTag
}

func settableFields(v reflect.Value, skip map[string]bool) []field {
	t := v.Type()
	out := make([]field, 0, t.NumField())
	for i := range t.NumField() {
		sf := t.Field(i)
		if !sf.IsExported() || skip[flagName(sf.Name)] {
			continue
		}
		out = append(out, field{value: v.Field(i), tag: sf.Tag})
	}
	return out
}

func changedFlags(cmd *cobra.Command) map[string]bool {
	changed := make(map[string]bool)
	if cmd == nil {
		return changed
	}
	cmd.Flags().Visit(func(f *pflag.Flag) {
		changed[f.Name] = true
	})
	return changed
}

func configPath(v reflect.Value) string {
	f := v.FieldByName("Config")
	if !f.IsValid() || f.Kind() != reflect.String {
		return ""
	}
	return f.String()
}

// readTOML returns an empty document when path does not exist.
func readTOML(path string) (map[string]any, error) {
	data, err := os.ReadFile(path)
	if os.IsNotExist(err) {
		return map[string]any{}, nil
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read config %s: %w", path, err)
	}
	var doc map[string]any
	if err := toml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("failed to parse TOML config: %w", err)
	}
	return doc, nil
}

// flagName maps a field name to its humacli flag: "NatsPort" -> "nats-port".
func flagName(name string) string {
	var b strings.Builder
	for i, r := range name {
		if i > 0 && unicode.IsUpper(r) {
			b.WriteByte('-')
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// lookup resolves a dotted key such as "nats.port".
func lookup(doc map[string]any, key string) (any, bool) {
	node := doc
	parts := strings.Split(key, ".")
	for _, p := range parts[:len(parts)-1] {
		next, ok := node[p].(map[string]any)
		if !ok {
			return nil, false
		}
		node = next
	}
	raw, ok := node[parts[len(parts)-1]]
	return raw, ok
}

// assign stores a decoded TOML value into dst.
func assign(dst reflect.Value, raw any) error {
	if !dst.CanSet() {
		return nil
	}
	if dst.Type() == durationType {
		switch r := raw.(type) {
		case string:
			return parseInto(dst, r)
		case int64:
			dst.SetInt(r * int64(time.Second))
			return nil
		}
		return fmt.Errorf("cannot use %T as duration", raw)
	}

	switch dst.Kind() {
	case reflect.String:
		s, ok := raw.(string)
		if !ok {
			return fmt.Errorf("cannot use %T as string", raw)
		}
		dst.SetString(s)
	case reflect.Bool:
		b, ok := raw.(bool)
		if !ok {
			return fmt.Errorf("cannot use %T as bool", raw)
		}
		dst.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, ok := raw.(int64)
		if !ok {
			return fmt.Errorf("cannot use %T as integer", raw)
		}
		dst.SetInt(n)
	case reflect.Float64:
		switch n := raw.(type) {
		case float64:
			dst.SetFloat(n)
		case int64:
			dst.SetFloat(float64(n))
		default:
			return fmt.Errorf("cannot use %T as float", raw)
		}
	case reflect.Slice:
		items, ok := raw.([]any)
		if !ok || dst.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("cannot use %T as %s", raw, dst.Type())
		}
		out := make([]string, 0, len(items))
		for _, it := range items {
			s, ok := it.(string)
			if !ok {
				return fmt.Errorf("cannot use %T as string", it)
			}
			out = append(out, s)
		}
		dst.Set(reflect.ValueOf(out))
	}
	return nil
}

// parseInto stores an environment string into dst. Slices are comma
// separated.
func parseInto(dst reflect.Value, raw string) error {
	if !dst.CanSet() {
		return nil
	}
	if dst.Type() == durationType {
		d, err := time.ParseDuration(raw)
		if err != nil {
			return err
		}
		dst.SetInt(int64(d))
		return nil
	}

	switch dst.Kind() {
	case reflect.String:
		dst.SetString(raw)
	case reflect.Bool:
		b, err := strconv.ParseBool(raw)
		if err != nil {
			return err
		}
		dst.SetBool(b)
	case reflect.Int, reflect.Int32, reflect.Int64:
		n, err := strconv.ParseInt(raw, 10, dst.Type().Bits())
		if err != nil {
			return err
		}
		dst.SetInt(n)
	case reflect.Float64:
		f, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return err
		}
		dst.SetFloat(f)
	case reflect.Slice:
		if dst.Type().Elem().Kind() != reflect.String {
			return fmt.Errorf("unsupported slice type %s", dst.Type())
		}
		parts := strings.Split(raw, ",")
		for i := range parts {
			parts[i] = strings.TrimSpace(parts[i])
		}
		dst.Set(reflect.ValueOf(parts))
	}
	return nil
}

// LoadLoggingConfig reads the [logging] table of path. The keys level and
// format are global; any other key sets the level of the module it names:
//
//	[logging]
//	level = "info"
//	provider = "debug"
//
// Missing or unparsable files yield the defaults.
func LoadLoggingConfig(path string) logging.Config {
	cfg := logging.Config{Level: "info", Format: "text", Modules: map[string]string{}}
	if path == "" {
		return cfg
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return cfg
	}
	var doc struct {
		Logging map[string]any `toml:"logging"`
	}
	if err := toml.Unmarshal(data, &doc); err != nil {
		return cfg
	}

	for key, raw := range doc.Logging {
		value, ok := raw.(string)
		if !ok {
			continue
		}
		switch key {
		case "level":
			cfg.Level = value
		case "format":
			cfg.Format = value
		default:
			cfg.Modules[key] = value
		}
	}
	return cfg
}
