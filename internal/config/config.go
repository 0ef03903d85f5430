// Package config loads the settings of the sedes binaries.
//
// Every binary has one struct here. Values are resolved in this order, later
// sources winning:
//
//  1. defaults registered on the command's flags
//  2. an optional YAML file (--config)
//  3. SEDES_* environment variables, optionally seeded from a .env file
//     (--env-file); variables already set in the process take precedence
//     over the file
//  4. flags given explicitly on the command line
//
// Validate runs last so a binary never binds a listener with an incomplete
// configuration.
package config

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/pflag"
	"gopkg.in/yaml.v3"

	"github.com/dreamware/sedes/internal/cluster"
)

// EnvPrefix is prepended to every environment key.
const EnvPrefix = "SEDES_"

// Duration is a time.Duration written as a Go duration string ("5s") in
// YAML and environment values.
type Duration time.Duration

func (d Duration) Std() time.Duration { return time.Duration(d) }

func (d Duration) String() string { return time.Duration(d).String() }

func (d *Duration) UnmarshalYAML(node *yaml.Node) error {
	v, err := time.ParseDuration(node.Value)
	if err != nil {
		return fmt.Errorf("line %d: %w", node.Line, err)
	}
	*d = Duration(v)
	return nil
}

func (d Duration) MarshalYAML() (any, error) { return d.String(), nil }

// Redis addresses one Redis server used as a pub/sub bus.
type Redis struct {
	Addr     string `yaml:"addr"`
	Password string `yaml:"password"`
	DB       int    `yaml:"db"`
}

// Config is implemented by every binary's settings struct.
type Config interface {
	Validate() error
	bindings() []binding
}

type binding struct {
	set func(string) error
	key string
}

func str(key string, p *string) binding {
	return binding{key: key, set: func(v string) error { *p = v; return nil }}
}

func integer(key string, p *int) binding {
	return binding{key: key, set: func(v string) error {
		n, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*p = n
		return nil
	}}
}

func duration(key string, p *Duration) binding {
	return binding{key: key, set: func(v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*p = Duration(d)
		return nil
	}}
}

func list(key string, p *[]string) binding {
	return binding{key: key, set: func(v string) error {
		*p = splitList(v)
		return nil
	}}
}

func sites(key string, p *[]cluster.SiteInfo) binding {
	return binding{key: key, set: func(v string) error {
		s, err := ParseSites(v)
		if err != nil {
			return err
		}
		*p = s
		return nil
	}}
}

func redis(prefix string, r *Redis) []binding {
	return []binding{
		str(prefix+"REDIS_ADDR", &r.Addr),
		str(prefix+"REDIS_PASSWORD", &r.Password),
		integer(prefix+"REDIS_DB", &r.DB),
	}
}

func splitList(v string) []string {
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}

// ParseSites reads a comma separated list of id=addr or id=addr;healthAddr.
func ParseSites(v string) ([]cluster.SiteInfo, error) {
	var out []cluster.SiteInfo
	for _, entry := range splitList(v) {
		id, addrs, ok := strings.Cut(entry, "=")
		if !ok || id == "" || addrs == "" {
			return nil, fmt.Errorf("site %q: want id=addr[;healthAddr]", entry)
		}
		addr, health, _ := strings.Cut(addrs, ";")
		out = append(out, cluster.SiteInfo{ID: strings.TrimSpace(id), Addr: strings.TrimSpace(addr), HealthAddr: strings.TrimSpace(health)})
	}
	return out, nil
}

// Load fills cfg from the YAML file at path, the environment and the
// explicitly changed flags of fs, then validates it. path, envFile and fs
// are all optional.
func Load(cfg Config, fs *pflag.FlagSet, path, envFile string) error {
	changed := map[string]string{}
	if fs != nil {
		fs.Visit(func(f *pflag.Flag) { changed[f.Name] = f.Value.String() })
	}

	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return fmt.Errorf("read config: %w", err)
		}
		if err := decodeYAML(data, cfg); err != nil {
			return fmt.Errorf("parse config %s: %w", path, err)
		}
	}

	dotenv := map[string]string{}
	if envFile != "" {
		var err error
		if dotenv, err = godotenv.Read(envFile); err != nil {
			return fmt.Errorf("read env file: %w", err)
		}
	}
	for _, b := range cfg.bindings() {
		key := EnvPrefix + b.key
		v, ok := os.LookupEnv(key)
		if !ok {
			v, ok = dotenv[key]
		}
		if !ok {
			continue
		}
		if err := b.set(v); err != nil {
			return fmt.Errorf("%s: %w", key, err)
		}
	}

	for name, v := range changed {
		if err := fs.Set(name, v); err != nil {
			return fmt.Errorf("flag --%s: %w", name, err)
		}
	}
	return cfg.Validate()
}

func decodeYAML(data []byte, cfg Config) error {
	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil && !errors.Is(err, io.EOF) {
		return err
	}
	return nil
}
