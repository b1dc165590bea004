// Package config loads the master's ini-style configuration file and
// exposes the cfg_get<type>(name, default) contract described in spec
// §4.9. It is a thin wrapper over github.com/Unknwon/goconfig, the same
// ini-file library the teacher depends on for its own config handling
// (see _examples/rclone-rclone/go.mod).
package config

import (
	"errors"
	"os"
	"strconv"
	"time"

	"github.com/Unknwon/goconfig"
)

// Config wraps a parsed mfsmaster.cfg. A zero-valued Config (no file
// loaded) falls back to defaults on every getter, matching the "missing
// key uses default" convention of cfg_get<type>.
type Config struct {
	path string
	file *goconfig.ConfigFile
}

// Load reads path as an ini file with no section headers (MooseFS' cfg
// files are flat key=value, which goconfig handles via the DEFAULT
// section). A missing file is not an error: boot proceeds with defaults,
// matching the historic mfsmaster.cfg.dist behavior; any other read
// failure is a boot-time configuration error (fatal per spec §7).
func Load(path string) (*Config, error) {
	c := &Config{path: path}
	f, err := goconfig.LoadConfigFile(path)
	if err != nil {
		if isNotExist(err) {
			return c, nil
		}
		return nil, err
	}
	c.file = f
	return c, nil
}

func isNotExist(err error) bool {
	type notExister interface{ IsNotExist() bool }
	if ne, ok := err.(notExister); ok {
		return ne.IsNotExist()
	}
	return errors.Is(err, os.ErrNotExist) // goconfig returns a plain *os.PathError
}

func (c *Config) raw(name string) (string, bool) {
	if c.file == nil {
		return "", false
	}
	v, err := c.file.GetValue(goconfig.DEFAULT_SECTION, name)
	if err != nil || v == "" {
		return "", false
	}
	return v, true
}

// GetString returns the string value of name, or def if absent.
func (c *Config) GetString(name, def string) string {
	if v, ok := c.raw(name); ok {
		return v
	}
	return def
}

// GetBool returns the boolean value of name, or def if absent/unparsable.
func (c *Config) GetBool(name string, def bool) bool {
	v, ok := c.raw(name)
	if !ok {
		return def
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return def
	}
	return b
}

// GetUint32 returns the uint32 value of name, or def if absent/unparsable.
func (c *Config) GetUint32(name string, def uint32) uint32 {
	v, ok := c.raw(name)
	if !ok {
		return def
	}
	n, err := strconv.ParseUint(v, 10, 32)
	if err != nil {
		return def
	}
	return uint32(n)
}

// GetInt returns the int value of name, or def if absent/unparsable.
func (c *Config) GetInt(name string, def int) int {
	v, ok := c.raw(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// GetSeconds returns name interpreted as a count of seconds, as a
// time.Duration, or def if absent/unparsable.
func (c *Config) GetSeconds(name string, def time.Duration) time.Duration {
	v, ok := c.raw(name)
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return time.Duration(n) * time.Second
}

// GetFloat returns the float64 value of name, or def if absent/unparsable.
func (c *Config) GetFloat(name string, def float64) float64 {
	v, ok := c.raw(name)
	if !ok {
		return def
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return def
	}
	return f
}
