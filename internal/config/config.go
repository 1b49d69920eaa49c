// Package config reads the key=value configuration file that drives a
// ResourceSync Destination run: logging and location-mapper file paths,
// the audit/checksum/netloc switches, the report location, the inter-cycle
// pause, and the listener registries.
package config

import (
	"bufio"
	"fmt"
	"os"
	"strconv"
	"strings"
)

// Well-known configuration keys.
const (
	KeyLoggingConfigurationFile      = "logging_configuration_file"
	KeyLocationMapperDestinationFile = "location_mapper_destination_file"
	KeyDestinationRoot               = "destination_root"
	KeyUseNetloc                     = "use_netloc"
	KeyUseChecksum                   = "use_checksum"
	KeyAuditOnly                     = "audit_only"
	KeySyncStatusReportFile          = "sync_status_report_file"
	KeySyncPause                     = "sync_pause"
	KeyDesProcessorListeners         = "des_processor_listeners"
	KeyDesDumpListeners              = "des_dump_listeners"
	KeyWorkerCount                   = "worker_count"
	KeyStateFile                     = "state_file"
	KeyTraversalMaxDepth             = "traversal_max_depth"
)

// Config is an immutable, map-backed view of a key=value file: a plain
// value, not a process-wide singleton; it is loaded once at startup and
// handed to the Runner, which reads it on every cycle.
type Config struct {
	props map[string]string
}

// Load reads filename and parses it as a key=value file. Blank lines and
// lines starting with '#' are skipped; the first '=' on a line separates
// key from value, both of which are trimmed of surrounding whitespace.
func Load(filename string) (*Config, error) {
	f, err := os.Open(filename)
	if err != nil {
		return nil, fmt.Errorf("open config %q: %w", filename, err)
	}
	defer f.Close()

	props := map[string]string{}

	scanner := bufio.NewScanner(f)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if line == "" || strings.HasPrefix(line, "#") {
			continue
		}

		idx := strings.Index(line, "=")
		if idx < 0 {
			return nil, fmt.Errorf("config %q: malformed line %q", filename, line)
		}

		key := strings.TrimSpace(line[:idx])
		value := strings.TrimSpace(line[idx+1:])
		props[key] = value
	}
	if err := scanner.Err(); err != nil {
		return nil, fmt.Errorf("read config %q: %w", filename, err)
	}

	return &Config{props: props}, nil
}

// Prop returns the raw string value for key, or def if the key is absent.
func (c *Config) Prop(key, def string) string {
	if v, ok := c.props[key]; ok {
		return v
	}
	return def
}

// PropOptional returns the raw string value for key and whether it was set.
func (c *Config) PropOptional(key string) (string, bool) {
	v, ok := c.props[key]
	return v, ok
}

// BoolProp parses a "True"/"False" (case-sensitive) boolean
// property, returning def if the key is absent. A present value is true
// only if it reads exactly "True"; any other value is false.
func (c *Config) BoolProp(key string, def bool) bool {
	v, ok := c.props[key]
	if !ok {
		return def
	}
	return v == "True"
}

// IntProp parses an integer property, returning def if the key is absent or
// unparsable.
func (c *Config) IntProp(key string, def int) int {
	v, ok := c.props[key]
	if !ok {
		return def
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return def
	}
	return n
}

// ListProp splits a comma-separated property into trimmed, non-empty
// elements. Absent keys yield an empty slice.
func (c *Config) ListProp(key string) []string {
	v, ok := c.props[key]
	if !ok || strings.TrimSpace(v) == "" {
		return nil
	}
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}
