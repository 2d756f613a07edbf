/*
Package config provides type-safe configuration extraction from map[string]any.

# Overview

config wraps a map[string]any and provides typed accessor methods that handle
missing keys and type mismatches gracefully by returning default values.
This keeps YAML/JSON-sourced settings free of verbose type assertions and
nil checks at the call site.

# Basic Usage

Create a Config from any map and extract values with defaults:

	cfg := config.New(map[string]any{
	    "prefix":  "myagent",
	    "ttl":     "168h",
	    "enabled": true,
	})

	prefix := cfg.String("prefix", "agentforge")   // "myagent"
	ttl := cfg.Duration("ttl", 7*24*time.Hour)     // 168h
	enabled := cfg.Bool("enabled", false)          // true

Nested blocks chain through Section, which never fails:

	addr := cfg.Section("checkpoint").Section("redis").String("addr", "localhost:6379")

# Type Coercion

Duration handles multiple input types:
  - string: parsed with time.ParseDuration ("30s", "168h")
  - int/float64: interpreted as seconds
  - time.Duration: used directly

All methods return the default value if the key is missing, the value cannot
be converted to the requested type, or the conversion would lose precision
(e.g., float to int with a fraction).

# File Loading

Load configuration from YAML or JSON files:

	cfg, err := config.FromFile("config.yaml")
	if err != nil {
	    log.Fatal(err)
	}

${VAR} references in the file body are expanded from the process environment
before parsing.

# Thread Safety

Config is safe for concurrent read access. The underlying map is not
modified after creation. However, if the original map is modified
externally, behavior is undefined.
*/
package config
