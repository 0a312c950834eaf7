// Package config loads the agent configuration file: JSON, validated
// against an embedded schema before it is decoded, so a typo fails
// with a pointed message instead of a half-applied config.
package config

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/santhosh-tekuri/jsonschema/v6"
)

const schemaJSON = `{
  "$schema": "https://json-schema.org/draft/2020-12/schema",
  "type": "object",
  "additionalProperties": false,
  "required": ["server", "organization"],
  "properties": {
    "server": {
      "type": "object",
      "additionalProperties": false,
      "required": ["url"],
      "properties": {
        "url": {"type": "string", "minLength": 1},
        "token": {"type": "string"}
      }
    },
    "organization": {"type": "string", "minLength": 1},
    "rootVerifyKey": {"type": "string", "minLength": 1},
    "storageDsn": {"type": "string"},
    "logLevel": {"type": "string", "enum": ["debug", "info", "warn", "error"]},
    "workspaces": {
      "type": "array",
      "items": {"type": "string", "minLength": 1}
    },
    "mirror": {
      "type": "object",
      "additionalProperties": false,
      "required": ["workspace", "localRoot"],
      "properties": {
        "workspace": {"type": "string", "minLength": 1},
        "localRoot": {"type": "string", "minLength": 1},
        "remoteRoot": {"type": "string"},
        "interval": {"type": "string"}
      }
    }
  }
}`

type Server struct {
	URL   string `json:"url"`
	Token string `json:"token"`
}

type Mirror struct {
	Workspace  string `json:"workspace"`
	LocalRoot  string `json:"localRoot"`
	RemoteRoot string `json:"remoteRoot"`
	Interval   string `json:"interval"`
}

type Config struct {
	Server        Server   `json:"server"`
	Organization  string   `json:"organization"`
	RootVerifyKey string   `json:"rootVerifyKey"`
	StorageDSN    string   `json:"storageDsn"`
	LogLevel      string   `json:"logLevel"`
	Workspaces    []string `json:"workspaces"`
	Mirror        *Mirror  `json:"mirror"`
}

// MirrorInterval parses the mirror interval, defaulting to a minute.
func (c *Config) MirrorInterval() (time.Duration, error) {
	if c.Mirror == nil || strings.TrimSpace(c.Mirror.Interval) == "" {
		return time.Minute, nil
	}
	return time.ParseDuration(c.Mirror.Interval)
}

func compileSchema() (*jsonschema.Schema, error) {
	doc, err := jsonschema.UnmarshalJSON(strings.NewReader(schemaJSON))
	if err != nil {
		return nil, err
	}
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("config.schema.json", doc); err != nil {
		return nil, err
	}
	return compiler.Compile("config.schema.json")
}

// Load reads, validates and decodes a config file.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	return Parse(data)
}

// Parse validates and decodes raw config bytes.
func Parse(data []byte) (*Config, error) {
	schema, err := compileSchema()
	if err != nil {
		return nil, fmt.Errorf("config schema: %w", err)
	}
	doc, err := jsonschema.UnmarshalJSON(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("config is not valid json: %w", err)
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("config rejected: %w", err)
	}
	var cfg Config
	if err := json.Unmarshal(data, &cfg); err != nil {
		return nil, err
	}
	if cfg.StorageDSN == "" {
		cfg.StorageDSN = "memory://"
	}
	if cfg.LogLevel == "" {
		cfg.LogLevel = "info"
	}
	return &cfg, nil
}
