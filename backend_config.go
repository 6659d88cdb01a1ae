package xinbox

import (
	"errors"
	"fmt"
	"path/filepath"
	"strconv"
	"strings"

	"github.com/joeshaw/envdecode"
)

// Engine tags accepted in BackendConfig.Type.
const (
	EngineMemory = "memory"
	EngineFile   = "file"
	EngineSQL    = "sql"
	EngineRedis  = "redis"
)

var engineAliases = map[string]string{
	"memory":     EngineMemory,
	"in-process": EngineMemory,
	"inprocess":  EngineMemory,
	"file":       EngineFile,
	"sql":        EngineSQL,
	"relational": EngineSQL,
	"redis":      EngineRedis,
	"remote-kv":  EngineRedis,
}

// BackendConfig selects and parameterizes a storage engine.
type BackendConfig struct {
	// Type is one of memory, file, sql or redis (case-insensitive).
	Type string `mapstructure:"type" env:"XINBOX_STORAGE_TYPE,default=memory"`
	// FilePath is the root directory of the file engine.
	FilePath string `mapstructure:"file_path" env:"XINBOX_STORAGE_FILE_PATH"`
	// ConnectionString locates the sql or redis server.
	ConnectionString string `mapstructure:"connection_string" env:"XINBOX_STORAGE_CONNECTION_STRING"`
	// UseFakeRemote runs the redis engine against an in-process server.
	UseFakeRemote bool `mapstructure:"use_fake_remote" env:"XINBOX_STORAGE_USE_FAKE_REMOTE,default=false"`
	// Codec names the at-rest encoding (json or msgpack; default json).
	Codec string `mapstructure:"codec" env:"XINBOX_STORAGE_CODEC,default=json"`
}

// Engine returns the canonical engine tag, or "" when Type is unknown.
func (c BackendConfig) Engine() string {
	return engineAliases[strings.ToLower(strings.TrimSpace(c.Type))]
}

// Validate fails with *ConfigurationError for an unknown type, a missing
// required field or an unknown codec.
func (c BackendConfig) Validate() error {
	engine := c.Engine()
	if engine == "" {
		if c.Type == "" {
			return &ConfigurationError{Field: "type", Reason: "storage type is required"}
		}
		return &ConfigurationError{Field: "type", Reason: fmt.Sprintf("unknown storage type %q", c.Type)}
	}
	switch engine {
	case EngineFile:
		if c.FilePath == "" {
			return &ConfigurationError{Engine: engine, Field: "file_path", Reason: "required"}
		}
	case EngineSQL:
		if c.ConnectionString == "" {
			return &ConfigurationError{Engine: engine, Field: "connection_string", Reason: "required"}
		}
	case EngineRedis:
		if c.ConnectionString == "" && !c.UseFakeRemote {
			return &ConfigurationError{Engine: engine, Field: "connection_string", Reason: "required unless use_fake_remote is set"}
		}
	}
	if _, err := NewCodec(c.Codec); err != nil {
		var cfgErr *ConfigurationError
		if errors.As(err, &cfgErr) {
			cfgErr.Engine = engine
		}
		return err
	}
	return nil
}

// Key is the identity under which a Registry caches the engine instance.
func (c BackendConfig) Key() string {
	path := c.FilePath
	if path != "" {
		if abs, err := filepath.Abs(path); err == nil {
			path = abs
		}
		path = filepath.Clean(path)
	}
	codec := strings.ToLower(c.Codec)
	if codec == "" {
		codec = DefaultCodec
	}
	return strings.Join([]string{
		c.Engine(),
		path,
		c.ConnectionString,
		strconv.FormatBool(c.UseFakeRemote),
		codec,
	}, "|")
}

// BackendConfigFromMap reads the keys type, file_path, connection_string,
// use_fake_remote (alias fake_redis) and codec.
func BackendConfigFromMap(m map[string]any) (BackendConfig, error) {
	var c BackendConfig
	getString := func(k string) (string, error) {
		switch v := m[k].(type) {
		case nil:
			return "", nil
		case string:
			return v, nil
		case fmt.Stringer:
			return v.String(), nil
		default:
			return "", &ConfigurationError{Field: k, Reason: fmt.Sprintf("expected string, got %T", v)}
		}
	}
	getBool := func(k string) (bool, error) {
		switch v := m[k].(type) {
		case nil:
			return false, nil
		case bool:
			return v, nil
		case string:
			b, err := strconv.ParseBool(v)
			if err != nil {
				return false, &ConfigurationError{Field: k, Reason: err.Error()}
			}
			return b, nil
		default:
			return false, &ConfigurationError{Field: k, Reason: fmt.Sprintf("expected bool, got %T", v)}
		}
	}

	var err error
	if c.Type, err = getString("type"); err != nil {
		return c, err
	}
	if c.FilePath, err = getString("file_path"); err != nil {
		return c, err
	}
	if c.ConnectionString, err = getString("connection_string"); err != nil {
		return c, err
	}
	if c.Codec, err = getString("codec"); err != nil {
		return c, err
	}
	key := "use_fake_remote"
	if _, ok := m[key]; !ok {
		key = "fake_redis"
	}
	if c.UseFakeRemote, err = getBool(key); err != nil {
		return c, err
	}
	return c, c.Validate()
}

// BackendConfigFromEnv reads XINBOX_STORAGE_* variables.
func BackendConfigFromEnv() (BackendConfig, error) {
	var c BackendConfig
	if err := envdecode.Decode(&c); err != nil && !errors.Is(err, envdecode.ErrNoTargetFieldsAreSet) {
		return c, &ConfigurationError{Reason: err.Error()}
	}
	return c, c.Validate()
}
