package xinbox_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/trickstertwo/xinbox"
	_ "github.com/trickstertwo/xinbox/adapter/memory"
)

func TestBackendConfigValidate(t *testing.T) {
	tests := []struct {
		name    string
		cfg     xinbox.BackendConfig
		wantErr bool
	}{
		{name: "memory", cfg: xinbox.BackendConfig{Type: "memory"}},
		{name: "upper case tag", cfg: xinbox.BackendConfig{Type: "MEMORY"}},
		{name: "alias", cfg: xinbox.BackendConfig{Type: "in-process"}},
		{name: "empty type", cfg: xinbox.BackendConfig{}, wantErr: true},
		{name: "unknown type", cfg: xinbox.BackendConfig{Type: "tape"}, wantErr: true},
		{name: "file without path", cfg: xinbox.BackendConfig{Type: "file"}, wantErr: true},
		{name: "file", cfg: xinbox.BackendConfig{Type: "file", FilePath: "/tmp/x"}},
		{name: "sql without dsn", cfg: xinbox.BackendConfig{Type: "sql"}, wantErr: true},
		{name: "redis without url", cfg: xinbox.BackendConfig{Type: "redis"}, wantErr: true},
		{name: "redis fake", cfg: xinbox.BackendConfig{Type: "redis", UseFakeRemote: true}},
		{name: "unknown codec", cfg: xinbox.BackendConfig{Type: "memory", Codec: "xml"}, wantErr: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := tt.cfg.Validate()
			if tt.wantErr {
				assert.ErrorIs(t, err, xinbox.ErrConfiguration)
				return
			}
			assert.NoError(t, err)
		})
	}
}

func TestBackendConfigKey(t *testing.T) {
	a := xinbox.BackendConfig{Type: "file", FilePath: "/tmp/inbox/../inbox"}
	b := xinbox.BackendConfig{Type: "FILE", FilePath: "/tmp/inbox", Codec: "json"}
	c := xinbox.BackendConfig{Type: "file", FilePath: "/tmp/other"}

	assert.Equal(t, a.Key(), b.Key())
	assert.NotEqual(t, a.Key(), c.Key())
}

func TestBackendConfigFromMap(t *testing.T) {
	cfg, err := xinbox.BackendConfigFromMap(map[string]any{
		"type":       "REDIS",
		"fake_redis": true,
	})
	require.NoError(t, err)
	assert.Equal(t, xinbox.EngineRedis, cfg.Engine())
	assert.True(t, cfg.UseFakeRemote)

	cfg, err = xinbox.BackendConfigFromMap(map[string]any{"type": "sql", "connection_string": "sqlite://", "use_fake_remote": "false"})
	require.NoError(t, err)
	assert.Equal(t, "sqlite://", cfg.ConnectionString)

	_, err = xinbox.BackendConfigFromMap(map[string]any{"type": 5})
	assert.ErrorIs(t, err, xinbox.ErrConfiguration)
	_, err = xinbox.BackendConfigFromMap(map[string]any{"type": "file"})
	assert.ErrorIs(t, err, xinbox.ErrConfiguration)
}

func TestBackendConfigFromEnv(t *testing.T) {
	t.Setenv("XINBOX_STORAGE_TYPE", "file")
	t.Setenv("XINBOX_STORAGE_FILE_PATH", "/var/lib/xinbox")
	t.Setenv("XINBOX_STORAGE_CODEC", "msgpack")

	cfg, err := xinbox.BackendConfigFromEnv()
	require.NoError(t, err)
	assert.Equal(t, xinbox.EngineFile, cfg.Engine())
	assert.Equal(t, "/var/lib/xinbox", cfg.FilePath)
	assert.Equal(t, "msgpack", cfg.Codec)
	assert.False(t, cfg.UseFakeRemote)
}

func TestRegistry(t *testing.T) {
	ctx := context.Background()
	reg := xinbox.NewRegistry()

	b1, err := reg.Backend(xinbox.BackendConfig{Type: "memory"})
	require.NoError(t, err)
	b2, err := reg.Backend(xinbox.BackendConfig{Type: "in-process"})
	require.NoError(t, err)
	assert.Same(t, b1, b2)
	assert.Equal(t, 1, reg.Len())

	b3, err := reg.Backend(xinbox.BackendConfig{Type: "memory", Codec: "msgpack"})
	require.NoError(t, err)
	assert.NotSame(t, b1, b3)

	_, err = reg.Backend(xinbox.BackendConfig{Type: "tape"})
	require.ErrorIs(t, err, xinbox.ErrConfiguration)
	assert.Equal(t, 2, reg.Len())

	require.NoError(t, reg.Close(ctx))
	assert.Equal(t, 0, reg.Len())
	_, err = reg.Backend(xinbox.BackendConfig{Type: "memory"})
	assert.ErrorIs(t, err, xinbox.ErrRegistryClosed)
}

func TestIsolatedRegistries(t *testing.T) {
	r1, r2 := xinbox.NewRegistry(), xinbox.NewRegistry()
	b1, err := r1.Backend(xinbox.BackendConfig{Type: "memory"})
	require.NoError(t, err)
	b2, err := r2.Backend(xinbox.BackendConfig{Type: "memory"})
	require.NoError(t, err)
	assert.NotSame(t, b1, b2)
}

func TestUnlinkedEngine(t *testing.T) {
	// The sql adapter is not imported by this test binary.
	_, err := xinbox.NewBackend(xinbox.BackendConfig{Type: "sql", ConnectionString: "sqlite://"})
	require.ErrorIs(t, err, xinbox.ErrConfiguration)
	assert.Contains(t, err.Error(), "adapter/sql")
}
