package mqttwss

import (
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

func TestParseFileConfigValid(t *testing.T) {
	data := []byte(`
host: broker.example.com
port: 8884
client_id: sensor-01
clean_session: true
keep_alive: 30s
ws_path: /mqtt
`)
	cfg, err := ParseFileConfig(data)
	require.NoError(t, err)
	require.Equal(t, "broker.example.com", cfg.Host)
	require.Equal(t, uint16(8884), cfg.Port)

	params := cfg.ConnectParams()
	require.Equal(t, "sensor-01", params.ClientID)
	require.Equal(t, uint16(30), params.KeepAlive)
	require.Equal(t, 30*time.Second, cfg.KeepAlive)
}

func TestParseFileConfigRequiresHost(t *testing.T) {
	_, err := ParseFileConfig([]byte(`port: 1883`))
	require.ErrorIs(t, err, ErrParam)
}

func TestFileConfigInsecureTLSOption(t *testing.T) {
	cfg := &FileConfig{Host: "h", InsecureTLS: true}
	opts := NewClientOptions(cfg.Options()...)
	require.True(t, opts.TLSConfig.InsecureSkipVerify)
}
