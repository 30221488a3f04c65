package main

import (
	"flag"
	"testing"

	"indi/pkg/config"
	"indi/pkg/store"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	cli "github.com/urfave/cli/v2"
)

func newTestContext(t *testing.T, args ...string) *cli.Context {
	t.Helper()
	set := flag.NewFlagSet("test", flag.ContinueOnError)
	set.String("config", "", "")
	set.String("server", "", "")
	set.Int("port", 7624, "")
	require.NoError(t, set.Parse(args))
	return cli.NewContext(&cli.App{}, set, nil)
}

func TestConnectionSettings(t *testing.T) {
	saved := store.Settings{Address: "saved.local", Port: 7000, BufferSize: 1024}
	cfg := &config.Config{}
	cfg.Client.Address = "config.local"
	cfg.Client.Port = 7700
	cfg.Client.BufferSize = 4096

	tests := []struct {
		name    string
		args    []string
		env     map[string]string
		address string
		port    int
		buffer  int
	}{
		{name: "saved", address: "saved.local", port: 7000, buffer: 1024},
		{name: "config file", args: []string{"--config", "indi.yaml"}, address: "config.local", port: 7700, buffer: 4096},
		{name: "port from env", env: map[string]string{"INDI_PORT": "7700"}, address: "saved.local", port: 7700, buffer: 1024},
		{name: "address from env", env: map[string]string{"INDI_ADDRESS": "config.local"}, address: "config.local", port: 7000, buffer: 1024},
		{name: "server flag", args: []string{"--server", "flag.local:7800"}, address: "flag.local", port: 7800, buffer: 1024},
		{name: "port flag wins", args: []string{"--port", "7900"}, env: map[string]string{"INDI_PORT": "7700"}, address: "saved.local", port: 7900, buffer: 1024},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			t.Setenv("INDI_ADDRESS", "")
			t.Setenv("INDI_PORT", "")
			for k, v := range tc.env {
				t.Setenv(k, v)
			}

			settings := connectionSettings(newTestContext(t, tc.args...), cfg, saved)
			assert.Equal(t, tc.address, settings.Address)
			assert.Equal(t, tc.port, settings.Port)
			assert.Equal(t, tc.buffer, settings.BufferSize)
		})
	}
}
