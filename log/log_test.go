/*
 * Copyright (c) 2019 Miguel Ángel Ortuño.
 * See the LICENSE file for more information.
 */

package log

import (
	"testing"

	"github.com/stretchr/testify/require"
	"gopkg.in/yaml.v2"
)

func TestConfigUnmarshal(t *testing.T) {
	var cfg Config
	require.Nil(t, yaml.Unmarshal([]byte("level: debug"), &cfg))
	require.Equal(t, DebugLevel, cfg.Level)

	require.Nil(t, yaml.Unmarshal([]byte("level: warning\nlog_path: /tmp/corbel.log"), &cfg))
	require.Equal(t, WarningLevel, cfg.Level)
	require.Equal(t, "/tmp/corbel.log", cfg.LogPath)

	require.Nil(t, yaml.Unmarshal([]byte("{}"), &cfg))
	require.Equal(t, InfoLevel, cfg.Level)

	require.NotNil(t, yaml.Unmarshal([]byte("level: verbose"), &cfg))
}

func TestLoggerInitializeAndShutdown(t *testing.T) {
	Initialize(&Config{Level: DebugLevel})
	require.NotNil(t, instance())

	Debugf("debug message")
	Infof("info message: %d", 42)
	Warnf("warning message")
	Errorf("error message")

	Shutdown()
	require.Nil(t, instance())

	// logging on a shut down subsystem is a no-op
	Infof("dropped message")
}
