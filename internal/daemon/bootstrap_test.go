package daemon

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestDaemonCommand(t *testing.T) {
	cmd := DaemonCommand("/data/adb/rootd", "/data/adb/rootd.yaml")

	assert.Equal(t, "/data/adb/rootd", cmd.Path)
	assert.Equal(t, []string{"/data/adb/rootd", "daemon", "--config", "/data/adb/rootd.yaml"}, cmd.Args)
	require.NotNil(t, cmd.SysProcAttr)
	assert.True(t, cmd.SysProcAttr.Setsid, "daemon must leave the caller's session")
	assert.Nil(t, cmd.Stdin)
	assert.Nil(t, cmd.Stdout)
	assert.Nil(t, cmd.Stderr)
}

func TestDaemonCommand_NoConfig(t *testing.T) {
	cmd := DaemonCommand("/data/adb/rootd", "")
	assert.Equal(t, []string{"/data/adb/rootd", "daemon"}, cmd.Args)
}
