package logging

import (
	"testing"

	"github.com/stretchr/testify/require"
)

func TestForAttachesComponentField(t *testing.T) {
	entry := For("dispatch")
	require.Equal(t, "dispatch", entry.Data["component"])
}

func TestConfigureRejectsBadLevel(t *testing.T) {
	err := Configure("not-a-level")
	require.Error(t, err)
}

func TestSetComponentLevelIsolated(t *testing.T) {
	require.NoError(t, SetComponentLevel("cos", "debug"))
	entry := For("cos")
	require.Equal(t, "cos", entry.Data["component"])
}
