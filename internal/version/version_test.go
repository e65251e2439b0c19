package version

import (
	"runtime"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestGet(t *testing.T) {
	info := Get()
	require.Equal(t, Version, info.Version)
	require.Equal(t, runtime.Version(), info.GoVersion)
	require.Contains(t, info.String(), "extremewatch "+Version)
}
