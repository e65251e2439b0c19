package cli

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"market-extremes/internal/market"
)

func TestVersionSkipsConfig(t *testing.T) {
	var buf bytes.Buffer
	rootCmd.SetOut(&buf)
	rootCmd.SetArgs([]string{"version", "--config", "/does/not/exist.yaml"})
	t.Cleanup(func() { rootCmd.SetArgs(nil) })

	require.NoError(t, rootCmd.Execute())
	assert.Contains(t, buf.String(), "extremewatch dev")
	assert.Nil(t, appHandle)
}

func TestParsePercentiles(t *testing.T) {
	got, err := parsePercentiles([]string{"flow_1h=99", "liq_1h=91.5"})
	require.NoError(t, err)
	assert.Equal(t, map[market.Dimension]float64{market.FlowHour: 99, market.LiquidationsHour: 91.5}, got)

	for _, bad := range [][]string{nil, {"flow_1h"}, {"bogus=95"}, {"flow_1h=abc"}, {"flow_1h=101"}} {
		_, err := parsePercentiles(bad)
		assert.Error(t, err, "%v", bad)
	}
}

func TestCommandsRegistered(t *testing.T) {
	names := map[string]bool{}
	for _, c := range rootCmd.Commands() {
		names[c.Name()] = true
	}
	for _, want := range []string{"run", "serve", "backfill-prices", "replay", "process-trades", "process-metrics", "process-liquidations", "stats", "show", "export", "sweep", "simulate-alert", "version"} {
		assert.True(t, names[want], want)
	}
}
