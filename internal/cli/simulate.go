package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"market-extremes/internal/market"
)

var (
	simulateSymbol      string
	simulatePercentiles []string
)

var simulateCmd = &cobra.Command{
	Use:   "simulate-alert",
	Short: "发送一条模拟分级告警以检查通道配置",
	RunE: func(cmd *cobra.Command, args []string) error {
		pcts, err := parsePercentiles(simulatePercentiles)
		if err != nil {
			return err
		}
		return getApp().SimulateAlert(cmd.Context(), strings.ToUpper(simulateSymbol), pcts)
	},
}

// parsePercentiles 解析 dimension=percentile 形式的参数。
func parsePercentiles(pairs []string) (map[market.Dimension]float64, error) {
	out := make(map[market.Dimension]float64, len(pairs))
	for _, pair := range pairs {
		name, raw, ok := strings.Cut(pair, "=")
		if !ok {
			return nil, fmt.Errorf("invalid --pct %q, want dimension=percentile", pair)
		}
		dim, err := market.ParseDimension(name)
		if err != nil {
			return nil, err
		}
		p, err := strconv.ParseFloat(raw, 64)
		if err != nil || p < 0 || p > 100 {
			return nil, fmt.Errorf("invalid percentile %q for %s", raw, dim)
		}
		out[dim] = p
	}
	if len(out) == 0 {
		return nil, fmt.Errorf("at least one --pct is required")
	}
	return out, nil
}

func init() {
	simulateCmd.Flags().StringVar(&simulateSymbol, "symbol", "BTC", "Symbol")
	simulateCmd.Flags().StringSliceVar(&simulatePercentiles, "pct", nil, "dimension=percentile, repeatable")
}
