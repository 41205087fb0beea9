package tui

import (
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/NimbleMarkets/ntcharts/barchart"
	"github.com/NimbleMarkets/ntcharts/canvas"
	"github.com/NimbleMarkets/ntcharts/linechart"
	"github.com/charmbracelet/lipgloss"

	"github.com/tinytelemetry/sfdwatch/internal/model"
)

// renderTypeChart draws one bar per defect category plus a count legend.
func renderTypeChart(counts []model.CategoryCount, width, height int) string {
	if len(counts) == 0 {
		return helpStyle.Render("No data available")
	}

	legendHeight := 1
	chartHeight := max(height-legendHeight, 3)
	gap := 1
	barWidth := max((width-gap*(len(counts)-1))/len(counts), 1)

	bc := barchart.New(width, chartHeight,
		barchart.WithBarGap(gap),
		barchart.WithBarWidth(barWidth),
	)
	for _, c := range counts {
		bc.Push(barchart.BarData{
			Label: c.Label,
			Values: []barchart.BarValue{
				{Name: string(c.Type), Value: float64(c.Count), Style: defectStyle(string(c.Type))},
			},
		})
	}
	bc.Draw()

	parts := make([]string, 0, len(counts))
	for _, c := range counts {
		swatch := lipgloss.NewStyle().Foreground(defectColors[string(c.Type)]).Render("■")
		parts = append(parts, fmt.Sprintf("%s %s %d", swatch, c.Label, c.Count))
	}
	legend := strings.Join(parts, "  ")

	return lipgloss.JoinVertical(lipgloss.Left, bc.View(), legend)
}

// renderTrendChart draws the bucketed series as a braille line chart with
// the bucket labels on the X axis.
func renderTrendChart(points []model.SeriesPoint, width, height int) string {
	if len(points) == 0 {
		points = []model.SeriesPoint{{X: "0", Y: 0}}
	}

	maxY := 1
	for _, p := range points {
		maxY = max(maxY, p.Y)
	}
	maxX := float64(max(len(points)-1, 1))

	lc := linechart.New(width, max(height, 4), 0, maxX, 0, float64(maxY),
		linechart.WithXYSteps(1, 2),
		linechart.WithXLabelFormatter(func(_ int, v float64) string {
			i := int(math.Round(v))
			if i < 0 || i >= len(points) {
				return ""
			}
			return points[i].X
		}),
		linechart.WithYLabelFormatter(func(_ int, v float64) string {
			return strconv.Itoa(int(math.Round(v)))
		}),
	)
	lc.DrawXYAxisAndLabel()

	prev := canvas.Float64Point{X: 0, Y: float64(points[0].Y)}
	lc.DrawBrailleLine(prev, prev)
	for i := 1; i < len(points); i++ {
		next := canvas.Float64Point{X: float64(i), Y: float64(points[i].Y)}
		lc.DrawBrailleLine(prev, next)
		prev = next
	}
	return lc.View()
}
