package report

import (
	"fmt"
	"io"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/components"
	"github.com/go-echarts/go-echarts/v2/opts"

	"pong-rl/internal/episode"
)

const DefaultWindow = 20

// Point is one closed episode on the chart.
type Point struct {
	ID      int64
	Frames  int
	WinRate float64
}

// Points drops the in-progress episode and computes a trailing win rate
// over the last window closed episodes.
func Points(summaries []episode.Summary, window int) []Point {
	if window <= 0 {
		window = DefaultWindow
	}
	var (
		points []Point
		recent []bool
		wins   int
	)
	for _, s := range summaries {
		if s.Lifecycle == episode.Current {
			continue
		}
		won := s.Outcome != nil && *s.Outcome
		recent = append(recent, won)
		if won {
			wins++
		}
		if len(recent) > window {
			if recent[0] {
				wins--
			}
			recent = recent[1:]
		}
		points = append(points, Point{
			ID:      s.ID,
			Frames:  s.Frames,
			WinRate: float64(wins) / float64(len(recent)),
		})
	}
	return points
}

// Render writes an HTML page charting episode length and win rate.
func Render(w io.Writer, title string, summaries []episode.Summary) error {
	points := Points(summaries, DefaultWindow)

	ids := make([]string, 0, len(points))
	frames := make([]opts.LineData, 0, len(points))
	winRate := make([]opts.LineData, 0, len(points))
	for _, p := range points {
		ids = append(ids, fmt.Sprintf("%d", p.ID))
		frames = append(frames, opts.LineData{Value: p.Frames})
		winRate = append(winRate, opts.LineData{Value: p.WinRate})
	}

	length := charts.NewLine()
	length.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: "frames per episode"}),
		charts.WithInitializationOpts(opts.Initialization{Theme: "shine"}),
	)
	length.SetXAxis(ids).AddSeries("frames", frames)

	rate := charts.NewLine()
	rate.SetGlobalOptions(
		charts.WithTitleOpts(opts.Title{Subtitle: fmt.Sprintf("win rate, last %d episodes", DefaultWindow)}),
		charts.WithInitializationOpts(opts.Initialization{Theme: "shine"}),
	)
	rate.SetXAxis(ids).AddSeries("win rate", winRate)

	page := components.NewPage()
	page.AddCharts(length, rate)
	return page.Render(w)
}
