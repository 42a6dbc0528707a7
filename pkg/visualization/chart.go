package visualization

import (
	"bytes"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
)

// RenderProfilesHTML writes an interactive line chart of the profiles.
// All series must share the bin centers of the first one.
func RenderProfilesHTML(w io.Writer, series []Series, title string) error {
	if len(series) == 0 {
		return fmt.Errorf("no profiles to chart")
	}
	centers := series[0].Profile.Centers
	x := make([]string, len(centers))
	for i, q := range centers {
		x[i] = strconv.FormatFloat(q, 'f', 4, 64)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "1000px", Height: "600px"}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("%d bins", len(centers))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(len(series) > 1)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "q (1/Å)", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Intensity"}),
		charts.WithDataZoomOpts(opts.DataZoom{Type: "inside"}),
	)
	line.SetXAxis(x)

	for _, s := range series {
		if len(s.Profile.Values) != len(centers) {
			return fmt.Errorf("profile %q has %d bins, want %d", s.Label, len(s.Profile.Values), len(centers))
		}
		data := make([]opts.LineData, len(s.Profile.Values))
		for i, v := range s.Profile.Values {
			// NaN cannot be encoded as JSON; a nil value leaves a gap
			if math.IsNaN(v) || math.IsInf(v, 0) {
				data[i] = opts.LineData{Value: nil}
				continue
			}
			data[i] = opts.LineData{Value: v}
		}
		line.AddSeries(s.Label, data)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

// SaveProfilesHTML writes the interactive chart to path.
func SaveProfilesHTML(path string, series []Series, title string) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := RenderProfilesHTML(f, series, title); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
