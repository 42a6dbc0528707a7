package visualization

import (
	"encoding/csv"
	"fmt"
	"io"
	"math"
	"os"
	"path/filepath"
	"strconv"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"

	"radialq/pkg/radial"
)

// Series is one labelled profile in a plot.
type Series struct {
	Label   string
	Profile radial.Profile
}

// PlotProfile writes a line plot of intensity against q.
func PlotProfile(p radial.Profile, title, path string) error {
	return PlotProfiles([]Series{{Label: "profile", Profile: p}}, title, path)
}

// PlotProfiles overlays several profiles in one plot. The format follows
// the file extension of path.
func PlotProfiles(series []Series, title, path string) error {
	if len(series) == 0 {
		return fmt.Errorf("no profiles to plot")
	}

	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "q (1/Å)"
	p.Y.Label.Text = "Intensity"

	for i, s := range series {
		pts := make(plotter.XYs, 0, len(s.Profile.Centers))
		for b, q := range s.Profile.Centers {
			y := s.Profile.Values[b]
			// NaN or Inf breaks axis autoscaling
			if math.IsNaN(y) || math.IsInf(y, 0) {
				continue
			}
			pts = append(pts, plotter.XY{X: q, Y: y})
		}

		line, err := plotter.NewLine(pts)
		if err != nil {
			return fmt.Errorf("profile %q: %w", s.Label, err)
		}
		line.Width = vg.Points(1)
		line.Color = plotutil.Color(i)
		p.Add(line)
		if len(series) > 1 {
			p.Legend.Add(s.Label, line)
		}
	}
	p.Legend.Top = true

	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	return p.Save(10*vg.Inch, 6*vg.Inch, path)
}

// WriteProfileCSV writes one row per bin: center, value and pixel count.
func WriteProfileCSV(w io.Writer, p radial.Profile) error {
	cw := csv.NewWriter(w)
	if err := cw.Write([]string{"q", "intensity", "pixels"}); err != nil {
		return err
	}
	for b := range p.Centers {
		row := []string{
			strconv.FormatFloat(p.Centers[b], 'g', -1, 64),
			strconv.FormatFloat(p.Values[b], 'g', -1, 64),
			strconv.FormatFloat(p.Counts[b], 'g', -1, 64),
		}
		if err := cw.Write(row); err != nil {
			return err
		}
	}
	cw.Flush()
	return cw.Error()
}

// SaveProfileCSV writes the profile to a CSV file.
func SaveProfileCSV(path string, p radial.Profile) error {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return err
	}
	f, err := os.Create(path)
	if err != nil {
		return err
	}
	if err := WriteProfileCSV(f, p); err != nil {
		f.Close()
		return err
	}
	return f.Close()
}
