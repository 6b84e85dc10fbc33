package dashboard

import (
	"fmt"
	"image/color"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"strings"

	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/plotutil"
	"gonum.org/v1/plot/vg"
)

// Size of rendered windows.
var (
	PlotWidth  = 8 * vg.Inch
	PlotHeight = 5 * vg.Inch
)

// ParseColor parses "#rrggbb". An empty string yields nil.
func ParseColor(hex string) (color.Color, error) {
	if hex == "" {
		return nil, nil
	}
	s := strings.TrimPrefix(hex, "#")
	if len(s) != 6 {
		return nil, fmt.Errorf("color %q: expected #rrggbb", hex)
	}
	v, err := strconv.ParseUint(s, 16, 32)
	if err != nil {
		return nil, fmt.Errorf("color %q: %w", hex, err)
	}
	return color.RGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// plotFor builds a gonum plot of a window. Callers hold s.mu.
func plotFor(w *window) (*plot.Plot, error) {
	p := plot.New()
	switch w.kind {
	case kindLine:
		p.Title.Text = w.line.Title
		p.X.Label.Text = w.line.XLabel
		p.Y.Label.Text = w.line.YLabel
		p.Add(plotter.NewGrid())
		for i, t := range w.traces {
			if len(t.xs) == 0 {
				continue
			}
			xys := make(plotter.XYs, len(t.xs))
			for j := range t.xs {
				xys[j] = plotter.XY{X: t.xs[j], Y: t.ys[j]}
			}
			line, err := plotter.NewLine(xys)
			if err != nil {
				return nil, fmt.Errorf("trace %s: %w", t.name, err)
			}
			line.Color = plotutil.Color(i)
			line.Width = vg.Points(1)
			p.Add(line)
			if w.line.ShowLegend {
				p.Legend.Add(t.name, line)
			}
		}
		p.Legend.Top = true

	case kindBar:
		p.Title.Text = w.bar.Title
		bars, err := plotter.NewBarChart(plotter.Values(w.values), vg.Points(24))
		if err != nil {
			return nil, err
		}
		bars.LineStyle.Width = vg.Length(0)
		if w.bar.Color != nil {
			bars.Color = w.bar.Color
		} else {
			bars.Color = plotutil.Color(0)
		}
		p.Add(bars)
		if len(w.bar.Labels) == len(w.values) {
			p.NominalX(w.bar.Labels...)
		}
		p.Y.Min = 0
	}
	return p, nil
}

// RenderPNG writes the window as a PNG image.
func (s *Server) RenderPNG(h Handle, out io.Writer) error {
	s.mu.RLock()
	w, ok := s.windows[h]
	if !ok {
		s.mu.RUnlock()
		return fmt.Errorf("%w: %s", ErrUnknownWindow, h)
	}
	p, err := plotFor(w)
	s.mu.RUnlock()
	if err != nil {
		return err
	}

	wt, err := p.WriterTo(PlotWidth, PlotHeight, "png")
	if err != nil {
		return err
	}
	_, err = wt.WriteTo(out)
	return err
}

// SavePNGs writes every window into dir as "<title>.png" and returns the
// written paths.
func (s *Server) SavePNGs(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("mkdir %s: %w", dir, err)
	}
	var paths []string
	for _, info := range s.Windows() {
		name := fileSafe(info.Title)
		if name == "" {
			name = string(info.ID)
		}
		path := filepath.Join(dir, name+".png")
		f, err := os.Create(path)
		if err != nil {
			return paths, err
		}
		err = s.RenderPNG(info.ID, f)
		if cerr := f.Close(); err == nil {
			err = cerr
		}
		if err != nil {
			return paths, fmt.Errorf("render %s: %w", info.Title, err)
		}
		paths = append(paths, path)
	}
	return paths, nil
}

func fileSafe(title string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(strings.TrimSpace(title)) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == ' ' || r == '-' || r == '_':
			b.WriteRune('_')
		}
	}
	return b.String()
}
