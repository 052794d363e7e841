package report

import (
	"bytes"
	"fmt"
	"image/color"
	"io"
	"strconv"

	"github.com/go-echarts/go-echarts/v2/charts"
	"github.com/go-echarts/go-echarts/v2/opts"
	"gonum.org/v1/plot"
	"gonum.org/v1/plot/plotter"
	"gonum.org/v1/plot/vg"
)

// echartsAssetsPrefix serves the echarts bundle from the public CDN.
const echartsAssetsPrefix = "https://go-echarts.github.io/go-echarts-assets/assets/"

var palette = []color.Color{
	color.RGBA{R: 0x1f, G: 0x77, B: 0xb4, A: 255},
	color.RGBA{R: 0xff, G: 0x7f, B: 0x0e, A: 255},
	color.RGBA{R: 0x2c, G: 0xa0, B: 0x2c, A: 255},
	color.RGBA{R: 0xd6, G: 0x27, B: 0x28, A: 255},
	color.RGBA{R: 0x94, G: 0x67, B: 0xbd, A: 255},
}

// RenderHTML writes an interactive cumulative-count line chart.
func RenderHTML(w io.Writer, title string, s Series) error {
	x := make([]string, len(s.Frames))
	for i, f := range s.Frames {
		x[i] = strconv.FormatInt(f, 10)
	}

	line := charts.NewLine()
	line.SetGlobalOptions(
		charts.WithInitializationOpts(opts.Initialization{PageTitle: title, Width: "100%", Height: "540px", AssetsHost: echartsAssetsPrefix}),
		charts.WithTitleOpts(opts.Title{Title: title, Subtitle: fmt.Sprintf("frames=%d", lastFrame(s))}),
		charts.WithTooltipOpts(opts.Tooltip{Show: opts.Bool(true), Trigger: "axis"}),
		charts.WithLegendOpts(opts.Legend{Show: opts.Bool(true)}),
		charts.WithXAxisOpts(opts.XAxis{Name: "Frame", NameLocation: "middle", NameGap: 25}),
		charts.WithYAxisOpts(opts.YAxis{Name: "Crossings", NameLocation: "middle", NameGap: 30}),
	)
	line.SetXAxis(x)
	for _, label := range s.Labels {
		vals := s.Values[label]
		data := make([]opts.LineData, len(vals))
		for i, v := range vals {
			data[i] = opts.LineData{Value: v}
		}
		line.AddSeries(label, data)
	}

	var buf bytes.Buffer
	if err := line.Render(&buf); err != nil {
		return fmt.Errorf("failed to render chart: %w", err)
	}
	_, err := w.Write(buf.Bytes())
	return err
}

func lastFrame(s Series) int64 {
	if len(s.Frames) == 0 {
		return 0
	}
	return s.Frames[len(s.Frames)-1]
}

// SavePNG renders the series to an image file. The format follows the file
// extension (.png, .svg, .pdf).
func SavePNG(path, title string, s Series) error {
	p := plot.New()
	p.Title.Text = title
	p.X.Label.Text = "Frame"
	p.Y.Label.Text = "Crossings"
	p.Y.Min = 0

	for i, label := range s.Labels {
		vals := s.Values[label]
		pts := make(plotter.XYs, len(vals))
		for j, v := range vals {
			pts[j] = plotter.XY{X: float64(s.Frames[j]), Y: float64(v)}
		}
		if len(pts) == 0 {
			continue
		}
		l, err := plotter.NewLine(pts)
		if err != nil {
			return err
		}
		l.StepStyle = plotter.PostStep
		l.Color = palette[i%len(palette)]
		l.Width = vg.Points(1.5)
		p.Add(l)
		p.Legend.Add(label, l)
	}
	p.Legend.Top = true
	p.Legend.Left = true

	if err := p.Save(10*vg.Inch, 4*vg.Inch, path); err != nil {
		return fmt.Errorf("failed to save chart %s: %w", path, err)
	}
	return nil
}
