// Package report turns a run's crossing events into charts, lane summaries
// and the end-of-run totals text.
package report

import (
	"fmt"
	"io"
	"slices"
	"strings"
	"unicode"
	"unicode/utf8"

	"gonum.org/v1/gonum/stat"

	"github.com/banshee-data/lanecount/internal/crossing"
)

// Series is the cumulative count per label, sampled at Frames.
type Series struct {
	Labels []string
	Frames []int64
	// Values[label][i] is the count for label after Frames[i].
	Values map[string][]int
}

// CumulativeSeries samples the cumulative count of every label at frame 0,
// at each frame that has a crossing and at lastFrame. Events for labels not in
// labels are ignored. Events are expected in frame order.
func CumulativeSeries(events []crossing.Event, labels []string, lastFrame int64) Series {
	s := Series{
		Labels: slices.Clone(labels),
		Values: make(map[string][]int, len(labels)),
	}
	known := make(map[string]bool, len(labels))
	for _, l := range labels {
		known[l] = true
	}

	counts := make(map[string]int, len(labels))
	sample := func(frame int64) {
		s.Frames = append(s.Frames, frame)
		for _, l := range s.Labels {
			s.Values[l] = append(s.Values[l], counts[l])
		}
	}

	if len(events) == 0 || events[0].Frame > 0 {
		sample(0)
	}
	for i, e := range events {
		if known[e.Label] {
			counts[e.Label]++
		}
		if i+1 < len(events) && events[i+1].Frame == e.Frame {
			continue
		}
		sample(e.Frame)
	}
	if n := len(s.Frames); n == 0 || s.Frames[n-1] < lastFrame {
		sample(lastFrame)
	}
	return s
}

// LaneSummary describes one boundary's crossings over a run.
type LaneSummary struct {
	Label      string  `json:"label"`
	Count      int     `json:"count"`
	FirstFrame int64   `json:"first_frame"`
	LastFrame  int64   `json:"last_frame"`
	MeanGap    float64 `json:"mean_gap_frames"`
	StdDevGap  float64 `json:"stddev_gap_frames"`
}

// Summarise returns a summary per label, in labels order. Gap statistics
// need at least two crossings (mean) or three (standard deviation) and are
// zero otherwise.
func Summarise(events []crossing.Event, labels []string) []LaneSummary {
	frames := make(map[string][]float64, len(labels))
	for _, e := range events {
		frames[e.Label] = append(frames[e.Label], float64(e.Frame))
	}

	out := make([]LaneSummary, 0, len(labels))
	for _, label := range labels {
		fs := frames[label]
		ls := LaneSummary{Label: label, Count: len(fs)}
		if len(fs) > 0 {
			ls.FirstFrame = int64(fs[0])
			ls.LastFrame = int64(fs[len(fs)-1])
		}
		if len(fs) >= 2 {
			gaps := make([]float64, len(fs)-1)
			for i := 1; i < len(fs); i++ {
				gaps[i-1] = fs[i] - fs[i-1]
			}
			ls.MeanGap = stat.Mean(gaps, nil)
			if len(gaps) >= 2 {
				ls.StdDevGap = stat.StdDev(gaps, nil)
			}
		}
		out = append(out, ls)
	}
	return out
}

// laneName turns a boundary label into the report's lane name: "left"
// becomes "Left Lane".
func laneName(label string) string {
	r, size := utf8.DecodeRuneInString(label)
	if r == utf8.RuneError {
		return "Lane"
	}
	return string(unicode.ToUpper(r)) + label[size:] + " Lane"
}

// WriteTotals prints one line per label followed by the total:
//
//	Left Lane Car Count: 3
//	Right Lane Car Count: 2
//	Total Car Count: 5
func WriteTotals(w io.Writer, c crossing.Counters, labels []string) error {
	var b strings.Builder
	for _, label := range labels {
		fmt.Fprintf(&b, "%s Car Count: %d\n", laneName(label), c.Count(label))
	}
	fmt.Fprintf(&b, "Total Car Count: %d\n", c.Total)
	_, err := io.WriteString(w, b.String())
	return err
}
