package stage

import (
	"fmt"
	"image"
	"sort"

	"github.com/bryanchriswhite/framegrab/internal/frame"
)

// Region is a detection in pixel coordinates of the analyzed frame.
type Region struct {
	Bounds image.Rectangle
	// Centroid of the matching pixels.
	CX, CY float64
}

// Empty reports whether the region covers no pixels.
func (r Region) Empty() bool {
	return r.Bounds.Empty()
}

// Analyzer finds a region of interest in a frame.
type Analyzer interface {
	Analyze(f frame.Frame) Region
}

// AnalyzerFunc adapts a function to Analyzer.
type AnalyzerFunc func(f frame.Frame) Region

func (fn AnalyzerFunc) Analyze(f frame.Frame) Region { return fn(f) }

var analyzers = map[string]func(threshold int) Analyzer{
	"bright": func(threshold int) Analyzer { return Bright(threshold) },
	"motion": func(threshold int) Analyzer { return &Motion{Threshold: threshold} },
}

// NewAnalyzer returns the named built-in analyzer.
func NewAnalyzer(name string, threshold int) (Analyzer, error) {
	mk, ok := analyzers[name]
	if !ok {
		return nil, fmt.Errorf("unknown analyzer %q (have %v)", name, AnalyzerNames())
	}
	return mk(threshold), nil
}

// AnalyzerNames lists the built-in analyzers.
func AnalyzerNames() []string {
	out := make([]string, 0, len(analyzers))
	for name := range analyzers {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

// luma is the Rec. 601 luminance of an RGB pixel, 0..255.
func luma(r, g, b byte) int {
	return (299*int(r) + 587*int(g) + 114*int(b)) / 1000
}

// moments accumulates the bounding box and first-order moments of a set of
// pixels.
type moments struct {
	m00, m10, m01          float64
	minX, minY, maxX, maxY int
}

func (m *moments) add(x, y int) {
	if m.m00 == 0 {
		m.minX, m.minY, m.maxX, m.maxY = x, y, x, y
	} else {
		m.minX, m.minY = min(m.minX, x), min(m.minY, y)
		m.maxX, m.maxY = max(m.maxX, x), max(m.maxY, y)
	}
	m.m00++
	m.m10 += float64(x)
	m.m01 += float64(y)
}

func (m *moments) region() Region {
	if m.m00 == 0 {
		return Region{}
	}
	return Region{
		Bounds: image.Rect(m.minX, m.minY, m.maxX+1, m.maxY+1),
		CX:     m.m10 / m.m00,
		CY:     m.m01 / m.m00,
	}
}

// Bright selects pixels whose luminance is at least threshold.
func Bright(threshold int) Analyzer {
	return AnalyzerFunc(func(f frame.Frame) Region {
		var m moments
		i := 0
		for y := 0; y < f.Height; y++ {
			for x := 0; x < f.Width; x++ {
				if luma(f.Pix[i], f.Pix[i+1], f.Pix[i+2]) >= threshold {
					m.add(x, y)
				}
				i += frame.Channels
			}
		}
		return m.region()
	})
}

// Motion selects pixels whose luminance changed by more than Threshold
// since the previous frame. The first frame and any size change yield an
// empty region.
type Motion struct {
	Threshold int
	prev      []int
	w, h      int
}

func (a *Motion) Analyze(f frame.Frame) Region {
	n := f.Width * f.Height
	if a.w != f.Width || a.h != f.Height || len(a.prev) != n {
		a.prev = make([]int, n)
		a.w, a.h = f.Width, f.Height
		for p := 0; p < n; p++ {
			i := p * frame.Channels
			a.prev[p] = luma(f.Pix[i], f.Pix[i+1], f.Pix[i+2])
		}
		return Region{}
	}

	var m moments
	for p := 0; p < n; p++ {
		i := p * frame.Channels
		l := luma(f.Pix[i], f.Pix[i+1], f.Pix[i+2])
		d := l - a.prev[p]
		if d < 0 {
			d = -d
		}
		if d > a.Threshold {
			m.add(p%f.Width, p/f.Width)
		}
		a.prev[p] = l
	}
	return m.region()
}
