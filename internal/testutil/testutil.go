// Package testutil provides shared test utilities and fixtures.
//
// It holds the HTTP helpers used by the API and admin-route tests and the
// region fixtures used by the tracker, pipeline and command tests.
package testutil

import (
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/banshee-data/lanecount/internal/regions"
	"github.com/banshee-data/lanecount/internal/tracking"
)

// AssertStatusCode checks that the response status code matches expected.
func AssertStatusCode(t *testing.T, got, want int) {
	t.Helper()
	if got != want {
		t.Errorf("status code = %d, want %d", got, want)
	}
}

// AssertNoError fails the test if err is not nil.
func AssertNoError(t *testing.T, err error) {
	t.Helper()
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
}

// NewTestRequest creates a test HTTP request.
func NewTestRequest(method, path string) *http.Request {
	return httptest.NewRequest(method, path, nil)
}

// NewLocalRequest creates a test request that appears to come from
// localhost, which tsweb.AllowDebugAccess accepts.
func NewLocalRequest(method, path string, body io.Reader) *http.Request {
	req := httptest.NewRequest(method, path, body)
	req.RemoteAddr = "127.0.0.1:12345"
	return req
}

// Serve runs req against h and returns the recorded response.
func Serve(h http.Handler, req *http.Request) *httptest.ResponseRecorder {
	w := httptest.NewRecorder()
	h.ServeHTTP(w, req)
	return w
}

// DecodeJSON unmarshals a recorded response body into v.
func DecodeJSON(t *testing.T, w *httptest.ResponseRecorder, v any) {
	t.Helper()
	if ct := w.Header().Get("Content-Type"); !strings.HasPrefix(ct, "application/json") {
		t.Errorf("Content-Type = %q, want application/json", ct)
	}
	if err := json.Unmarshal(w.Body.Bytes(), v); err != nil {
		t.Fatalf("failed to decode response %q: %v", w.Body.String(), err)
	}
}

// RegionAt returns a 30x30 region centred on (x, y).
func RegionAt(x, y float64) tracking.Region {
	return tracking.RegionFromBox(tracking.Box{X: x - 15, Y: y - 15, Width: 30, Height: 30})
}

// Path is a sequence of centroid positions for one vehicle.
type Path [][2]float64

// FramesFromPaths builds frames in which each path contributes one region
// per frame while it has positions left. Regions within a frame follow path
// order.
func FramesFromPaths(paths ...Path) []regions.Frame {
	n := 0
	for _, p := range paths {
		n = max(n, len(p))
	}
	perFrame := make([][]tracking.Region, n)
	for i := range perFrame {
		for _, p := range paths {
			if i < len(p) {
				perFrame[i] = append(perFrame[i], RegionAt(p[i][0], p[i][1]))
			}
		}
	}
	return regions.FramesFromRegions(perFrame...)
}

// Line returns positions from (x, y0) to (x, y1) inclusive in steps of
// step pixels along y.
func Line(x, y0, y1, step float64) Path {
	var p Path
	if y1 >= y0 {
		for y := y0; y <= y1; y += step {
			p = append(p, [2]float64{x, y})
		}
	} else {
		for y := y0; y >= y1; y -= step {
			p = append(p, [2]float64{x, y})
		}
	}
	return p
}
