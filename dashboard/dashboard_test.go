package dashboard

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"image/png"
	"net"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"golang.org/x/net/websocket"
)

func TestLineTraces(t *testing.T) {
	s := NewServer()
	h, err := s.Line(LineOptions{Title: "Loss", ShowLegend: true})
	if err != nil {
		t.Fatalf("Line error: %v", err)
	}
	for i := range 5 {
		if err := s.UpdateTrace(h, float64(i), float64(10-i), "loss"); err != nil {
			t.Fatalf("UpdateTrace error: %v", err)
		}
	}
	if err := s.UpdateTrace(h, 0, 7, "smooth loss"); err != nil {
		t.Fatalf("UpdateTrace error: %v", err)
	}

	xs, ys, err := s.Trace(h, "loss")
	if err != nil {
		t.Fatalf("Trace error: %v", err)
	}
	if len(xs) != 5 || xs[4] != 4 || ys[4] != 6 {
		t.Fatalf("unexpected trace xs=%v ys=%v", xs, ys)
	}
	_, ys, _ = s.Trace(h, "smooth loss")
	if len(ys) != 1 || ys[0] != 7 {
		t.Fatalf("unexpected smooth trace %v", ys)
	}

	infos := s.Windows()
	if len(infos) != 1 || infos[0].Version != 6 || infos[0].Kind != "line" {
		t.Fatalf("unexpected windows %+v", infos)
	}
}

func TestTraceCap(t *testing.T) {
	s := NewServer()
	s.MaxPoints = 3
	h, _ := s.Line(LineOptions{Title: "Loss"})
	for i := range 10 {
		_ = s.UpdateTrace(h, float64(i), float64(i), "loss")
	}
	xs, _, _ := s.Trace(h, "loss")
	if len(xs) != 3 || xs[0] != 7 || xs[2] != 9 {
		t.Fatalf("expected last 3 points, got %v", xs)
	}
}

func TestBarUpdates(t *testing.T) {
	s := NewServer()
	h, err := s.Bar(BarOptions{Title: "Real stars", Labels: []string{"1", "2", "3"}}, []float64{0, 0, 0})
	if err != nil {
		t.Fatalf("Bar error: %v", err)
	}
	if err := s.UpdateBar(h, []float64{1, 2, 3}); err != nil {
		t.Fatalf("UpdateBar error: %v", err)
	}
	v, err := s.Values(h)
	if err != nil {
		t.Fatalf("Values error: %v", err)
	}
	if len(v) != 3 || v[2] != 3 {
		t.Fatalf("unexpected values %v", v)
	}
	if _, err := s.Bar(BarOptions{Title: "empty"}, nil); err == nil {
		t.Fatalf("expected error for empty bar chart")
	}
}

func TestUnknownWindow(t *testing.T) {
	s := NewServer()
	line, _ := s.Line(LineOptions{Title: "Loss"})
	bar, _ := s.Bar(BarOptions{Title: "Stars"}, []float64{1})

	if err := s.UpdateTrace("nope", 0, 0, "x"); !errors.Is(err, ErrUnknownWindow) {
		t.Fatalf("expected ErrUnknownWindow, got %v", err)
	}
	if err := s.UpdateTrace(bar, 0, 0, "x"); !errors.Is(err, ErrUnknownWindow) {
		t.Fatalf("expected ErrUnknownWindow for bar handle, got %v", err)
	}
	if err := s.UpdateBar(line, []float64{1}); !errors.Is(err, ErrUnknownWindow) {
		t.Fatalf("expected ErrUnknownWindow for line handle, got %v", err)
	}
}

func TestParseColor(t *testing.T) {
	c, err := ParseColor("#3366cc")
	if err != nil {
		t.Fatalf("ParseColor error: %v", err)
	}
	r, g, b, a := c.RGBA()
	if r>>8 != 0x33 || g>>8 != 0x66 || b>>8 != 0xcc || a>>8 != 0xff {
		t.Fatalf("unexpected color %v", c)
	}
	if c, err := ParseColor(""); err != nil || c != nil {
		t.Fatalf("empty color should be nil, got %v %v", c, err)
	}
	if _, err := ParseColor("#12"); err == nil {
		t.Fatalf("expected error for short color")
	}
	if _, err := ParseColor("#zzzzzz"); err == nil {
		t.Fatalf("expected error for non-hex color")
	}
}

func TestRenderAndSavePNGs(t *testing.T) {
	s := NewServer()
	h, _ := s.Line(LineOptions{Title: "Loss", XLabel: "iteration", ShowLegend: true})
	for i := range 20 {
		_ = s.UpdateTrace(h, float64(i), 1/float64(i+1), "loss")
	}
	_, _ = s.Bar(BarOptions{Title: "Predicted stars", Labels: []string{"1", "2", "3", "4", "5"}}, []float64{1, 2, 3, 2, 1})

	var buf bytes.Buffer
	if err := s.RenderPNG(h, &buf); err != nil {
		t.Fatalf("RenderPNG error: %v", err)
	}
	if _, err := png.Decode(&buf); err != nil {
		t.Fatalf("rendered output is not a png: %v", err)
	}

	dir := t.TempDir()
	paths, err := s.SavePNGs(dir)
	if err != nil {
		t.Fatalf("SavePNGs error: %v", err)
	}
	if len(paths) != 2 {
		t.Fatalf("expected 2 files, got %v", paths)
	}
	for _, want := range []string{"loss.png", "predicted_stars.png"} {
		if _, err := os.Stat(filepath.Join(dir, want)); err != nil {
			t.Fatalf("missing %s: %v", want, err)
		}
	}
}

func TestHTTPHandlers(t *testing.T) {
	s := NewServer()
	h, _ := s.Line(LineOptions{Title: "Loss"})
	_ = s.UpdateTrace(h, 1, 1, "loss")

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	resp, err := http.Get(ts.URL + "/")
	if err != nil {
		t.Fatalf("GET / error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("GET / status %d", resp.StatusCode)
	}

	resp, err = http.Get(ts.URL + "/windows")
	if err != nil {
		t.Fatalf("GET /windows error: %v", err)
	}
	var infos []WindowInfo
	err = json.NewDecoder(resp.Body).Decode(&infos)
	resp.Body.Close()
	if err != nil || len(infos) != 1 || infos[0].ID != h {
		t.Fatalf("unexpected listing %+v (err %v)", infos, err)
	}

	resp, err = http.Get(ts.URL + "/window/" + string(h) + ".png")
	if err != nil {
		t.Fatalf("GET window error: %v", err)
	}
	_, err = png.Decode(resp.Body)
	resp.Body.Close()
	if err != nil {
		t.Fatalf("window is not a png: %v", err)
	}

	resp, err = http.Get(ts.URL + "/window/missing.png")
	if err != nil {
		t.Fatalf("GET missing window error: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
}

func TestWebsocketEvents(t *testing.T) {
	s := NewServer()
	h, _ := s.Line(LineOptions{Title: "Loss"})

	ts := httptest.NewServer(s.Handler())
	defer ts.Close()

	url := "ws" + strings.TrimPrefix(ts.URL, "http") + "/ws"
	conn, err := websocket.Dial(url, "", ts.URL)
	if err != nil {
		t.Fatalf("Dial error: %v", err)
	}
	defer conn.Close()

	// The subscription is registered by the handler goroutine; retry the
	// update until an event arrives.
	got := make(chan Event, 1)
	go func() {
		var ev Event
		if err := websocket.JSON.Receive(conn, &ev); err == nil {
			got <- ev
		}
	}()

	deadline := time.After(5 * time.Second)
	tick := time.NewTicker(20 * time.Millisecond)
	defer tick.Stop()
	for i := 0; ; i++ {
		select {
		case ev := <-got:
			if ev.Window != h || ev.Title != "Loss" || ev.Version == 0 {
				t.Fatalf("unexpected event %+v", ev)
			}
			return
		case <-tick.C:
			_ = s.UpdateTrace(h, float64(i), 1, "loss")
		case <-deadline:
			t.Fatalf("no websocket event received")
		}
	}
}

func TestListenAndServeStops(t *testing.T) {
	s := NewServer()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.ListenAndServe(ctx, "127.0.0.1:0") }()
	time.Sleep(50 * time.Millisecond)
	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("ListenAndServe returned %v", err)
		}
	case <-time.After(5 * time.Second):
		t.Fatalf("ListenAndServe did not stop")
	}
}

func TestBackgroundReportsServerFailure(t *testing.T) {
	busy, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	defer busy.Close()

	served, stop := NewServer().Background(context.Background(), busy.Addr().String())
	defer stop()
	select {
	case <-served.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("context not cancelled after the server failed")
	}
	cause := context.Cause(served)
	if cause == nil || errors.Is(cause, context.Canceled) {
		t.Fatalf("expected the listen error as cause, got %v", cause)
	}
	if !strings.Contains(cause.Error(), busy.Addr().String()) {
		t.Fatalf("cause %q does not name the address", cause)
	}
}

func TestBackgroundFollowsParent(t *testing.T) {
	parent, cancel := context.WithCancel(context.Background())
	served, stop := NewServer().Background(parent, "127.0.0.1:0")
	defer stop()
	cancel()
	select {
	case <-served.Done():
	case <-time.After(5 * time.Second):
		t.Fatalf("context not cancelled with its parent")
	}
	if cause := context.Cause(served); !errors.Is(cause, context.Canceled) {
		t.Fatalf("expected context.Canceled, got %v", cause)
	}
}
