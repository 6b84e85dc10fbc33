// Package dashboard is a small live plotting service for training runs.
//
// Callers create windows (line plots or bar charts) and get back an opaque
// Handle; later updates are addressed by that handle. The Server keeps every
// window in memory, renders them to PNG with gonum/plot on request and
// notifies browsers over a websocket whenever a window changes.
package dashboard

import (
	"errors"
	"fmt"
	"image/color"
	"sync"
)

// ErrUnknownWindow is returned for handles the server did not issue, or for
// an update of the wrong kind.
var ErrUnknownWindow = errors.New("unknown dashboard window")

// Handle identifies a window.
type Handle string

// Visualizer is the plotting surface the trainer talks to.
type Visualizer interface {
	Line(opts LineOptions) (Handle, error)
	UpdateTrace(h Handle, x, y float64, name string) error
	Bar(opts BarOptions, values []float64) (Handle, error)
	UpdateBar(h Handle, values []float64) error
}

// LineOptions configures a line plot window.
type LineOptions struct {
	Title      string
	XLabel     string
	YLabel     string
	ShowLegend bool
}

// BarOptions configures a bar chart window.
type BarOptions struct {
	Title  string
	Labels []string
	Color  color.Color
}

type windowKind int

const (
	kindLine windowKind = iota
	kindBar
)

type trace struct {
	name string
	xs   []float64
	ys   []float64
}

type window struct {
	id      Handle
	kind    windowKind
	line    LineOptions
	bar     BarOptions
	traces  []*trace
	values  []float64
	version uint64
}

func (w *window) title() string {
	if w.kind == kindLine {
		return w.line.Title
	}
	return w.bar.Title
}

// Event is pushed to websocket subscribers when a window changes.
type Event struct {
	Window  Handle `json:"window"`
	Title   string `json:"title"`
	Version uint64 `json:"version"`
}

// Server holds dashboard windows. The zero value is not usable; call
// NewServer.
type Server struct {
	// MaxPoints caps the points kept per trace; older points are dropped.
	MaxPoints int

	mu      sync.RWMutex
	windows map[Handle]*window
	order   []Handle
	nextID  int

	subMu sync.Mutex
	subs  map[chan Event]struct{}
}

// NewServer creates an empty dashboard.
func NewServer() *Server {
	return &Server{
		MaxPoints: 20000,
		windows:   make(map[Handle]*window),
		subs:      make(map[chan Event]struct{}),
	}
}

func (s *Server) add(w *window) Handle {
	s.nextID++
	w.id = Handle(fmt.Sprintf("win-%d", s.nextID))
	s.windows[w.id] = w
	s.order = append(s.order, w.id)
	return w.id
}

// Line creates an empty line plot.
func (s *Server) Line(opts LineOptions) (Handle, error) {
	s.mu.Lock()
	w := &window{kind: kindLine, line: opts}
	h := s.add(w)
	ev := Event{Window: h, Title: opts.Title}
	s.mu.Unlock()

	s.publish(ev)
	return h, nil
}

// UpdateTrace appends (x, y) to the named trace of a line plot, creating the
// trace on first use.
func (s *Server) UpdateTrace(h Handle, x, y float64, name string) error {
	s.mu.Lock()
	w, ok := s.windows[h]
	if !ok || w.kind != kindLine {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWindow, h)
	}
	var tr *trace
	for _, t := range w.traces {
		if t.name == name {
			tr = t
			break
		}
	}
	if tr == nil {
		tr = &trace{name: name}
		w.traces = append(w.traces, tr)
	}
	tr.xs = append(tr.xs, x)
	tr.ys = append(tr.ys, y)
	if s.MaxPoints > 0 && len(tr.xs) > s.MaxPoints {
		drop := len(tr.xs) - s.MaxPoints
		tr.xs = append(tr.xs[:0], tr.xs[drop:]...)
		tr.ys = append(tr.ys[:0], tr.ys[drop:]...)
	}
	w.version++
	ev := Event{Window: h, Title: w.line.Title, Version: w.version}
	s.mu.Unlock()

	s.publish(ev)
	return nil
}

// Bar creates a bar chart with initial values.
func (s *Server) Bar(opts BarOptions, values []float64) (Handle, error) {
	if len(values) == 0 {
		return "", errors.New("bar chart needs at least one value")
	}
	s.mu.Lock()
	w := &window{kind: kindBar, bar: opts, values: append([]float64(nil), values...)}
	h := s.add(w)
	ev := Event{Window: h, Title: opts.Title}
	s.mu.Unlock()

	s.publish(ev)
	return h, nil
}

// UpdateBar replaces the values of a bar chart.
func (s *Server) UpdateBar(h Handle, values []float64) error {
	if len(values) == 0 {
		return errors.New("bar chart needs at least one value")
	}
	s.mu.Lock()
	w, ok := s.windows[h]
	if !ok || w.kind != kindBar {
		s.mu.Unlock()
		return fmt.Errorf("%w: %s", ErrUnknownWindow, h)
	}
	w.values = append(w.values[:0], values...)
	w.version++
	ev := Event{Window: h, Title: w.bar.Title, Version: w.version}
	s.mu.Unlock()

	s.publish(ev)
	return nil
}

// Trace returns a copy of the points of a named trace.
func (s *Server) Trace(h Handle, name string) (xs, ys []float64, err error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[h]
	if !ok || w.kind != kindLine {
		return nil, nil, fmt.Errorf("%w: %s", ErrUnknownWindow, h)
	}
	for _, t := range w.traces {
		if t.name == name {
			return append([]float64(nil), t.xs...), append([]float64(nil), t.ys...), nil
		}
	}
	return nil, nil, nil
}

// Values returns a copy of the values of a bar chart.
func (s *Server) Values(h Handle) ([]float64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	w, ok := s.windows[h]
	if !ok || w.kind != kindBar {
		return nil, fmt.Errorf("%w: %s", ErrUnknownWindow, h)
	}
	return append([]float64(nil), w.values...), nil
}

// WindowInfo describes a window for listings.
type WindowInfo struct {
	ID      Handle `json:"id"`
	Title   string `json:"title"`
	Kind    string `json:"kind"`
	Version uint64 `json:"version"`
}

// Windows lists windows in creation order.
func (s *Server) Windows() []WindowInfo {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]WindowInfo, 0, len(s.order))
	for _, id := range s.order {
		w := s.windows[id]
		kind := "line"
		if w.kind == kindBar {
			kind = "bar"
		}
		out = append(out, WindowInfo{ID: id, Title: w.title(), Kind: kind, Version: w.version})
	}
	return out
}

// Subscribe returns a channel of window events and a cancel function.
// Slow subscribers miss events rather than blocking updates.
func (s *Server) Subscribe() (<-chan Event, func()) {
	ch := make(chan Event, 64)
	s.subMu.Lock()
	s.subs[ch] = struct{}{}
	s.subMu.Unlock()

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.subMu.Lock()
			if _, ok := s.subs[ch]; ok {
				delete(s.subs, ch)
				close(ch)
			}
			s.subMu.Unlock()
		})
	}
}

func (s *Server) publish(ev Event) {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		select {
		case ch <- ev:
		default:
		}
	}
}

func (s *Server) closeSubscribers() {
	s.subMu.Lock()
	defer s.subMu.Unlock()
	for ch := range s.subs {
		delete(s.subs, ch)
		close(ch)
	}
}
