package dashboard

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"html/template"
	"net/http"
	"strings"
	"time"

	"golang.org/x/net/websocket"
	"k8s.io/klog/v2"
)

var indexTmpl = template.Must(template.New("index").Parse(`<!DOCTYPE html>
<html>
<head><title>{{.Title}}</title>
<style>body{font-family:sans-serif;background:#fafafa} img{margin:8px;border:1px solid #ddd;background:#fff}</style>
</head>
<body>
<h2>{{.Title}}</h2>
<div id="windows">
{{range .Windows}}<img id="{{.ID}}" src="/window/{{.ID}}.png?v={{.Version}}" alt="{{.Title}}">
{{end}}</div>
<script>
(function() {
  var ws = new WebSocket((location.protocol === "https:" ? "wss://" : "ws://") + location.host + "/ws");
  ws.onmessage = function(m) {
    var ev = JSON.parse(m.data);
    var img = document.getElementById(ev.window);
    if (!img) { location.reload(); return; }
    img.src = "/window/" + ev.window + ".png?v=" + ev.version;
  };
})();
</script>
</body>
</html>
`))

// Handler returns the HTTP interface of the dashboard:
//
//	GET /                 index page with every window
//	GET /windows          JSON listing of windows
//	GET /window/{id}.png  rendered window
//	GET /ws               websocket stream of window events
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /{$}", s.handleIndex)
	mux.HandleFunc("GET /windows", s.handleWindows)
	mux.HandleFunc("GET /window/{id}", s.handleWindow)
	mux.Handle("GET /ws", websocket.Handler(s.handleWS))
	return mux
}

func (s *Server) handleIndex(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "text/html; charset=utf-8")
	data := struct {
		Title   string
		Windows []WindowInfo
	}{"Training dashboard", s.Windows()}
	if err := indexTmpl.Execute(w, data); err != nil {
		klog.Errorf("dashboard index: %v", err)
	}
}

func (s *Server) handleWindows(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(s.Windows()); err != nil {
		klog.Errorf("dashboard windows: %v", err)
	}
}

func (s *Server) handleWindow(w http.ResponseWriter, r *http.Request) {
	id := Handle(strings.TrimSuffix(r.PathValue("id"), ".png"))
	w.Header().Set("Content-Type", "image/png")
	w.Header().Set("Cache-Control", "no-store")
	if err := s.RenderPNG(id, w); err != nil {
		if errors.Is(err, ErrUnknownWindow) {
			http.Error(w, err.Error(), http.StatusNotFound)
			return
		}
		klog.Errorf("dashboard render %s: %v", id, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
	}
}

func (s *Server) handleWS(conn *websocket.Conn) {
	defer conn.Close()
	events, cancel := s.Subscribe()
	defer cancel()

	// Reader loop only detects the client going away.
	gone := make(chan struct{})
	go func() {
		defer close(gone)
		var msg string
		for {
			if err := websocket.Message.Receive(conn, &msg); err != nil {
				return
			}
		}
	}()

	for {
		select {
		case ev, ok := <-events:
			if !ok {
				return
			}
			if err := websocket.JSON.Send(conn, ev); err != nil {
				klog.V(2).Infof("dashboard ws send: %v", err)
				return
			}
		case <-gone:
			return
		}
	}
}

// ListenAndServe serves the dashboard on addr until ctx is done.
func (s *Server) ListenAndServe(ctx context.Context, addr string) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	errc := make(chan error, 1)
	go func() {
		klog.Infof("Dashboard listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
	}

	s.closeSubscribers()
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return nil
}

// Background serves the dashboard on addr in a goroutine. The returned
// context is done when ctx is, or when the server fails; in the latter case
// context.Cause reports the server error. Call stop to shut the server down.
func (s *Server) Background(ctx context.Context, addr string) (served context.Context, stop context.CancelFunc) {
	served, cancel := context.WithCancelCause(ctx)
	go func() {
		if err := s.ListenAndServe(served, addr); err != nil {
			cancel(fmt.Errorf("dashboard on %s: %w", addr, err))
		}
	}()
	return served, func() { cancel(nil) }
}
