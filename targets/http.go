package targets

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/sumkincpp/rtrtr/payload"
	"github.com/sumkincpp/rtrtr/pipeline"
)

// HttpJson serves the current payload set of its source unit as a JSON
// feed document over HTTP. Responses carry an ETag derived from the update
// token so pollers can short-circuit unchanged data.
type HttpJson struct {
	Type   string `mapstructure:"type"`
	Source string `mapstructure:"source"`
	Listen string `mapstructure:"listen"`
	Path   string `mapstructure:"path"`
}

func (t *HttpJson) SourceName() string { return t.Source }

func (t *HttpJson) Run(ctx context.Context, comp *pipeline.Component, source *pipeline.Link) error {
	if t.Listen == "" {
		return fmt.Errorf("http target %q needs a listen address", comp.Name)
	}
	path := t.Path
	if path == "" {
		path = "/json"
	}
	defer source.Close()

	r := mux.NewRouter()
	r.HandleFunc(path, func(rw http.ResponseWriter, req *http.Request) {
		t.handleFeed(comp, source, rw, req)
	}).Methods(http.MethodGet, http.MethodHead)

	httpServer := &http.Server{
		Handler:      cors.Default().Handler(r),
		Addr:         t.Listen,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 30 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- httpServer.ListenAndServe()
	}()
	comp.Logger.Info("http target listening",
		zap.String("address", t.Listen),
		zap.String("path", path))

	select {
	case err := <-errCh:
		return fmt.Errorf("http target %q: %w", comp.Name, err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = httpServer.Shutdown(shutdownCtx)
		return nil
	}
}

func (t *HttpJson) handleFeed(
	comp *pipeline.Component,
	source *pipeline.Link,
	rw http.ResponseWriter,
	req *http.Request,
) {
	set, token := source.Current()
	if set == nil {
		http.Error(rw, "no data available yet", http.StatusServiceUnavailable)
		return
	}

	etag := fmt.Sprintf("\"%d\"", token)
	if req.Header.Get("If-None-Match") == etag {
		rw.WriteHeader(http.StatusNotModified)
		return
	}

	rw.Header().Set("Content-Type", "application/json")
	rw.Header().Set("ETag", etag)
	if req.Method == http.MethodHead {
		return
	}
	if err := payload.WriteFeed(rw, set); err != nil {
		comp.Logger.Debug("failed to write feed response", zap.Error(err))
	}
}
