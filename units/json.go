// Package units implements the data-producing and transforming components
// of the pipeline. Every unit owns a gate and keeps publishing the current
// value of its payload set until its context is cancelled.
package units

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/sumkincpp/rtrtr/payload"
	"github.com/sumkincpp/rtrtr/pkg/metrics"
	"github.com/sumkincpp/rtrtr/pipeline"
)

// DefaultRefresh is the fetch interval used when a unit does not configure
// one.
const DefaultRefresh = 60

// Json periodically fetches a JSON feed over HTTP and publishes the
// decoded payload set whenever it changed.
type Json struct {
	Type    string `mapstructure:"type"`
	URI     string `mapstructure:"uri"`
	Refresh int    `mapstructure:"refresh"`
}

func (u *Json) SourceNames() []string { return nil }

func (u *Json) Run(
	ctx context.Context,
	comp *pipeline.Component,
	gate *pipeline.Gate,
	sources []*pipeline.Link,
) error {
	if u.URI == "" {
		return fmt.Errorf("json unit %q needs a uri", comp.Name)
	}
	refresh := time.Duration(u.Refresh) * time.Second
	if u.Refresh <= 0 {
		refresh = DefaultRefresh * time.Second
	}

	m := metrics.GetRtrMetrics()
	attrs := metric.WithAttributes(attribute.String("component", comp.Name))
	client := &http.Client{Timeout: refresh}

	fetch := func() {
		set, err := u.fetch(ctx, client)
		if err != nil {
			// the previously published set stays live
			comp.Logger.Warn("fetch failed, keeping current data",
				zap.String("uri", u.URI),
				zap.Error(err))
			m.FetchFailures.Add(ctx, 1, attrs)
			return
		}
		if _, published := gate.PublishIfChanged(set); published {
			comp.Logger.Info("published new payload set",
				zap.Int("size", set.Len()))
			m.UpdatesPublished.Add(ctx, 1, attrs)
		}
	}

	fetch()
	ticker := time.NewTicker(refresh)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			fetch()
		case <-ctx.Done():
			return nil
		}
	}
}

func (u *Json) fetch(ctx context.Context, client *http.Client) (*payload.Set, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u.URI, nil)
	if err != nil {
		return nil, err
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, fmt.Errorf("unexpected status %s", resp.Status)
	}
	return payload.ParseFeed(resp.Body)
}
