package targets

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/netip"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/sumkincpp/rtrtr/payload"
	"github.com/sumkincpp/rtrtr/pipeline"
)

func freeAddr(t *testing.T) string {
	t.Helper()
	l, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := l.Addr().String()
	require.NoError(t, l.Close())
	return addr
}

func startHttpTarget(t *testing.T, gate *pipeline.Gate) string {
	t.Helper()
	addr := freeAddr(t)
	target := &HttpJson{Source: "src", Listen: addr, Path: "/vrps.json"}
	comp := &pipeline.Component{Name: "feed", Logger: zap.NewNop()}

	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	go func() {
		_ = target.Run(ctx, comp, gate.Subscribe())
	}()

	url := fmt.Sprintf("http://%s/vrps.json", addr)
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if _, err := http.Get(url); err == nil {
			return url
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatalf("http target never came up")
	return ""
}

func TestHttpTargetServesFeed(t *testing.T) {
	gate := pipeline.NewGate()
	url := startHttpTarget(t, gate)

	// before the first publish the endpoint reports no data
	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)

	gate.Publish(payload.FromSlice([]payload.Payload{
		payload.RouteOrigin{
			Prefix:    netip.MustParsePrefix("10.0.0.0/24"),
			MaxLength: 24,
			ASN:       64500,
		},
	}))

	resp, err = http.Get(url)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "application/json", resp.Header.Get("Content-Type"))

	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	assert.Equal(t, 1, strings.Count(string(body), `"AS64500"`))
	assert.NotContains(t, string(body), "ASAS")

	decoded, err := payload.ParseFeed(strings.NewReader(string(body)))
	require.NoError(t, err)
	assert.Equal(t, 1, decoded.Len())
}

func TestHttpTargetETag(t *testing.T) {
	gate := pipeline.NewGate()
	url := startHttpTarget(t, gate)

	gate.Publish(payload.FromSlice([]payload.Payload{
		payload.RouteOrigin{
			Prefix:    netip.MustParsePrefix("10.0.0.0/24"),
			MaxLength: 24,
			ASN:       64500,
		},
	}))

	resp, err := http.Get(url)
	require.NoError(t, err)
	resp.Body.Close()
	etag := resp.Header.Get("ETag")
	require.NotEmpty(t, etag)

	req, err := http.NewRequest(http.MethodGet, url, nil)
	require.NoError(t, err)
	req.Header.Set("If-None-Match", etag)
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusNotModified, resp.StatusCode)

	// a new version invalidates the tag
	gate.Publish(payload.FromSlice([]payload.Payload{
		payload.RouteOrigin{
			Prefix:    netip.MustParsePrefix("192.0.2.0/24"),
			MaxLength: 24,
			ASN:       64501,
		},
	}))
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEqual(t, etag, resp.Header.Get("ETag"))
}

func TestPickSession(t *testing.T) {
	configured := uint16(0x1234)
	session, err := pickSession(&configured)
	require.NoError(t, err)
	assert.Equal(t, uint16(0x1234), session)

	_, err = pickSession(nil)
	assert.NoError(t, err)
}
