package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/sumkincpp/rtrtr/targets"
	"github.com/sumkincpp/rtrtr/units"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "rtrtr.toml")
	require.NoError(t, os.WriteFile(path, []byte(content), 0o644))
	return path
}

const goodConfig = `
log-level = "debug"
http-listen = "127.0.0.1:9556"

[units.source]
type = "json"
uri = "https://example.com/vrps.json"
refresh = 30

[units.localfile]
type = "json-file"
path = "vrps.json"

[units.upstream-cache]
type = "rtr"
remote = "validator.example.com:3323"

[units.combined]
type = "any"
sources = ["source", "localfile", "upstream-cache"]

[units.exceptions]
type = "slurm"
source = "combined"
files = ["exceptions.json"]

[targets.rtr-plain]
type = "rtr"
source = "exceptions"
listen = ["127.0.0.1:3323", "[::1]:3323"]
refresh = 1800
history-size = 20

[targets.rtr-secure]
type = "rtr-tls"
source = "exceptions"
listen = ["127.0.0.1:13323"]
certificate = "tls/server.crt"
key = "tls/server.key"

[targets.feed]
type = "http"
source = "exceptions"
listen = "127.0.0.1:8080"
path = "/vrps.json"
`

func TestLoadFullConfig(t *testing.T) {
	path := writeConfig(t, goodConfig)

	cfg, err := Load(path)
	require.NoError(t, err)

	assert.Equal(t, "debug", cfg.LogLevel)
	assert.Equal(t, "127.0.0.1:9556", cfg.HTTPListen)
	assert.Equal(t, filepath.Dir(path), cfg.BaseDir)
	assert.Equal(t, DefaultShutdownTimeout, cfg.ShutdownTimeout)

	require.Len(t, cfg.Units, 5)
	json := cfg.Units["source"].(*units.Json)
	assert.Equal(t, "https://example.com/vrps.json", json.URI)
	assert.Equal(t, 30, json.Refresh)

	slurmUnit := cfg.Units["exceptions"].(*units.Slurm)
	assert.Equal(t, []string{"combined"}, slurmUnit.SourceNames())
	assert.Equal(t, []string{"exceptions.json"}, slurmUnit.Files)

	anyUnit := cfg.Units["combined"].(*units.Any)
	assert.Equal(t, []string{"source", "localfile", "upstream-cache"}, anyUnit.Sources)

	require.Len(t, cfg.Targets, 3)
	rtrTarget := cfg.Targets["rtr-plain"].(*targets.RtrTcp)
	assert.Equal(t, "exceptions", rtrTarget.SourceName())
	assert.Equal(t, []string{"127.0.0.1:3323", "[::1]:3323"}, rtrTarget.Listen)
	assert.Equal(t, uint32(1800), rtrTarget.Refresh)
	assert.Equal(t, 20, rtrTarget.HistorySize)

	tlsTarget := cfg.Targets["rtr-secure"].(*targets.RtrTls)
	assert.Equal(t, "tls/server.crt", tlsTarget.Certificate)

	httpTarget := cfg.Targets["feed"].(*targets.HttpJson)
	assert.Equal(t, "/vrps.json", httpTarget.Path)
}

func TestUnknownOptionIsAnError(t *testing.T) {
	path := writeConfig(t, `
[units.source]
type = "json"
uri = "https://example.com/vrps.json"
refrsh = 30
`)
	_, err := Load(path)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "refrsh")
}

func TestUnknownTypeIsAnError(t *testing.T) {
	path := writeConfig(t, `
[units.source]
type = "carrier-pigeon"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown type")
}

func TestMissingTypeIsAnError(t *testing.T) {
	path := writeConfig(t, `
[units.source]
uri = "https://example.com/vrps.json"
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "missing the type")
}

func TestUnknownSourceIsAnError(t *testing.T) {
	path := writeConfig(t, `
[units.exceptions]
type = "slurm"
source = "nowhere"
files = ["x.json"]
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "unknown unit")

	path = writeConfig(t, `
[units.source]
type = "json"
uri = "https://example.com/vrps.json"

[targets.out]
type = "http"
source = "nowhere"
listen = "127.0.0.1:8080"
`)
	_, err = Load(path)
	assert.ErrorContains(t, err, "unknown unit")
}

func TestSourceCycleIsRejected(t *testing.T) {
	path := writeConfig(t, `
[units.a]
type = "any"
sources = ["b"]

[units.b]
type = "merge"
sources = ["a"]
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "cycle")
}

func TestSelfReferenceIsRejected(t *testing.T) {
	path := writeConfig(t, `
[units.a]
type = "merge"
sources = ["a"]
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "cycle")
}

func TestDuplicateListenAddressIsRejected(t *testing.T) {
	path := writeConfig(t, `
[units.source]
type = "json"
uri = "https://example.com/vrps.json"

[targets.out]
type = "rtr"
source = "source"
listen = ["127.0.0.1:3323", "127.0.0.1:3323"]
`)
	_, err := Load(path)
	assert.ErrorContains(t, err, "twice")
}

func TestMissingFileIsAnError(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "absent.toml"))
	assert.Error(t, err)
}
