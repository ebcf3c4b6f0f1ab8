package pipeline

import (
	"path/filepath"

	"go.uber.org/zap"
)

// Component is the runtime handed to every unit and target task: its name,
// its named logger, and the directory of the configuration file for
// resolving relative paths.
type Component struct {
	Name    string
	Logger  *zap.Logger
	BaseDir string
}

// ResolvePath resolves a possibly relative path against the directory of
// the configuration file.
func (c *Component) ResolvePath(path string) string {
	if path == "" || filepath.IsAbs(path) {
		return path
	}
	return filepath.Join(c.BaseDir, path)
}
