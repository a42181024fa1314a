package cli

import (
	"os"
	"path/filepath"
)

// Paths locates the per-app directories under ~/.voicerelay.
type Paths struct {
	AppName string
	HomeDir string
}

// NewPaths returns the paths of appName for the current user.
func NewPaths(appName string) (*Paths, error) {
	home, err := os.UserHomeDir()
	if err != nil {
		return nil, err
	}
	return &Paths{AppName: appName, HomeDir: home}, nil
}

// BaseDir is ~/.voicerelay.
func (p *Paths) BaseDir() string { return filepath.Join(p.HomeDir, DefaultBaseDir) }

// AppDir is ~/.voicerelay/<app>.
func (p *Paths) AppDir() string { return filepath.Join(p.BaseDir(), p.AppName) }

// ConfigFile is ~/.voicerelay/<app>/config.yaml.
func (p *Paths) ConfigFile() string { return filepath.Join(p.AppDir(), DefaultConfigFile) }

// ModelDir holds model files generated by "model init".
func (p *Paths) ModelDir() string { return filepath.Join(p.AppDir(), "models") }

// JournalDir is the default journal location of context name.
func (p *Paths) JournalDir(name string) string {
	if name == "" {
		name = "default"
	}
	return filepath.Join(p.AppDir(), "journal", name)
}

// ModelPath returns a path within ModelDir.
func (p *Paths) ModelPath(name string) string { return filepath.Join(p.ModelDir(), name) }

// Ensure creates dir and its parents.
func Ensure(dir string) error { return os.MkdirAll(dir, 0755) }
