// Package appdir locates the supalab configuration directory and resolves
// config file arguments against it.
package appdir

import (
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/awarmack/supalab/internal/config"
)

const (
	// ConfigDirEnv is the environment variable to override the config directory.
	ConfigDirEnv = "SUPALAB_CONFIG_DIR"

	// DefaultConfigDir is used when neither the flag nor the environment
	// variable is set. It is relative to the working directory.
	DefaultConfigDir = "config"

	// DefaultConfigFile is always loaded first.
	DefaultConfigFile = config.DefaultFile
)

var (
	// override is set from the --config-dir flag.
	override string
	mu       sync.RWMutex
)

// SetOverride makes ConfigDir return dir. An empty dir clears the override.
func SetOverride(dir string) {
	mu.Lock()
	defer mu.Unlock()
	override = dir
}

// ConfigDir returns the config directory:
//  1. the --config-dir flag (SetOverride)
//  2. SUPALAB_CONFIG_DIR
//  3. ./config
func ConfigDir() string {
	mu.RLock()
	dir := override
	mu.RUnlock()
	if dir != "" {
		return dir
	}
	if env := os.Getenv(ConfigDirEnv); env != "" {
		return env
	}
	return DefaultConfigDir
}

// ConfigFiles resolves config file arguments. The default file in the config
// directory comes first, followed by the arguments in order; later files
// override earlier ones. A bare file name that does not exist in the working
// directory is looked up in the config directory.
func ConfigFiles(args []string) []string {
	files := make([]string, 0, len(args)+1)
	files = append(files, filepath.Join(ConfigDir(), DefaultConfigFile))
	for _, arg := range args {
		files = append(files, resolve(arg))
	}
	return files
}

func resolve(name string) string {
	if filepath.IsAbs(name) || strings.ContainsRune(name, filepath.Separator) || strings.Contains(name, "/") {
		return name
	}
	if _, err := os.Stat(name); err == nil {
		return name
	}
	return filepath.Join(ConfigDir(), name)
}
