// Package pathutil resolves relative paths (TLS cert/key files, UNIX socket
// paths, the crash-safe state dump) against the config file's directory,
// grounded on the teacher's ConfigResolvePath in pkg/webircgateway/config.go.
package pathutil

import "path/filepath"

// ResolveRelativeTo returns path unchanged if absolute, otherwise resolves it
// relative to the directory containing configFile.
func ResolveRelativeTo(configFile, path string) string {
	if path == "" {
		return path
	}
	if filepath.IsAbs(path) {
		return path
	}
	return filepath.Clean(filepath.Join(filepath.Dir(configFile), path))
}
