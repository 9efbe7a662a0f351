// Package credentials resolves downstream server credentials from the
// filesystem, so an auth token never has to be written into a profile file.
package credentials

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

// DefaultDir is the directory under a profile's configDir holding one file
// per credential name, e.g. <configDir>/credentials/<name>.
const DefaultDir = "credentials"

// Get reads a named credential from dir. Returns "" with no error when name
// is empty (server definitions with auth=none never resolve a credential).
func Get(dir, name string) (string, error) {
	if name == "" {
		return "", nil
	}
	return getFromPath(dir, name), firstError(dir, name)
}

func getFromPath(mountPath, name string) string {
	credPath := filepath.Join(mountPath, name)
	data, err := os.ReadFile(credPath) //nolint:gosec // reading operator-provisioned credential files
	if err != nil {
		return ""
	}
	return strings.TrimSpace(string(data))
}

// firstError re-reads the file only to classify the error: a missing
// credential file is not an error (the server may rely on no auth), anything
// else is reported so misconfiguration is visible.
func firstError(mountPath, name string) error {
	credPath := filepath.Join(mountPath, name)
	if _, err := os.Stat(credPath); err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return fmt.Errorf("failed to stat credential file %s: %w", credPath, err)
	}
	return nil
}
