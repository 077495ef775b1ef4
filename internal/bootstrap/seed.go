// Package bootstrap seeds a fresh installation with starter message
// templates so the first send can use --template right away.
package bootstrap

import (
	"embed"
	"os"
	"path/filepath"
)

//go:embed templates/*.tmpl
var templateFS embed.FS

// SeedTemplates writes the embedded starter templates into dir. Existing
// files are never overwritten. Returns the names of the files created.
func SeedTemplates(dir string) ([]string, error) {
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, err
	}

	entries, err := templateFS.ReadDir("templates")
	if err != nil {
		return nil, err
	}

	var created []string
	for _, entry := range entries {
		ok, err := seedTemplate(dir, entry.Name())
		if err != nil {
			return created, err
		}
		if ok {
			created = append(created, entry.Name())
		}
	}
	return created, nil
}

// seedTemplate writes one embedded template unless the file already exists.
func seedTemplate(dir, name string) (bool, error) {
	dst := filepath.Join(dir, name)

	f, err := os.OpenFile(dst, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0644)
	if err != nil {
		if os.IsExist(err) {
			return false, nil
		}
		return false, err
	}
	defer f.Close()

	content, err := templateFS.ReadFile(filepath.Join("templates", name))
	if err != nil {
		os.Remove(dst)
		return false, err
	}
	if _, err := f.Write(content); err != nil {
		return false, err
	}
	return true, nil
}
