package storage

import (
	"mime"
	"path/filepath"
	"strings"
)

var exportTypes = map[string]string{
	".json": "application/json",
	".csv":  "text/csv; charset=utf-8",
	".yaml": "application/yaml",
	".yml":  "application/yaml",
}

// ContentType returns the MIME type for a key, preferring the export
// formats this service writes.
func ContentType(key string) string {
	ext := strings.ToLower(filepath.Ext(key))
	if t, ok := exportTypes[ext]; ok {
		return t
	}
	if t := mime.TypeByExtension(ext); t != "" {
		return t
	}
	return "application/octet-stream"
}
