// Package fileid derives stable identifiers for uploaded comment batches and the
// inbox files they came from.
package fileid

import (
	"crypto/sha256"
	"encoding/hex"
	"path/filepath"
	"strings"
)

const (
	sourcePrefix  = "file:"
	contentPrefix = "sha256:"
)

// SourceID returns a stable id for an inbox file path. The same cleaned path always
// yields the same id.
func SourceID(path string) string {
	hash := sha256.Sum256([]byte(filepath.Clean(path)))
	return sourcePrefix + hex.EncodeToString(hash[:])
}

// ContentHash fingerprints a batch of comments. Surrounding whitespace and blank
// entries are ignored; order matters.
func ContentHash(comments []string) string {
	h := sha256.New()
	for _, c := range comments {
		c = strings.TrimSpace(c)
		if c == "" {
			continue
		}
		h.Write([]byte(c))
		h.Write([]byte{0})
	}
	return contentPrefix + hex.EncodeToString(h.Sum(nil))
}

// ReportName turns an inbox file path into a report name, e.g.
// "/inbox/CS101_Fall-2024.csv" becomes "CS101 Fall-2024".
func ReportName(path string) string {
	base := filepath.Base(path)
	name := strings.TrimSuffix(base, filepath.Ext(base))
	name = strings.Join(strings.Fields(strings.ReplaceAll(name, "_", " ")), " ")
	if name == "" {
		return base
	}
	return name
}
