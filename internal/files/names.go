package files

import (
	"path/filepath"
	"strings"
	"unicode/utf8"

	"pdfbot/internal/models"
)

const maxNameLen = 100

var nameReplacer = strings.NewReplacer(
	"<", "_", ">", "_", ":", "_", `"`, "_",
	"/", "_", `\`, "_", "|", "_", "?", "_", "*", "_",
)

// SanitizeName makes a user supplied file name safe to display and to send back
// as an attachment name. The extension is forced to match kind.
func SanitizeName(name string, kind models.ContentKind) string {
	name = filepath.Base(strings.TrimSpace(name))
	if name == "." || name == string(filepath.Separator) {
		name = ""
	}
	name = nameReplacer.Replace(name)
	name = strings.Map(func(r rune) rune {
		if r < 0x20 || r == 0x7f {
			return -1
		}
		return r
	}, name)

	ext := kind.Ext()
	base := strings.TrimSuffix(name, filepath.Ext(name))
	base = strings.Trim(base, " .")
	if base == "" {
		base = "file"
	}
	for len(base)+len(ext) > maxNameLen {
		_, size := utf8.DecodeLastRuneInString(base)
		base = base[:len(base)-size]
	}
	return base + ext
}
