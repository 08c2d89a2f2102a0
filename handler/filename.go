package handler

import (
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
	"golang.org/x/text/unicode/norm"
)

// windows refuses these base names regardless of extension
var reservedNames = map[string]bool{
	"CON": true, "PRN": true, "AUX": true, "NUL": true,
	"COM1": true, "COM2": true, "COM3": true, "COM4": true,
	"LPT1": true, "LPT2": true, "LPT3": true,
}

// SecureFilename reduces name to ASCII letters, digits, '_', '.' and '-'.
// Accents are folded away, path separators become word breaks and runs of
// whitespace become a single underscore. The result may be empty.
func SecureFilename(name string) string {
	var b strings.Builder
	for _, r := range norm.NFKD.String(name) {
		switch {
		case r == '/' || r == '\\':
			b.WriteRune(' ')
		case r > unicode.MaxASCII:
		default:
			b.WriteRune(r)
		}
	}

	var out strings.Builder
	for i, field := range strings.Fields(b.String()) {
		if i > 0 {
			out.WriteByte('_')
		}
		for _, r := range field {
			if r == '_' || r == '.' || r == '-' || unicode.IsLetter(r) || unicode.IsDigit(r) {
				out.WriteRune(r)
			}
		}
	}

	safe := strings.Trim(out.String(), "._")
	base := strings.ToUpper(strings.TrimSuffix(safe, filepath.Ext(safe)))
	if reservedNames[base] {
		safe = "_" + safe
	}
	return safe
}

// storedNames returns the manuscript's recorded filename and its storage
// key. The key carries a random segment so uploads in the same second with
// the same name do not collide.
func storedNames(original, ext string, now time.Time) (filename, key string) {
	safe := SecureFilename(original)
	switch {
	case safe == "":
		safe = "manuscript." + ext
	case !strings.HasSuffix(strings.ToLower(safe), "."+ext):
		safe += "." + ext
	}
	stamp := now.Format("20060102_150405")
	filename = stamp + "_" + safe
	key = stamp + "_" + uuid.New().String()[:8] + "_" + safe
	return filename, key
}
