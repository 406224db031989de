package audio

import (
	"os"
	"path/filepath"
)

// ResolveFile finds a recording's audio file on disk given the upload-managed
// audio directory and the stored source location.
// Priority: 1) audioDir/source  2) absolute source  3) audioDir/<owner>/<basename>
func ResolveFile(audioDir, source, owner string) string {
	if source == "" {
		return ""
	}

	// 1) upload-managed path relative to the audio directory
	if audioDir != "" && !filepath.IsAbs(source) {
		full := filepath.Join(audioDir, source)
		if _, err := os.Stat(full); err == nil {
			return full
		}
	}

	// 2) absolute path on this machine
	if filepath.IsAbs(source) {
		if _, err := os.Stat(source); err == nil {
			return source
		}
	}

	// 3) uploads are stored as <owner>/<filename>; the source may have been
	// recorded with a stale directory prefix (e.g. after a volume move).
	if audioDir != "" && owner != "" {
		full := filepath.Join(audioDir, owner, filepath.Base(source))
		if _, err := os.Stat(full); err == nil {
			return full
		}
	}

	return ""
}
