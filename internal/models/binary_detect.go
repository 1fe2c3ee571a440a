package models

import (
	"bytes"
	"path/filepath"
	"strings"
)

// Extensions that are always treated as binary, skipping the content
// probe. Binary content is never diff-encoded.
var binaryExtensions = map[string]bool{
	".png": true, ".jpg": true, ".jpeg": true, ".gif": true, ".webp": true,
	".bmp": true, ".ico": true, ".svg": false, // SVG is XML text
	".pdf": true, ".doc": true, ".docx": true, ".xls": true, ".xlsx": true,
	".zip": true, ".gz": true, ".7z": true, ".tar": true,
	".mp3": true, ".mp4": true, ".wav": true, ".ogg": true, ".mov": true,
	".ttf": true, ".otf": true, ".woff": true, ".woff2": true,
	".canvas": false, // Obsidian canvas files are JSON
}

// IsBinary detects binary content by extension or content probe.
func IsBinary(path string, content []byte) bool {
	ext := strings.ToLower(filepath.Ext(path))
	if isBin, known := binaryExtensions[ext]; known {
		return isBin
	}

	if len(content) == 0 {
		return false
	}

	// Probe the first 8KB for null bytes and non-printable density.
	probeLen := len(content)
	if probeLen > 8192 {
		probeLen = 8192
	}

	if bytes.IndexByte(content[:probeLen], 0) != -1 {
		return true
	}

	nonPrintable := 0
	for _, b := range content[:probeLen] {
		if b < 32 && b != '\t' && b != '\n' && b != '\r' {
			nonPrintable++
		}
	}
	return float64(nonPrintable)/float64(probeLen) > 0.3
}
