package build

import (
	"bufio"
	"bytes"
	"crypto/md5"
	"encoding/hex"
	"io"
	"os"
	"strings"
)

const (
	// hashMarkerPrefix starts the first line of every artifact
	hashMarkerPrefix = "// "
	hashLength       = md5.Size * 2
)

// ContentHash returns the md5 of content as 32 lowercase hex characters.
func ContentHash(content []byte) string {
	sum := md5.Sum(content)
	return hex.EncodeToString(sum[:])
}

// FormatArtifact prefixes code with the hash marker line.
func FormatArtifact(hash string, code []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(len(hashMarkerPrefix) + len(hash) + 1 + len(code))
	buf.WriteString(hashMarkerPrefix)
	buf.WriteString(hash)
	buf.WriteByte('\n')
	buf.Write(code)
	return buf.Bytes()
}

// ParseHashMarker extracts the hash from an artifact's first line. It reports
// false when the line is not a well-formed marker.
func ParseHashMarker(line string) (string, bool) {
	line = strings.TrimRight(line, "\r\n")
	if !strings.HasPrefix(line, hashMarkerPrefix) {
		return "", false
	}

	hash := strings.TrimSpace(strings.TrimPrefix(line, hashMarkerPrefix))
	if len(hash) != hashLength {
		return "", false
	}
	for _, c := range hash {
		if !(c >= '0' && c <= '9' || c >= 'a' && c <= 'f') {
			return "", false
		}
	}
	return hash, true
}

// ReadArtifactHash reads only the first line of the artifact at path. A
// missing or malformed marker yields an empty hash and no error.
func ReadArtifactHash(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer f.Close()

	line, err := bufio.NewReaderSize(f, 64).ReadString('\n')
	if err != nil && err != io.EOF {
		return "", err
	}

	hash, _ := ParseHashMarker(line)
	return hash, nil
}

// StripHashMarker returns the artifact body without the marker line.
func StripHashMarker(artifact []byte) []byte {
	idx := bytes.IndexByte(artifact, '\n')
	if idx < 0 {
		return artifact
	}
	if _, ok := ParseHashMarker(string(artifact[:idx])); !ok {
		return artifact
	}
	return artifact[idx+1:]
}
