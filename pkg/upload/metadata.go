package upload

import (
	"encoding/base64"
	"fmt"
	"strings"
)

// Metadata keys the create operation relies on. The credential authenticates
// the owner; filename and lastModified feed the fingerprint.
const (
	MetaCredential   = "credential"
	MetaFilename     = "filename"
	MetaLastModified = "lastModified"
)

// ParseMetadata decodes an Upload-Metadata header: comma-separated pairs of
// `key base64(value)`. A key with no value part maps to the empty string.
func ParseMetadata(header string) (map[string]string, error) {
	meta := make(map[string]string)
	if strings.TrimSpace(header) == "" {
		return meta, nil
	}

	for _, pair := range strings.Split(header, ",") {
		fields := strings.Fields(strings.TrimSpace(pair))
		switch len(fields) {
		case 1:
			meta[fields[0]] = ""
		case 2:
			value, err := base64.StdEncoding.DecodeString(fields[1])
			if err != nil {
				return nil, fmt.Errorf("%w: metadata value for %q is not base64: %w", ErrValidation, fields[0], err)
			}
			meta[fields[0]] = string(value)
		default:
			return nil, fmt.Errorf("%w: malformed metadata pair %q", ErrValidation, pair)
		}
	}
	return meta, nil
}

// Fingerprint derives the resume key for a logical upload. Two attempts to
// upload the same file produce the same fingerprint, which is how a refreshed
// client finds its half-finished session again.
func Fingerprint(filename string, size int64, lastModified string) string {
	fp := fmt.Sprintf("%s-%d", filename, size)
	if lastModified != "" {
		fp += "-" + lastModified
	}
	return fp
}
