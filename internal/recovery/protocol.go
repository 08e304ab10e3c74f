package recovery

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/vertextoedge/installer-fetch/internal/domain"
)

// Image info keys
const (
	InfoProduct    = "AP"
	InfoImageLink  = "AU"
	InfoImageHash  = "AH"
	InfoImageToken = "AT"
	InfoSignLink   = "CU"
	InfoSignHash   = "CH"
	InfoSignToken  = "CT"
)

// RequiredInfoKeys must all be present in an image info response.
var RequiredInfoKeys = []string{
	InfoProduct,
	InfoImageLink,
	InfoImageHash,
	InfoImageToken,
	InfoSignLink,
	InfoSignHash,
	InfoSignToken,
}

// ImageInfo describes a recovery image and its chunklist.
type ImageInfo struct {
	Product    string
	ImageURL   string
	ImageHash  string
	ImageToken string
	SignURL    string
	SignHash   string
	SignToken  string

	// Raw holds every key the server sent.
	Raw map[string]string
}

// formField is one key=value pair of a request body.
type formField struct {
	Key   string
	Value string
}

// encodeForm joins fields as newline-separated key=value lines, in order.
func encodeForm(fields []formField) string {
	lines := make([]string, 0, len(fields))
	for _, f := range fields {
		lines = append(lines, f.Key+"="+f.Value)
	}
	return strings.Join(lines, "\n")
}

// ParseInfo parses a "KEY: VALUE" per line response. Blank lines and
// carriage returns are tolerated; any other line without the separator is
// an error, so protocol changes surface instead of being skipped.
func ParseInfo(body string) (map[string]string, error) {
	info := make(map[string]string)

	for i, line := range strings.Split(body, "\n") {
		line = strings.TrimRight(line, "\r")
		if strings.TrimSpace(line) == "" {
			continue
		}

		key, value, ok := strings.Cut(line, ": ")
		if !ok || key == "" {
			return nil, fmt.Errorf("%w: line %d: %q", domain.ErrMalformedResponse, i+1, truncate(line, 64))
		}
		info[key] = value
	}

	return info, nil
}

// newImageInfo checks that every required key is present.
func newImageInfo(info map[string]string) (*ImageInfo, error) {
	var missing []string
	for _, k := range RequiredInfoKeys {
		if _, ok := info[k]; !ok {
			missing = append(missing, k)
		}
	}
	if len(missing) > 0 {
		return nil, fmt.Errorf("%w: %s", domain.ErrMissingInfoKey, strings.Join(missing, ", "))
	}

	return &ImageInfo{
		Product:    info[InfoProduct],
		ImageURL:   info[InfoImageLink],
		ImageHash:  info[InfoImageHash],
		ImageToken: info[InfoImageToken],
		SignURL:    info[InfoSignLink],
		SignHash:   info[InfoSignHash],
		SignToken:  info[InfoSignToken],
		Raw:        info,
	}, nil
}

// sessionCookie finds the "session=" cookie in Set-Cookie headers.
func sessionCookie(h http.Header) (string, bool) {
	for _, v := range h.Values("Set-Cookie") {
		for _, part := range strings.Split(v, "; ") {
			if strings.HasPrefix(part, "session=") {
				return part, true
			}
		}
	}
	return "", false
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
