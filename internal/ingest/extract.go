package ingest

// extract.go turns uploaded payloads into plain text. HTML goes through
// go-readability so navigation, scripts, and boilerplate never reach the
// index; everything else is treated as already-plain text.

import (
	"bytes"
	"fmt"
	"net/url"
	"strings"
	"unicode/utf8"

	readability "github.com/go-shiori/go-readability"
)

// ErrNotText is returned for payloads that are not valid UTF-8 text.
type ErrNotText struct {
	ContentType string
}

func (e *ErrNotText) Error() string {
	return fmt.Sprintf("payload is not text (content type %q)", e.ContentType)
}

// ExtractText converts an uploaded payload into indexable plain text.
// name is the upload's filename, used only for URL resolution inside HTML.
func ExtractText(data []byte, contentType, name string) (string, error) {
	if !utf8.Valid(data) {
		return "", &ErrNotText{ContentType: contentType}
	}

	if isHTML(contentType, name) {
		return extractHTML(data, name)
	}
	return string(data), nil
}

func isHTML(contentType, name string) bool {
	if strings.Contains(contentType, "text/html") {
		return true
	}
	lower := strings.ToLower(name)
	return strings.HasSuffix(lower, ".html") || strings.HasSuffix(lower, ".htm")
}

func extractHTML(data []byte, name string) (string, error) {
	pageURL := &url.URL{Scheme: "file", Path: "/" + name}
	article, err := readability.FromReader(bytes.NewReader(data), pageURL)
	if err != nil {
		return "", fmt.Errorf("extract readable text: %w", err)
	}
	return article.TextContent, nil
}
