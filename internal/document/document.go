// Package document decodes uploaded files carried as base64 data URIs and
// extracts text from them for providers that cannot read binaries.
package document

import (
	"bytes"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
	"net/url"
	"strings"

	"github.com/gabriel-vasile/mimetype"
	"github.com/ledongthuc/pdf"
)

var (
	// ErrMalformedDataURI is returned for strings that are not base64 data URIs.
	ErrMalformedDataURI = errors.New("malformed data URI")

	// ErrUnsupportedMIME is returned for file types no flow accepts.
	ErrUnsupportedMIME = errors.New("unsupported MIME type")

	// ErrMIMEMismatch is returned when the declared type disagrees with the content.
	ErrMIMEMismatch = errors.New("declared MIME type does not match content")
)

// maxDecodedSize caps a single decoded upload.
const maxDecodedSize = 15 << 20 // 15MB

// Supported lists the MIME types accepted for report and prescription uploads.
var Supported = []string{
	"application/pdf",
	"image/png",
	"image/jpeg",
	"image/webp",
	"image/heic",
	"text/plain",
}

// File is a decoded upload.
type File struct {
	MIMEType string
	Data     []byte
}

// ParseDataURI decodes "data:<mime>;base64,<payload>". The declared type is
// checked against the content's signature.
func ParseDataURI(s string) (File, error) {
	rest, ok := strings.CutPrefix(strings.TrimSpace(s), "data:")
	if !ok {
		return File{}, fmt.Errorf("%w: missing data: prefix", ErrMalformedDataURI)
	}
	meta, payload, ok := strings.Cut(rest, ",")
	if !ok {
		return File{}, fmt.Errorf("%w: missing comma", ErrMalformedDataURI)
	}

	params := strings.Split(meta, ";")
	declared := strings.ToLower(strings.TrimSpace(params[0]))
	isBase64 := false
	for _, p := range params[1:] {
		if strings.EqualFold(strings.TrimSpace(p), "base64") {
			isBase64 = true
		}
	}

	var data []byte
	if isBase64 {
		decoded, err := decodeBase64(payload)
		if err != nil {
			return File{}, fmt.Errorf("%w: %v", ErrMalformedDataURI, err)
		}
		data = decoded
	} else {
		unescaped, err := url.PathUnescape(payload)
		if err != nil {
			return File{}, fmt.Errorf("%w: %v", ErrMalformedDataURI, err)
		}
		data = []byte(unescaped)
	}
	if len(data) == 0 {
		return File{}, fmt.Errorf("%w: empty payload", ErrMalformedDataURI)
	}
	if len(data) > maxDecodedSize {
		return File{}, fmt.Errorf("%w: payload exceeds %d bytes", ErrMalformedDataURI, maxDecodedSize)
	}

	detected := mimetype.Detect(data)
	if declared == "" {
		declared = detected.String()
	}
	declared = normalize(declared)
	if !IsSupported(declared) {
		return File{}, fmt.Errorf("%w: %s", ErrUnsupportedMIME, declared)
	}
	if !detected.Is(declared) && !compatible(declared, detected) {
		return File{}, fmt.Errorf("%w: declared %s, detected %s", ErrMIMEMismatch, declared, detected.String())
	}
	return File{MIMEType: declared, Data: data}, nil
}

// FromBytes sniffs data and wraps it as a File, used for local uploads.
func FromBytes(data []byte) (File, error) {
	mt := normalize(mimetype.Detect(data).String())
	if !IsSupported(mt) {
		return File{}, fmt.Errorf("%w: %s", ErrUnsupportedMIME, mt)
	}
	return File{MIMEType: mt, Data: data}, nil
}

// DataURI renders f as a base64 data URI.
func (f File) DataURI() string {
	return "data:" + f.MIMEType + ";base64," + base64.StdEncoding.EncodeToString(f.Data)
}

// IsSupported reports whether mt is an accepted upload type.
func IsSupported(mt string) bool {
	mt = normalize(mt)
	for _, s := range Supported {
		if s == mt {
			return true
		}
	}
	return false
}

// ExtractText returns the text content of a PDF or plain-text upload.
func ExtractText(mt string, data []byte) (string, error) {
	switch normalize(mt) {
	case "text/plain":
		return string(data), nil
	case "application/pdf":
		return extractPDF(data)
	}
	return "", fmt.Errorf("%w: cannot extract text from %s", ErrUnsupportedMIME, mt)
}

func extractPDF(data []byte) (string, error) {
	r, err := pdf.NewReader(bytes.NewReader(data), int64(len(data)))
	if err != nil {
		return "", fmt.Errorf("opening pdf: %w", err)
	}
	plain, err := r.GetPlainText()
	if err != nil {
		return "", fmt.Errorf("extracting pdf text: %w", err)
	}
	var buf bytes.Buffer
	if _, err := io.Copy(&buf, plain); err != nil {
		return "", fmt.Errorf("reading pdf text: %w", err)
	}
	return strings.TrimSpace(buf.String()), nil
}

// normalize drops MIME parameters such as "; charset=utf-8".
func normalize(mt string) string {
	if i := strings.IndexByte(mt, ';'); i >= 0 {
		mt = mt[:i]
	}
	return strings.ToLower(strings.TrimSpace(mt))
}

// compatible tolerates text uploads that sniff as a more specific text type.
func compatible(declared string, detected *mimetype.MIME) bool {
	if declared != "text/plain" {
		return false
	}
	for m := detected; m != nil; m = m.Parent() {
		if m.Is("text/plain") {
			return true
		}
	}
	return false
}

func decodeBase64(s string) ([]byte, error) {
	s = strings.TrimSpace(s)
	if b, err := base64.StdEncoding.DecodeString(s); err == nil {
		return b, nil
	}
	return base64.RawStdEncoding.DecodeString(strings.TrimRight(s, "="))
}
