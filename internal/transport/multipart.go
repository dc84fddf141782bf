package transport

import (
	"bytes"
	"mime/multipart"
)

type FormField struct {
	Name  string
	Value string
}

// NewMultipartForm encodes fields as multipart/form-data text parts, in
// order. It returns the body and the matching Content-Type.
func NewMultipartForm(fields []FormField) ([]byte, string, error) {
	var buf bytes.Buffer
	w := multipart.NewWriter(&buf)
	for _, f := range fields {
		if err := w.WriteField(f.Name, f.Value); err != nil {
			return nil, "", err
		}
	}
	if err := w.Close(); err != nil {
		return nil, "", err
	}
	return buf.Bytes(), w.FormDataContentType(), nil
}
