package model

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/fedora-packager/hubclient/internal/clienterrors"
)

// Server timestamps look like "2010-06-17 15:42:05.553330+00:00". The
// fraction and the offset are optional; a missing offset means UTC.
var timestampLayouts = []string{
	"2006-01-02 15:04:05Z07:00",
	"2006-01-02 15:04:05",
	time.RFC3339Nano,
}

const timestampFormat = "2006-01-02 15:04:05.000000-07:00"

type Timestamp struct {
	time.Time
}

func ParseTimestamp(value string) (Timestamp, error) {
	value = strings.TrimSpace(value)
	for _, layout := range timestampLayouts {
		t, err := time.Parse(layout, value)
		if err == nil {
			return Timestamp{t}, nil
		}
	}
	return Timestamp{}, clienterrors.Deserialization("parse timestamp", "", fmt.Sprintf("unsupported timestamp %q", value), nil)
}

func (t Timestamp) String() string {
	if t.IsZero() {
		return ""
	}
	return t.Format(timestampFormat)
}

func (t Timestamp) MarshalJSON() ([]byte, error) {
	if t.IsZero() {
		return []byte("null"), nil
	}
	return json.Marshal(t.String())
}

// UnmarshalJSON accepts null as the zero timestamp; any string that does not
// parse is an error.
func (t *Timestamp) UnmarshalJSON(data []byte) error {
	if bytes.Equal(data, []byte("null")) {
		*t = Timestamp{}
		return nil
	}
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return clienterrors.Deserialization("parse timestamp", "", "timestamp is not a string", err)
	}
	parsed, err := ParseTimestamp(s)
	if err != nil {
		return err
	}
	*t = parsed
	return nil
}
