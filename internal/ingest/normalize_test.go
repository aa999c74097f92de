package ingest

import (
	"strings"
	"testing"
	"time"
)

func TestContactName(t *testing.T) {
	tests := []struct {
		email string
		want  string
	}{
		{"jane.doe@example.com", "Jane Doe"},
		{"BOB_SMITH@example.com", "Bob Smith"},
		{"maria@example.com", "Maria"},
		{"  ann.marie.lee@x.io ", "Ann Marie Lee"},
		{"no-at-sign", "No-at-sign"},
	}
	for _, tt := range tests {
		if got := ContactName(tt.email); got != tt.want {
			t.Errorf("ContactName(%q) = %q, want %q", tt.email, got, tt.want)
		}
	}
}

func TestParseSentAt(t *testing.T) {
	want := time.Date(2024, 3, 5, 14, 30, 0, 0, time.UTC)
	for _, in := range []string{
		"2024-03-05T14:30:00Z",
		"2024-03-05T14:30:00+00:00",
		"2024-03-05T16:30:00+02:00",
		"2024-03-05T14:30:00",
		"2024-03-05 14:30:00",
		"2024-03-05T14:30",
	} {
		got, err := ParseSentAt(in)
		if err != nil {
			t.Errorf("ParseSentAt(%q): %v", in, err)
			continue
		}
		if !got.Equal(want) || got.Location() != time.UTC {
			t.Errorf("ParseSentAt(%q) = %v, want %v UTC", in, got, want)
		}
	}

	if _, err := ParseSentAt("last tuesday"); err == nil {
		t.Error("expected error for unparseable timestamp")
	}
}

func TestHTMLToText(t *testing.T) {
	src := `<html><head><style>p { color: red; }</style></head>
<body><p>Hi Sarah,</p><div>The   listing on <b>Elm&nbsp;St</b> is available.</div>
<script>track()</script><p>Best,<br>Tom</p></body></html>`

	got := HTMLToText(src)
	for _, want := range []string{"Hi Sarah,", "The listing on Elm", "is available.", "Best,", "Tom"} {
		if !strings.Contains(got, want) {
			t.Errorf("HTMLToText missing %q in %q", want, got)
		}
	}
	for _, bad := range []string{"color: red", "track()", "<p>"} {
		if strings.Contains(got, bad) {
			t.Errorf("HTMLToText kept %q in %q", bad, got)
		}
	}
}
