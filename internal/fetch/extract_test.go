package fetch

import (
	"strings"
	"testing"
)

func TestExtract(t *testing.T) {
	tests := []struct {
		name      string
		html      string
		wantTitle string
		want      []string
		banned    []string
	}{
		{
			name:      "article preferred over page chrome",
			html:      `<html><head><title>T</title></head><body><div>sidebar junk</div><article><p>the real story</p></article></body></html>`,
			wantTitle: "T",
			want:      []string{"the real story"},
			banned:    []string{"sidebar junk"},
		},
		{
			name:   "main used when no article",
			html:   `<html><body><nav>menu</nav><main><p>central content</p></main></body></html>`,
			want:   []string{"central content"},
			banned: []string{"menu"},
		},
		{
			name:   "whole body when unstructured",
			html:   `<html><body><p>first</p><p>second</p></body></html>`,
			want:   []string{"first", "second"},
		},
		{
			name:   "script and style dropped",
			html:   `<html><body><script>var x=1;</script><style>.a{}</style><p>visible</p></body></html>`,
			want:   []string{"visible"},
			banned: []string{"var x", ".a{}"},
		},
		{
			name: "block elements break lines",
			html: `<html><body><p>alpha</p><p>beta</p></body></html>`,
			want: []string{"alpha\nbeta"},
		},
		{
			name:      "title whitespace trimmed",
			html:      "<html><head><title>\n  Spaced Out  \n</title></head><body>x</body></html>",
			wantTitle: "Spaced Out",
			want:      []string{"x"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			title, text := extract([]byte(tt.html))
			if tt.wantTitle != "" && title != tt.wantTitle {
				t.Errorf("title = %q, want %q", title, tt.wantTitle)
			}
			for _, want := range tt.want {
				if !strings.Contains(text, want) {
					t.Errorf("text %q missing %q", text, want)
				}
			}
			for _, banned := range tt.banned {
				if strings.Contains(text, banned) {
					t.Errorf("text %q contains %q", text, banned)
				}
			}
		})
	}
}

func TestCollapseSpace(t *testing.T) {
	tests := []struct {
		in   string
		want string
	}{
		{"a   b", "a b"},
		{"a\n\n\nb", "a\nb"},
		{"  a  \n   \n  b  ", "a\nb"},
		{"", ""},
		{"plain", "plain"},
	}
	for _, tt := range tests {
		if got := collapseSpace(tt.in); got != tt.want {
			t.Errorf("collapseSpace(%q) = %q, want %q", tt.in, got, tt.want)
		}
	}
}
