package validators

import (
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	pkgerrors "github.com/angelmondragon/ap2-agents/pkg/errors"
)

type sample struct {
	Name string `json:"name" validate:"required"`
	Kind string `json:"kind" validate:"omitempty,oneof=a b"`
}

func TestDecodeJSONBody(t *testing.T) {
	cases := []struct {
		name    string
		body    string
		opts    []DecodeOption
		wantErr bool
	}{
		{name: "valid", body: `{"name":"x","kind":"a"}`},
		{name: "missing required", body: `{"kind":"a"}`, wantErr: true},
		{name: "bad enum", body: `{"name":"x","kind":"z"}`, wantErr: true},
		{name: "unknown field rejected", body: `{"name":"x","extra":1}`, wantErr: true},
		{name: "unknown field allowed", body: `{"name":"x","extra":1}`, opts: []DecodeOption{AllowUnknownFields()}},
		{name: "malformed", body: `{`, wantErr: true},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			req := httptest.NewRequest(http.MethodPost, "/", strings.NewReader(tc.body))
			var dest sample
			err := DecodeJSONBody(req, &dest, tc.opts...)
			if tc.wantErr {
				if !pkgerrors.Is(err, pkgerrors.CodeValidation) {
					t.Fatalf("expected validation error, got %v", err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
		})
	}
}

func TestSanitizeString(t *testing.T) {
	if got := SanitizeString("  abcdef ", 3); got != "abc" {
		t.Fatalf("unexpected %q", got)
	}
}

func TestSanitizeStringDropsControlAndKeepsRunes(t *testing.T) {
	if got := SanitizeString("a\x00b\nc", 0); got != "abc" {
		t.Fatalf("unexpected %q", got)
	}
	if got := SanitizeString("héllo", 2); got != "h" {
		t.Fatalf("rune split: %q", got)
	}
}

func TestParseQueryInt(t *testing.T) {
	req := httptest.NewRequest(http.MethodGet, "/?n=5&bad=x&big=99", nil)
	if v, err := ParseQueryInt(req, "n", 1, 0, 10); err != nil || v != 5 {
		t.Fatalf("expected 5, got %d err=%v", v, err)
	}
	if v, err := ParseQueryInt(req, "missing", -1, 0, 10); err != nil || v != -1 {
		t.Fatalf("expected default, got %d err=%v", v, err)
	}
	if _, err := ParseQueryInt(req, "bad", 0, 0, 10); !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected validation error, got %v", err)
	}
	if _, err := ParseQueryInt(req, "big", 0, 0, 10); !pkgerrors.Is(err, pkgerrors.CodeValidation) {
		t.Fatalf("expected range error, got %v", err)
	}
}
