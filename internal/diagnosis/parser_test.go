package diagnosis

import (
	"errors"
	"testing"

	"poseidon-go/internal/types"
)

func TestParseValid(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		want types.Diagnosis
	}{
		{
			name: "error with correction",
			raw:  `{"status":"error","correction":"Knees out!"}`,
			want: types.Diagnosis{Status: types.StatusError, Correction: "Knees out!"},
		},
		{
			name: "good form",
			raw:  `{"status":"good","correction":""}`,
			want: types.Diagnosis{Status: types.StatusGood},
		},
		{
			name: "surrounding whitespace and extra keys",
			raw:  "\n  {\"correction\": \"Push knees out\", \"status\": \"error\", \"confidence\": 0.9}\n",
			want: types.Diagnosis{Status: types.StatusError, Correction: "Push knees out"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if err != nil {
				t.Fatalf("Parse(%q) error: %v", tt.raw, err)
			}
			if got != tt.want {
				t.Fatalf("Parse(%q) = %+v, want %+v", tt.raw, got, tt.want)
			}
		})
	}
}

func TestParseRejects(t *testing.T) {
	tests := []struct {
		name string
		raw  string
		kind error
	}{
		{name: "not json", raw: `{not json`, kind: ErrMalformed},
		{name: "empty object", raw: `{}`, kind: ErrMissingField},
		{name: "unknown status", raw: `{"status":"maybe","correction":"x"}`, kind: ErrUnknownStatus},
		{name: "status wrong case", raw: `{"status":"Error","correction":"x"}`, kind: ErrUnknownStatus},
		{name: "empty string", raw: ``, kind: ErrMalformed},
		{name: "whitespace only", raw: "  \n\t", kind: ErrMalformed},
		{name: "truncated", raw: `{"status":"error","correc`, kind: ErrMalformed},
		{name: "plain text", raw: `Knees out!`, kind: ErrMalformed},
		{name: "code fenced", raw: "```json\n{\"status\":\"good\",\"correction\":\"\"}\n```", kind: ErrMalformed},
		{name: "array", raw: `[{"status":"good","correction":""}]`, kind: ErrMalformed},
		{name: "json null", raw: `null`, kind: ErrMalformed},
		{name: "trailing data", raw: `{"status":"good","correction":""} extra`, kind: ErrMalformed},
		{name: "status not a string", raw: `{"status":1,"correction":"x"}`, kind: ErrMalformed},
		{name: "correction not a string", raw: `{"status":"error","correction":["Knees out!"]}`, kind: ErrMalformed},
		{name: "missing correction", raw: `{"status":"good"}`, kind: ErrMissingField},
		{name: "missing status", raw: `{"correction":"Knees out!"}`, kind: ErrMissingField},
		{name: "null status", raw: `{"status":null,"correction":"x"}`, kind: ErrMissingField},
		{name: "error without instruction", raw: `{"status":"error","correction":""}`, kind: ErrMissingField},
		{name: "error with blank instruction", raw: `{"status":"error","correction":"   "}`, kind: ErrMissingField},
		{name: "error with whitespace instruction", raw: `{"status":"error","correction":"\n\t"}`, kind: ErrMissingField},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Parse(tt.raw)
			if err == nil {
				t.Fatalf("Parse(%q) = %+v, expected error", tt.raw, got)
			}
			if got != (types.Diagnosis{}) {
				t.Fatalf("Parse(%q) returned a diagnosis alongside an error: %+v", tt.raw, got)
			}
			var parseErr *ParseError
			if !errors.As(err, &parseErr) {
				t.Fatalf("expected *ParseError, got %T: %v", err, err)
			}
			if !errors.Is(err, tt.kind) {
				t.Fatalf("expected kind %v, got %v", tt.kind, err)
			}
		})
	}
}

func TestParseErrorKindName(t *testing.T) {
	tests := []struct {
		raw  string
		want string
	}{
		{`{not json`, "malformed"},
		{`{}`, "missing_field"},
		{`{"status":"maybe","correction":"x"}`, "unknown_status"},
	}
	for _, tt := range tests {
		_, err := Parse(tt.raw)
		var parseErr *ParseError
		if !errors.As(err, &parseErr) {
			t.Fatalf("expected ParseError for %q", tt.raw)
		}
		if parseErr.KindName() != tt.want {
			t.Fatalf("KindName for %q = %q want %q", tt.raw, parseErr.KindName(), tt.want)
		}
	}
}
