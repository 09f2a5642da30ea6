// Package diagnosis validates structured engine output.
package diagnosis

import (
	"bytes"
	"encoding/json"
	"fmt"
	"strings"

	"poseidon-go/internal/types"
)

const (
	statusGood  = "good"
	statusError = "error"
)

// Parse turns raw engine text into a Diagnosis. The text must be exactly one JSON
// object with string fields "status" and "correction"; status is case-sensitive.
// Every structural problem is returned as a *ParseError; no repair is attempted.
func Parse(raw string) (types.Diagnosis, error) {
	trimmed := bytes.TrimSpace([]byte(raw))
	if len(trimmed) == 0 {
		return types.Diagnosis{}, malformedf("empty response")
	}
	if trimmed[0] != '{' {
		return types.Diagnosis{}, malformedf("response is not a JSON object")
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(trimmed, &fields); err != nil {
		return types.Diagnosis{}, malformedf("%v", err)
	}

	status, err := stringField(fields, "status")
	if err != nil {
		return types.Diagnosis{}, err
	}
	correction, err := stringField(fields, "correction")
	if err != nil {
		return types.Diagnosis{}, err
	}

	switch status {
	case statusGood:
		return types.Diagnosis{Status: types.StatusGood, Correction: correction}, nil
	case statusError:
		if strings.TrimSpace(correction) == "" {
			return types.Diagnosis{}, &ParseError{Kind: ErrMissingField, Field: "correction", Msg: "empty for error status"}
		}
		return types.Diagnosis{Status: types.StatusError, Correction: correction}, nil
	default:
		return types.Diagnosis{}, &ParseError{Kind: ErrUnknownStatus, Field: "status", Msg: fmt.Sprintf("%q", status)}
	}
}

func stringField(fields map[string]json.RawMessage, name string) (string, error) {
	raw, ok := fields[name]
	if !ok || bytes.Equal(bytes.TrimSpace(raw), []byte("null")) {
		return "", missing(name)
	}
	var value string
	if err := json.Unmarshal(raw, &value); err != nil {
		return "", &ParseError{Kind: ErrMalformed, Field: name, Msg: "expected a string"}
	}
	return value, nil
}
