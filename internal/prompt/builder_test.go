package prompt

import (
	"strings"
	"testing"

	"poseidon-go/internal/types"
)

func TestBuild(t *testing.T) {
	req := NewBuilder("").Build(types.FeatureSet{KneeWidth: 10, HipWidth: 20, HipVerticalPosition: 55.5, SourceFrameSeq: 3})

	if req.Model != DefaultModel {
		t.Fatalf("unexpected model: %q", req.Model)
	}
	if !req.JSONMode {
		t.Fatal("json mode must be enabled")
	}
	want := "KneeWidth: 10.00\nHipWidth: 20.00\nLeftHipY: 55.50"
	if req.User != want {
		t.Fatalf("unexpected user content:\n%s\nwant:\n%s", req.User, want)
	}
	if req.System != SystemPrompt {
		t.Fatal("system prompt must be the fixed rule text")
	}
}

func TestSystemPromptCarriesRulesAndSchema(t *testing.T) {
	for _, fragment := range []string{
		"HipWidth - KneeWidth > 5",
		`"status"`,
		`"correction"`,
		`"error"`,
		`"good"`,
		"JSON only",
	} {
		if !strings.Contains(SystemPrompt, fragment) {
			t.Errorf("system prompt is missing %q", fragment)
		}
	}
}

func TestBuildKeepsConfiguredModel(t *testing.T) {
	req := NewBuilder("local-llama").Build(types.FeatureSet{})
	if req.Model != "local-llama" {
		t.Fatalf("unexpected model: %q", req.Model)
	}
}
