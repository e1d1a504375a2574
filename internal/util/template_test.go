package util

import (
	"strings"
	"testing"
)

func TestRenderTemplate_Basic(t *testing.T) {
	tmpl := "Hello {{.Name}}, you are {{.Age}} years old."
	data := map[string]interface{}{
		"Name": "Alice",
		"Age":  30,
	}

	result, err := RenderTemplate(tmpl, data)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	expected := "Hello Alice, you are 30 years old."
	if result != expected {
		t.Errorf("Expected '%s', got '%s'", expected, result)
	}
}

func TestRenderTemplate_ComplexData(t *testing.T) {
	tmpl := "Chapter: {{.ChapterTitle}}\n{{range .Beats}}- {{.}}\n{{end}}Write {{.TargetWords}} words."
	data := map[string]interface{}{
		"ChapterTitle": "The Salt Road",
		"Beats":        []string{"Mara leaves the harbor", "The caravan is ambushed"},
		"TargetWords":  800,
	}

	result, err := RenderTemplate(tmpl, data)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if !strings.Contains(result, "The Salt Road") {
		t.Errorf("Result should contain the chapter title: %s", result)
	}
	if !strings.Contains(result, "- The caravan is ambushed\n") {
		t.Errorf("Result should list every beat: %s", result)
	}
	if !strings.Contains(result, "800 words") {
		t.Errorf("Result should contain '800 words': %s", result)
	}
}

func TestRenderTemplate_InvalidTemplate(t *testing.T) {
	tmpl := "Hello {{.Name" // Missing closing braces
	data := map[string]interface{}{
		"Name": "Alice",
	}

	_, err := RenderTemplate(tmpl, data)
	if err == nil {
		t.Error("Expected error for invalid template, got nil")
	}
}

func TestRenderTemplate_MissingData(t *testing.T) {
	tmpl := "Hello {{.Name}}"
	data := map[string]interface{}{} // Empty data

	// missingkey=error turns a missing key into an error instead of "<no value>"
	if _, err := RenderTemplate(tmpl, data); err == nil {
		t.Error("Expected error for missing key, got nil")
	}
}

func TestRenderTemplate_EmptyTemplate(t *testing.T) {
	tmpl := ""
	data := map[string]interface{}{"Name": "Alice"}

	result, err := RenderTemplate(tmpl, data)
	if err != nil {
		t.Fatalf("Expected no error, got: %v", err)
	}

	if result != "" {
		t.Errorf("Expected empty result, got '%s'", result)
	}
}

func TestTruncateWords(t *testing.T) {
	if got := TruncateWords("one two three four", 10); got != "one two three four" {
		t.Errorf("TruncateWords() short input changed: %q", got)
	}
	if got := TruncateWords("one two three four", 2); got != "...three four" {
		t.Errorf("TruncateWords() = %q, want tail", got)
	}
	if got := CountWords("  a b\n c  "); got != 3 {
		t.Errorf("CountWords() = %d, want 3", got)
	}
}
