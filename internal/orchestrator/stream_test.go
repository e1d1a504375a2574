package orchestrator

import (
	"strings"
	"testing"
)

func TestProseFilter(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   string
	}{
		{"plain", []string{"Hello ", "world."}, "Hello world."},
		{"card held back", []string{"The end.\n\n", "```json\n{\"title\":1}\n```"}, "The end.\n\n"},
		{"fence split across chunks", []string{"The end.`", "``json {}", "```"}, "The end."},
		{"backticks that are not a fence", []string{"a `b", "` c"}, "a `b` c"},
		{"trailing partial fence is flushed", []string{"odd ``"}, "odd ``"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f proseFilter
			var b strings.Builder
			for _, c := range tt.chunks {
				b.WriteString(f.push(c))
			}
			b.WriteString(f.flush())
			if b.String() != tt.want {
				t.Errorf("filtered = %q, want %q", b.String(), tt.want)
			}
		})
	}
}

func TestSceneStream(t *testing.T) {
	type rec struct {
		kind EventKind
		text string
	}
	var got []rec
	s := newSceneStream(3, func(k EventKind, data interface{}) {
		r := rec{kind: k}
		if c, ok := data.(SceneChunkData); ok {
			if c.SceneIndex != 3 {
				t.Errorf("chunk scene index = %d", c.SceneIndex)
			}
			r.text = c.Chunk
		}
		got = append(got, r)
	})

	s.content("<thi")
	s.content("nk>planning the scene</think>It was ")
	s.content("late.")
	s.close()

	var kinds []EventKind
	var text strings.Builder
	for _, r := range got {
		kinds = append(kinds, r.kind)
		text.WriteString(r.text)
	}
	if kinds[0] != EventThinkingStart || kinds[1] != EventThinkingEnd {
		t.Errorf("kinds = %v, want thinking_start, thinking_end first", kinds)
	}
	if text.String() != "It was late." {
		t.Errorf("prose = %q", text.String())
	}
	if strings.Contains(text.String(), "planning") {
		t.Error("reasoning leaked into prose chunks")
	}
}

func TestSceneStream_ClosesOpenThinking(t *testing.T) {
	var kinds []EventKind
	s := newSceneStream(0, func(k EventKind, _ interface{}) { kinds = append(kinds, k) })
	s.reasoning("hmm")
	s.reasoning("more")
	s.close()
	if len(kinds) != 2 || kinds[0] != EventThinkingStart || kinds[1] != EventThinkingEnd {
		t.Errorf("kinds = %v", kinds)
	}
}
