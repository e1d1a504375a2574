package orchestrator

import (
	"strings"

	"github.com/lamim/chapterforge/internal/util"
)

const fence = "```"

// proseFilter decides which streamed answer text is forwarded to clients.
// Everything from the first code fence on is the scene card and is held
// back; a trailing partial fence is buffered until it can be decided.
type proseFilter struct {
	pending string
	fenced  bool
}

func (f *proseFilter) push(text string) string {
	if f.fenced {
		return ""
	}
	s := f.pending + text
	f.pending = ""
	if i := strings.Index(s, fence); i >= 0 {
		f.fenced = true
		return s[:i]
	}
	// Hold back a suffix that could be the start of a fence
	for n := len(fence) - 1; n > 0; n-- {
		if strings.HasSuffix(s, fence[:n]) {
			f.pending = s[len(s)-n:]
			return s[:len(s)-n]
		}
	}
	return s
}

func (f *proseFilter) flush() string {
	out := f.pending
	f.pending = ""
	if f.fenced {
		return ""
	}
	return out
}

// sceneStream turns model deltas into ordered session events: thinking
// markers around reasoning and prose chunks for the answer
type sceneStream struct {
	index    int
	emit     func(EventKind, interface{})
	think    util.ThinkSplitter
	prose    proseFilter
	thinking bool
}

func newSceneStream(index int, emit func(EventKind, interface{})) *sceneStream {
	return &sceneStream{index: index, emit: emit}
}

func (s *sceneStream) reasoning(text string) {
	if text == "" {
		return
	}
	s.setThinking(true)
}

func (s *sceneStream) content(text string) {
	for _, seg := range s.think.Push(text) {
		s.segment(seg)
	}
}

func (s *sceneStream) segment(seg util.ThinkSegment) {
	if seg.Thinking {
		s.setThinking(true)
		return
	}
	if seg.Text == "" {
		return
	}
	out := s.prose.push(seg.Text)
	if out == "" {
		return
	}
	s.setThinking(false)
	s.emit(EventSceneChunk, SceneChunkData{SceneIndex: s.index, Chunk: out})
}

func (s *sceneStream) close() {
	for _, seg := range s.think.Flush() {
		s.segment(seg)
	}
	if out := s.prose.flush(); out != "" {
		s.setThinking(false)
		s.emit(EventSceneChunk, SceneChunkData{SceneIndex: s.index, Chunk: out})
	}
	s.setThinking(false)
}

func (s *sceneStream) setThinking(on bool) {
	if on == s.thinking {
		return
	}
	s.thinking = on
	if on {
		s.emit(EventThinkingStart, ThinkingData{SceneIndex: s.index})
	} else {
		s.emit(EventThinkingEnd, ThinkingData{SceneIndex: s.index})
	}
}
