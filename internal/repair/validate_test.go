package repair

import "testing"

func hasViolation(vs []Violation, typ ViolationType, path string) bool {
	for _, v := range vs {
		if v.Type == typ && v.Path == path {
			return true
		}
	}
	return false
}

func TestValidate(t *testing.T) {
	tests := []struct {
		name    string
		kind    PlanKind
		content string
		exp     Expectations
		want    []Violation
		count   int
	}{
		{
			name:    "valid scene",
			kind:    KindScenes,
			content: `[{"title":"A","summary":"s","beats":["b"],"orderIndex":0,"requiredEntities":["Mara"]}]`,
			exp:     Expectations{RequiredEntities: []string{"mara"}},
			count:   0,
		},
		{
			name:    "missing title and summary",
			kind:    KindScenes,
			content: `[{"beats":["b"]}]`,
			want: []Violation{
				{Type: MissingField, Path: "[0].title"},
				{Type: MissingField, Path: "[0].summary"},
			},
			count: 2,
		},
		{
			name:    "bad formats",
			kind:    KindScenes,
			content: `[{"title":"A","summary":"s","beats":"b","orderIndex":"1","requiredEntities":"x"}]`,
			want: []Violation{
				{Type: InvalidFormat, Path: "[0].beats"},
				{Type: InvalidFormat, Path: "[0].orderIndex"},
				{Type: InvalidFormat, Path: "[0].requiredEntities"},
			},
			count: 3,
		},
		{
			name:    "chapter needs entities and stakes",
			kind:    KindChapters,
			content: `{"title":"A","summary":"s","beats":["b"]}`,
			want: []Violation{
				{Type: MissingField, Path: "[0].requiredEntities"},
				{Type: MissingField, Path: "[0].stakesDelta"},
			},
			count: 2,
		},
		{
			name:    "empty beats",
			kind:    KindScenes,
			content: `[{"title":"A","summary":"s","beats":[]}]`,
			want:    []Violation{{Type: EmptyArray, Path: "[0].beats"}},
			count:   1,
		},
		{
			name:    "entity mentioned in a beat",
			kind:    KindScenes,
			content: `[{"title":"A","summary":"s","beats":["Ivo lies"]},{"title":"B","summary":"s","beats":["b"]}]`,
			exp:     Expectations{RequiredEntities: []string{"Ivo"}},
			count:   0,
		},
		{
			name:    "entity absent",
			kind:    KindScenes,
			content: `[{"title":"A","summary":"s","beats":["b"]}]`,
			exp:     Expectations{RequiredEntities: []string{"Ivo"}},
			want:    []Violation{{Type: Coherence, Path: "[0].requiredEntities"}},
			count:   1,
		},
		{
			name:    "non-object item",
			kind:    KindScenes,
			content: `["just text"]`,
			want:    []Violation{{Type: InvalidFormat, Path: "[0]"}},
			count:   1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := Validate(tt.kind, []byte(tt.content), tt.exp)
			if err != nil {
				t.Fatalf("Validate() error = %v", err)
			}
			if len(got) != tt.count {
				t.Errorf("len(violations) = %d, want %d: %+v", len(got), tt.count, got)
			}
			for _, w := range tt.want {
				if !hasViolation(got, w.Type, w.Path) {
					t.Errorf("missing %s at %s in %+v", w.Type, w.Path, got)
				}
			}
			for _, v := range got {
				if v.Type == Coherence && v.AutoFixable {
					t.Errorf("coherence violation marked auto-fixable: %+v", v)
				}
			}
		})
	}
}

func TestValidate_Malformed(t *testing.T) {
	if _, err := Validate(KindScenes, []byte(`{"title":`), Expectations{}); err == nil {
		t.Error("expected error for malformed JSON")
	}
}

func TestValidate_EmptyPlan(t *testing.T) {
	got, err := Validate(KindScenes, []byte(`[]`), Expectations{})
	if err != nil {
		t.Fatal(err)
	}
	if len(got) != 1 || got[0].Type != EmptyArray || got[0].AutoFixable {
		t.Errorf("Validate([]) = %+v", got)
	}
}

func TestParsePath(t *testing.T) {
	tests := []struct {
		path  string
		index int
		field string
		err   bool
	}{
		{"", -1, "", false},
		{"[2].title", 2, "title", false},
		{"[0]", 0, "", false},
		{"beats", -1, "beats", false},
		{"[x].title", 0, "", true},
		{"a.b", 0, "", true},
	}
	for _, tt := range tests {
		got, err := parsePath(tt.path)
		if (err != nil) != tt.err {
			t.Errorf("parsePath(%q) error = %v", tt.path, err)
			continue
		}
		if !tt.err && (got.index != tt.index || got.field != tt.field) {
			t.Errorf("parsePath(%q) = %+v", tt.path, got)
		}
	}
}
