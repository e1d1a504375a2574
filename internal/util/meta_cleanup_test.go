package util

import "testing"

func TestCleanMetaFromLLMResponse(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{
			name: "plain prose untouched",
			in:   "Mara counted the lanterns along the quay.",
			want: "Mara counted the lanterns along the quay.",
		},
		{
			name: "preamble and signoff",
			in:   "Here is the scene you asked for:\n\nRain fell on the harbor.\n\nLet me know if you want another draft.",
			want: "Rain fell on the harbor.",
		},
		{
			name: "word count footer",
			in:   "The gate closed behind her.\n\n(Word count: 812)",
			want: "The gate closed behind her.",
		},
		{
			name: "colon line that is not a preamble",
			in:   "She read the sign aloud:\nNo ships after dusk.",
			want: "She read the sign aloud:\nNo ships after dusk.",
		},
		{
			name: "only meta keeps the text",
			in:   "Would you like me to continue?",
			want: "Would you like me to continue?",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := CleanMetaFromLLMResponse(tt.in); got != tt.want {
				t.Errorf("CleanMetaFromLLMResponse() = %q, want %q", got, tt.want)
			}
		})
	}
}
