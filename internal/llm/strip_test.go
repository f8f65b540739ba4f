package llm

import (
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestStripThinking(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{"no tags", "plain answer", "plain answer"},
		{"single region", "<think>hmm</think>answer", "answer"},
		{"thinking variant", "<thinking>hmm</thinking>answer", "answer"},
		{"multiline region", "<think>line one\nline two</think>\nanswer", "answer"},
		{"multiple regions", "<think>a</think>x<think>b</think>y", "xy"},
		{"unterminated left alone", "<think>never closed", "<think>never closed"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, StripThinking(tt.in))
		})
	}
}

func TestThinkStripperSplitAcrossChunks(t *testing.T) {
	s := NewThinkStripper()

	// Tag split mid-token across three chunks.
	out := s.Feed("before<thi")
	out += s.Feed("nk>hidden reasoning</th")
	out += s.Feed("ink>after")
	out += s.Flush()

	assert.Equal(t, "beforeafter", out)
}

func TestThinkStripperCharByChar(t *testing.T) {
	s := NewThinkStripper()
	input := "a<think>xyz</think>b"
	var out string
	for _, r := range input {
		out += s.Feed(string(r))
	}
	out += s.Flush()
	assert.Equal(t, "ab", out)
}

func TestThinkStripperUnterminatedDropsTail(t *testing.T) {
	s := NewThinkStripper()
	out := s.Feed("visible<think>secret")
	out += s.Flush()
	assert.Equal(t, "visible", out)
}

func TestThinkStripperFalsePartial(t *testing.T) {
	s := NewThinkStripper()
	// "<thi" looks like a partial tag but is followed by ordinary text.
	out := s.Feed("x<thi")
	out += s.Feed("rd>y")
	out += s.Flush()
	assert.Equal(t, "x<third>y", out)
}
