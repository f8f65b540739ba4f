package llm

// EstimateTokens approximates the token count of s without a tokenizer:
// one token per four characters. Good enough for budget enforcement;
// actual counts come back in Usage.
func EstimateTokens(s string) int {
	return (len(s) + 3) / 4
}

// MessageOverheadTokens is the per-message framing cost added on top of
// content when budgeting a multi-message prompt.
const MessageOverheadTokens = 10
