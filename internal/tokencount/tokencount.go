// Package tokencount estimates token counts for usage accounting when the
// upstream response carries no usage block (streamed completions report
// nothing the proxy can read without parsing every event). Uses a
// character-based heuristic (~4 chars per token for English) which is
// sufficient for accounting. Can be replaced with a real tokenizer for
// exact counts if needed.
package tokencount

import "github.com/tidwall/gjson"

// messageOverhead is the per-message token overhead for role and formatting.
const messageOverhead = 4

// EstimateRequest estimates the input token count for a raw chat-completion
// request body. Handles both string content and content-block arrays.
func EstimateRequest(body []byte) int64 {
	var total int64

	if sys := gjson.GetBytes(body, "system"); sys.Exists() {
		total += estimateResult(sys)
	}

	gjson.GetBytes(body, "messages").ForEach(func(_, m gjson.Result) bool {
		total += messageOverhead
		total += estimateTokens(m.Get("role").String())
		total += estimateResult(m.Get("content"))
		if tools := m.Get("tool_calls"); tools.Exists() {
			total += estimateTokens(tools.Raw)
		}
		return true
	})

	total += 3 // every reply is primed with an assistant turn
	return max(total, 1)
}

// estimateResult handles the two content shapes: a plain string or an array
// of typed blocks with text fields.
func estimateResult(content gjson.Result) int64 {
	if content.IsArray() {
		var total int64
		content.ForEach(func(_, block gjson.Result) bool {
			if text := block.Get("text"); text.Exists() {
				total += estimateTokens(text.String())
			} else {
				total += estimateTokens(block.Raw)
			}
			return true
		})
		return total
	}
	return estimateTokens(content.String())
}

// estimateTokens uses the ~4 characters per token heuristic. A reasonable
// approximation for English text across tokenizer families.
func estimateTokens(s string) int64 {
	if len(s) == 0 {
		return 0
	}
	return int64(len(s)+3) / 4
}
