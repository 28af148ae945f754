package flow

import "strings"

const replyLogLimit = 256

func truncateForLog(text string) string {
	trimmed := strings.TrimSpace(text)
	if len(trimmed) > replyLogLimit {
		return trimmed[:replyLogLimit] + "...(truncated)"
	}
	return trimmed
}
