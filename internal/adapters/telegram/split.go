package telegram

import "strings"

const messageLimit = 4096

// SplitMessage делит текст на части не длиннее лимита Telegram.
// Части собираются из целых строк, поэтому ссылки выборки не разрываются.
// Строка длиннее лимита режется по рунам.
func SplitMessage(text string) []string {
	trimmed := strings.TrimSpace(text)
	if trimmed == "" {
		return nil
	}

	var (
		parts   []string
		current []rune
	)
	flush := func() {
		if chunk := strings.Trim(string(current), "\n"); chunk != "" {
			parts = append(parts, chunk)
		}
		current = current[:0]
	}

	for _, line := range strings.Split(trimmed, "\n") {
		runes := []rune(line)
		for len(runes) > messageLimit {
			flush()
			parts = append(parts, string(runes[:messageLimit]))
			runes = runes[messageLimit:]
		}
		need := len(runes)
		if len(current) > 0 {
			need++
		}
		if len(current)+need > messageLimit {
			flush()
		}
		if len(current) > 0 {
			current = append(current, '\n')
		}
		current = append(current, runes...)
	}
	flush()
	return parts
}
