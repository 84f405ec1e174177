package reply

import (
	"strings"
	"unicode"

	"github.com/nextlevelbuilder/goclaw-channeltalk/internal/config"
)

const (
	fenceMarker = "```"
	fenceClose  = "\n```"
	// Below this limit fences are split like plain text.
	minFenceLimit = 32
)

// ResolveTextChunkLimit returns the outbound text limit for a channel.
func ResolveTextChunkLimit(cfg *config.Config, channel string) int {
	if channel == "channel-talk" {
		if n := cfg.ChannelTalk().TextChunkLimit; n > 0 {
			return n
		}
	}
	return config.DefaultTextChunkLimit
}

// ChunkMarkdownText splits text into chunks of at most limit runes,
// preferring paragraph, then line, then word boundaries past half the
// limit. A chunk that would end inside a ``` fence is closed and the
// fence is reopened at the start of the next chunk.
func ChunkMarkdownText(text string, limit int) []string {
	if limit <= 0 {
		limit = config.DefaultTextChunkLimit
	}
	if strings.TrimSpace(text) == "" {
		return nil
	}

	var chunks []string
	rest := []rune(strings.TrimRight(text, " \t\r\n"))
	for len(rest) > limit {
		cut := breakPoint(rest, limit)
		chunk := trimRight(rest[:cut])
		next := trimLeadingNewlines(rest[cut:])

		if limit >= minFenceLimit {
			if _, open := openFence(chunk); open {
				cut = breakPoint(rest, limit-len(fenceClose))
				chunk = trimRight(rest[:cut])
				next = trimLeadingNewlines(rest[cut:])
				if opener, stillOpen := openFence(chunk); stillOpen {
					chunk += fenceClose
					if len([]rune(opener)) < limit/4 {
						next = append([]rune(opener+"\n"), next...)
					}
				}
			}
		}

		if strings.TrimSpace(chunk) != "" {
			chunks = append(chunks, chunk)
		}
		rest = next
	}
	if last := string(rest); strings.TrimSpace(last) != "" {
		chunks = append(chunks, last)
	}
	return chunks
}

// breakPoint returns the number of runes to take from r (len(r) > limit).
func breakPoint(r []rune, limit int) int {
	half := limit / 2

	// Paragraph break
	for i := limit - 1; i > half; i-- {
		if r[i] == '\n' && r[i-1] == '\n' {
			return i + 1
		}
	}
	// Line break
	for i := limit - 1; i > half; i-- {
		if r[i] == '\n' {
			return i + 1
		}
	}
	// Word break; the rune right after the window counts too.
	if unicode.IsSpace(r[limit]) {
		return limit
	}
	for i := limit - 1; i > half; i-- {
		if unicode.IsSpace(r[i]) {
			return i + 1
		}
	}
	return limit
}

// openFence reports whether s ends inside a code fence, and the line that opened it.
func openFence(s string) (string, bool) {
	opener := ""
	inside := false
	for _, line := range strings.Split(s, "\n") {
		trimmed := strings.TrimSpace(line)
		if !strings.HasPrefix(trimmed, fenceMarker) {
			continue
		}
		if inside {
			inside = false
			opener = ""
		} else {
			inside = true
			opener = trimmed
		}
	}
	return opener, inside
}

func trimRight(r []rune) string {
	return strings.TrimRight(string(r), " \t\r\n")
}

func trimLeadingNewlines(r []rune) []rune {
	i := 0
	for i < len(r) && (r[i] == '\n' || r[i] == '\r') {
		i++
	}
	return r[i:]
}
