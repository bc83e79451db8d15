package router

import (
	"regexp"
	"strconv"
	"strings"

	"github.com/google/uuid"
)

// newReqID returns a short request id for log correlation.
func newReqID() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
}

// splitCommand separates "/remind@bot rest of text" into ("remind", "rest
// of text"). ok is false when text is not a command.
func splitCommand(text string) (name, rest string, ok bool) {
	text = strings.TrimSpace(text)
	if !strings.HasPrefix(text, "/") || len(text) < 2 {
		return "", "", false
	}
	word := text[1:]
	if i := strings.IndexAny(word, " \t\n"); i >= 0 {
		rest = strings.TrimSpace(word[i+1:])
		word = word[:i]
	}
	if i := strings.IndexByte(word, '@'); i >= 0 {
		word = word[:i]
	}
	return strings.ToLower(word), rest, word != ""
}

var reFlag = regexp.MustCompile(`(?:^|\s)--([a-z_]+)=(\S+)`)

// extractFlags pulls --key=value pairs out of free text and returns the
// remaining text with the flags removed.
func extractFlags(text string) (string, map[string]string) {
	flags := map[string]string{}
	for _, m := range reFlag.FindAllStringSubmatch(text, -1) {
		flags[m[1]] = m[2]
	}
	rest := reFlag.ReplaceAllString(text, " ")
	return strings.Join(strings.Fields(rest), " "), flags
}

// splitPipes splits "a | b | c" into trimmed parts, keeping at most n.
// The last part keeps any further separators.
func splitPipes(text string, n int) []string {
	parts := strings.SplitN(text, "|", n)
	for i := range parts {
		parts[i] = strings.TrimSpace(parts[i])
	}
	return parts
}

func parseID(raw string) (int64, bool) {
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "#")
	id, err := strconv.ParseInt(raw, 10, 64)
	if err != nil || id <= 0 {
		return 0, false
	}
	return id, true
}
