package tgui

import (
	"strconv"
	"strings"
)

// MaxCallbackData is Telegram's limit on callback_data bytes.
const MaxCallbackData = 64

// Data formats callback data as "scope:action:id".
func Data(scope, action string, id int64) string {
	return strings.TrimSpace(scope) + ":" + strings.TrimSpace(action) + ":" + strconv.FormatInt(id, 10)
}

// ParseData splits callback data built by Data. ok is false for foreign or
// malformed payloads.
func ParseData(raw string) (scope, action string, id int64, ok bool) {
	// telebot prefixes unique-less callbacks with \f.
	raw = strings.TrimPrefix(strings.TrimSpace(raw), "\f")
	parts := strings.SplitN(raw, ":", 3)
	if len(parts) != 3 || parts[0] == "" || parts[1] == "" {
		return "", "", 0, false
	}
	n, err := strconv.ParseInt(parts[2], 10, 64)
	if err != nil || n <= 0 {
		return "", "", 0, false
	}
	return parts[0], parts[1], n, true
}
