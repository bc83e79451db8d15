package router

import (
	"context"
	"regexp"
	"strings"

	kit "remindbot/internal/transport"
)

var reMenuCommand = regexp.MustCompile(`^[a-z0-9_]{1,32}$`)

// sanitizeTelegramCommand lowercases name and reports whether Telegram
// accepts it as a menu entry.
func sanitizeTelegramCommand(name string) (string, bool) {
	name = strings.ToLower(strings.TrimSpace(strings.TrimPrefix(name, "/")))
	return name, reMenuCommand.MatchString(name)
}

// MenuCommands lists the commands shown in the client menu. Owner-only
// commands stay out of it.
func (r *Router) MenuCommands() []kit.BotCommand {
	var out []kit.BotCommand
	for _, c := range r.commands() {
		if c.Access != AccessEveryone {
			continue
		}
		name, ok := sanitizeTelegramCommand(c.Name)
		if !ok {
			continue
		}
		out = append(out, kit.BotCommand{Command: name, Description: c.Description})
	}
	return out
}

// SyncMenu pushes MenuCommands to the adapter when it supports menus.
func (r *Router) SyncMenu(ctx context.Context) error {
	up, ok := r.adapter.(kit.CommandMenuUpdater)
	if !ok {
		return nil
	}
	return up.UpdateMenuCommands(ctx, r.MenuCommands())
}
