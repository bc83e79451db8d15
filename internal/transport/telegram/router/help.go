package router

import (
	"strings"

	"remindbot/pkg/tgui"
)

const timeHelp = `Time formats:
  in 30 minutes · in 2 hours · через 15 минут
  tomorrow at 9:00 · today 18:30 · завтра в 10:00
  friday 14:00 · 24.12 at 18:00 · 2025-12-31 23:59
  now · soon · later · tonight · tomorrow morning`

const repeatHelp = `Flags for /remind:
  --repeat=daily|weekly|monthly|yearly|90m|01:30
  --until=2025-12-31  --category=work  --priority=high`

func (r *Router) helpText(owner bool) string {
	var b strings.Builder
	b.WriteString(tgui.B("Commands").String())
	b.WriteString("\n")
	for _, c := range r.commands() {
		if c.Access == AccessOwnerOnly && !owner {
			continue
		}
		b.WriteString("\n/")
		b.WriteString(c.Name)
		if c.Usage != "" {
			b.WriteString(" ")
			b.WriteString(tgui.Esc(c.Usage).String())
		}
		if c.Description != "" {
			b.WriteString(" · ")
			b.WriteString(tgui.Esc(c.Description).String())
		}
	}
	b.WriteString("\n\n")
	b.WriteString(tgui.Pre(timeHelp).String())
	b.WriteString("\n")
	b.WriteString(tgui.Pre(repeatHelp).String())
	return b.String()
}
