package tgui

import (
	tele "gopkg.in/telebot.v4"
)

// Inline accumulates rows of an inline keyboard.
type Inline struct {
	rm   *tele.ReplyMarkup
	rows []tele.Row
}

func NewInline() *Inline { return &Inline{rm: &tele.ReplyMarkup{}} }

func (i *Inline) Row(btn ...tele.Btn) *Inline {
	if len(btn) == 0 {
		return i
	}
	i.rows = append(i.rows, i.rm.Row(btn...))
	i.rm.Inline(i.rows...)
	return i
}

// Markup returns nil when no row was added so callers can pass it straight
// to Send options.
func (i *Inline) Markup() *tele.ReplyMarkup {
	if len(i.rows) == 0 {
		return nil
	}
	return i.rm
}

// Btn is a callback button; data is sent as-is.
func Btn(text, data string) tele.Btn { return tele.Btn{Text: text, Data: data} }
