// Package tgui holds the Telegram HTML and inline-keyboard helpers used to
// render reminders and command replies.
package tgui
