// Package tgui holds small Telegram UI helpers: inline keyboards, callback
// data ("scope:action:payload"), HTML-safe text and a message builder with
// HTML parse mode on by default.
package tgui
