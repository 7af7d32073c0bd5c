package tgui

import tele "gopkg.in/telebot.v4"

// ConfirmInline builds a two-button keyboard (approve/return and the like).
func ConfirmInline(yes, no tele.Btn) *Inline {
	return NewInline().Row(yes, no)
}
