package tgui

import (
	"errors"
	"strings"
)

// MaxCallbackDataLen is Telegram's callback_data limit in bytes.
const MaxCallbackDataLen = 64

var ErrCallbackDataTooLong = errors.New("tgui: callback_data too long")

// Data formats callback data as "scope:action:payload".
func Data(scope, action, payload string) (string, error) {
	out := strings.TrimSpace(scope) + ":" + strings.TrimSpace(action)
	if payload != "" {
		out += ":" + payload
	}
	if len(out) > MaxCallbackDataLen {
		return "", ErrCallbackDataTooLong
	}
	return out, nil
}

// MustData is Data for inputs known to fit, such as numeric ids.
func MustData(scope, action, payload string) string {
	out, err := Data(scope, action, payload)
	if err != nil {
		panic(err)
	}
	return out
}
