// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package slackfmt

import "strings"

// emojiByName maps Slack emoji short names to unicode. Slack reaction events
// carry only the short name; Matrix reactions carry the rendered character.
// This covers the common reaction set; unknown names fall through as
// :name: text.
var emojiByName = map[string]string{
	"+1":                    "👍",
	"thumbsup":              "👍",
	"-1":                    "👎",
	"thumbsdown":            "👎",
	"smile":                 "😄",
	"simple_smile":          "🙂",
	"slightly_smiling_face": "🙂",
	"grinning":              "😀",
	"grin":                  "😁",
	"laughing":              "😆",
	"joy":                   "😂",
	"rolling_on_the_floor_laughing": "🤣",
	"wink":                  "😉",
	"blush":                 "😊",
	"heart":                 "❤️",
	"heart_eyes":            "😍",
	"broken_heart":          "💔",
	"cry":                   "😢",
	"sob":                   "😭",
	"angry":                 "😠",
	"rage":                  "😡",
	"thinking_face":         "🤔",
	"scream":                "😱",
	"open_mouth":            "😮",
	"astonished":            "😲",
	"neutral_face":          "😐",
	"expressionless":        "😑",
	"confused":              "😕",
	"upside_down_face":      "🙃",
	"face_with_rolling_eyes": "🙄",
	"sweat_smile":           "😅",
	"sunglasses":            "😎",
	"zany_face":             "🤪",
	"tada":                  "🎉",
	"confetti_ball":         "🎊",
	"clap":                  "👏",
	"raised_hands":          "🙌",
	"pray":                  "🙏",
	"wave":                  "👋",
	"ok_hand":               "👌",
	"muscle":                "💪",
	"point_up":              "☝️",
	"eyes":                  "👀",
	"fire":                  "🔥",
	"rocket":                "🚀",
	"star":                  "⭐",
	"sparkles":              "✨",
	"100":                   "💯",
	"check":                 "✅",
	"white_check_mark":      "✅",
	"heavy_check_mark":      "✔️",
	"x":                     "❌",
	"warning":               "⚠️",
	"question":              "❓",
	"exclamation":           "❗",
	"bulb":                  "💡",
	"bell":                  "🔔",
	"zzz":                   "💤",
	"wave_dash":             "〰️",
	"bug":                   "🐛",
	"beetle":                "🐞",
	"ship":                  "🚢",
	"shipit":                "🐿️",
	"coffee":                "☕",
	"beers":                 "🍻",
	"pizza":                 "🍕",
	"cake":                  "🍰",
	"gift":                  "🎁",
}

// emojiToName is the reverse index, built once at init. Where several names
// share a character the first registration wins, which keeps the canonical
// short names stable.
var emojiToName = func() map[string]string {
	m := make(map[string]string, len(emojiByName))
	for name, unicode := range emojiByName {
		if _, ok := m[unicode]; !ok {
			m[unicode] = name
		}
	}
	// Canonical names for characters with aliases.
	m["👍"] = "+1"
	m["👎"] = "-1"
	m["✅"] = "white_check_mark"
	m["🙂"] = "slightly_smiling_face"
	return m
}()

// EmojiToUnicode converts a Slack emoji short name to the unicode character
// for a Matrix reaction key. Skin tone suffixes are stripped; unknown names
// render as :name:.
func EmojiToUnicode(name string) string {
	base := name
	if idx := strings.Index(base, "::skin-tone-"); idx >= 0 {
		base = base[:idx]
	}
	if unicode, ok := emojiByName[base]; ok {
		return unicode
	}
	return ":" + name + ":"
}

// UnicodeToEmoji converts a Matrix reaction key back to a Slack short name.
// Variation selectors are tolerated; a :name: round trip is unwrapped; other
// unknown keys pass through unchanged and let the Slack API reject them.
func UnicodeToEmoji(key string) string {
	if name, ok := emojiToName[key]; ok {
		return name
	}
	trimmed := strings.TrimSuffix(key, "\ufe0f")
	if name, ok := emojiToName[trimmed]; ok {
		return name
	}
	if len(key) > 2 && strings.HasPrefix(key, ":") && strings.HasSuffix(key, ":") {
		return strings.Trim(key, ":")
	}
	return key
}
