// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package matrixfmt converts Matrix HTML to Slack mrkdwn.
package matrixfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"

	"maunium.net/go/mautrix/event"
)

var (
	strongRe     = regexp.MustCompile(`<strong>(.*?)</strong>`)
	bRe          = regexp.MustCompile(`<b>(.*?)</b>`)
	emRe         = regexp.MustCompile(`<em>(.*?)</em>`)
	iRe          = regexp.MustCompile(`<i>(.*?)</i>`)
	delRe        = regexp.MustCompile(`<del>(.*?)</del>`)
	codeRe       = regexp.MustCompile(`<code>(.*?)</code>`)
	preRe        = regexp.MustCompile(`(?s)<pre><code(?: class="[^"]*")?>(.*?)</code></pre>`)
	pillRe       = regexp.MustCompile(`<a href="https://matrix\.to/#/[^"]+"[^>]*>(.*?)</a>`)
	linkRe       = regexp.MustCompile(`<a href="([^"]+)"[^>]*>(.*?)</a>`)
	brRe         = regexp.MustCompile(`<br\s*/?>`)
	blockquoteRe = regexp.MustCompile(`(?s)<blockquote>(.*?)</blockquote>`)
	headingRe    = regexp.MustCompile(`<h[1-6]>(.*?)</h[1-6]>`)
	ulRe         = regexp.MustCompile(`(?s)<ul>(.*?)</ul>`)
	olRe         = regexp.MustCompile(`(?s)<ol>(.*?)</ol>`)
	liRe         = regexp.MustCompile(`<li>(.*?)</li>`)
	pRe          = regexp.MustCompile(`(?s)<p>(.*?)</p>`)
	tagRe        = regexp.MustCompile(`<[^>]+>`)
)

// Parse converts Matrix message content to Slack mrkdwn.
func Parse(content *event.MessageEventContent) string {
	if content == nil {
		return ""
	}

	if content.Format != event.FormatHTML || content.FormattedBody == "" {
		return escapeMrkdwn(content.Body)
	}

	text := content.FormattedBody

	// Code blocks first, so their content survives untouched.
	text = preRe.ReplaceAllString(text, "```\n$1\n```")
	text = codeRe.ReplaceAllString(text, "`$1`")

	// Inline formatting. Slack uses single markers.
	text = strongRe.ReplaceAllString(text, "*$1*")
	text = bRe.ReplaceAllString(text, "*$1*")
	text = emRe.ReplaceAllString(text, "_${1}_")
	text = iRe.ReplaceAllString(text, "_${1}_")
	text = delRe.ReplaceAllString(text, "~$1~")

	// Mention pills cannot be resolved back to Slack users here, so they
	// degrade to their display text. Ordinary links become Slack's
	// <url|label> form.
	text = pillRe.ReplaceAllString(text, "$1")
	text = linkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		href, label := parts[1], parts[2]
		if label == href || label == "" {
			return "<" + href + ">"
		}
		return "<" + href + "|" + label + ">"
	})

	// Slack has no headings; bold is the closest rendering.
	text = headingRe.ReplaceAllString(text, "*$1*")

	// Line breaks before block handling, so quoted lines split correctly.
	text = brRe.ReplaceAllString(text, "\n")

	text = blockquoteRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := blockquoteRe.FindStringSubmatch(match)
		lines := strings.Split(strings.TrimSpace(parts[1]), "\n")
		for i, line := range lines {
			lines[i] = "> " + strings.TrimSpace(line)
		}
		return strings.Join(lines, "\n")
	})

	text = ulRe.ReplaceAllStringFunc(text, func(match string) string {
		items := liRe.FindAllStringSubmatch(match, -1)
		var result []string
		for _, item := range items {
			result = append(result, "• "+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n")
	})

	text = olRe.ReplaceAllStringFunc(text, func(match string) string {
		items := liRe.FindAllStringSubmatch(match, -1)
		var result []string
		for i, item := range items {
			result = append(result, strconv.Itoa(i+1)+". "+strings.TrimSpace(item[1]))
		}
		return strings.Join(result, "\n")
	})

	// Paragraphs.
	text = pRe.ReplaceAllString(text, "$1\n\n")

	// Strip anything unhandled.
	text = tagRe.ReplaceAllString(text, "")

	text = html.UnescapeString(text)

	return strings.TrimSpace(text)
}

// escapeMrkdwn escapes the characters Slack treats as markup control in the
// message payload.
func escapeMrkdwn(text string) string {
	return strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;").Replace(text)
}
