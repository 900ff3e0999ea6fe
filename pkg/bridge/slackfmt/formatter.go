// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

// Package slackfmt converts Slack mrkdwn to Matrix HTML.
package slackfmt

import (
	"html"
	"regexp"
	"strconv"
	"strings"
)

// MentionResolver maps a Slack user ID to a display name and the Matrix user
// ID to pill-link, typically the user's ghost.
type MentionResolver func(slackUserID string) (displayName, mxid string)

// ParsedMessage holds the result of converting Slack mrkdwn to Matrix format.
type ParsedMessage struct {
	Body          string
	FormattedBody string
}

var (
	boldRe      = regexp.MustCompile(`\*([^*\n]+)\*`)
	italicRe    = regexp.MustCompile(`(^|\s)_([^_\n]+)_($|\s|[.,!?])`)
	strikeRe    = regexp.MustCompile(`~([^~\n]+)~`)
	codeRe      = regexp.MustCompile("`([^`\n]+)`")
	codeBlockRe = regexp.MustCompile("(?s)```\\n?(.*?)```")
	quoteRe     = regexp.MustCompile(`(?m)^&gt;\s?(.+)$`)

	// Slack angle-bracket tokens: user mentions, channel references,
	// special commands and links, in their escaped-HTML form.
	userMentionRe = regexp.MustCompile(`&lt;@([A-Z0-9]+)(?:\|[^&]*)?&gt;`)
	channelRefRe  = regexp.MustCompile(`&lt;#[A-Z0-9]+\|([^&]*)&gt;`)
	commandRe     = regexp.MustCompile(`&lt;!([a-z]+)(?:\|([^&]*))?&gt;`)
	linkRe        = regexp.MustCompile(`&lt;(https?://[^|&]+)(?:\|([^&]*))?&gt;`)

	// The same tokens on raw text, for plain-body rewriting.
	rawUserMentionRe = regexp.MustCompile(`<@([A-Z0-9]+)(?:\|[^>]*)?>`)
	rawChannelRefRe  = regexp.MustCompile(`<#[A-Z0-9]+\|([^>]*)>`)
	rawCommandRe     = regexp.MustCompile(`<!([a-z]+)(?:\|([^>]*))?>`)
	rawLinkRe        = regexp.MustCompile(`<(https?://[^|>]+)(?:\|([^>]*))?>`)
)

// Parse converts one Slack mrkdwn message to Matrix event content. The
// resolver is consulted for every <@U…> mention; a nil resolver renders
// mentions as bare user IDs.
func Parse(text string, resolver MentionResolver) *ParsedMessage {
	if text == "" {
		return &ParsedMessage{}
	}

	// Slack escapes &, < and > on the wire; everything else is literal.
	unescaped := strings.NewReplacer("&amp;", "&", "&lt;", "<", "&gt;", ">").Replace(text)

	body := plainBody(unescaped, resolver)

	hasFormatting := boldRe.MatchString(unescaped) ||
		italicRe.MatchString(unescaped) ||
		strikeRe.MatchString(unescaped) ||
		codeRe.MatchString(unescaped) ||
		codeBlockRe.MatchString(unescaped) ||
		rawUserMentionRe.MatchString(unescaped) ||
		rawChannelRefRe.MatchString(unescaped) ||
		rawCommandRe.MatchString(unescaped) ||
		rawLinkRe.MatchString(unescaped) ||
		strings.HasPrefix(unescaped, ">")

	if !hasFormatting {
		return &ParsedMessage{Body: body}
	}

	formatted := html.EscapeString(unescaped)

	// Step 1: extract code blocks into placeholders so nothing inside them
	// is treated as markup.
	var codeBlocks []string
	formatted = codeBlockRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := codeBlockRe.FindStringSubmatch(match)
		idx := len(codeBlocks)
		codeBlocks = append(codeBlocks, parts[1])
		return "\x00CODEBLOCK" + strconv.Itoa(idx) + "\x00"
	})

	// Step 2: angle-bracket tokens.
	formatted = userMentionRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := userMentionRe.FindStringSubmatch(match)
		name, mxid := resolveMention(parts[1], resolver)
		if mxid == "" {
			return html.EscapeString(name)
		}
		return `<a href="https://matrix.to/#/` + mxid + `">` + html.EscapeString(name) + `</a>`
	})
	formatted = channelRefRe.ReplaceAllString(formatted, "#$1")
	formatted = commandRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := commandRe.FindStringSubmatch(match)
		if parts[2] != "" {
			return "@" + parts[2]
		}
		return "@" + parts[1]
	})
	formatted = linkRe.ReplaceAllStringFunc(formatted, func(match string) string {
		parts := linkRe.FindStringSubmatch(match)
		href, label := parts[1], parts[2]
		if label == "" {
			label = href
		}
		return `<a href="` + href + `">` + label + `</a>`
	})

	// Step 3: block quotes (line-based, on the escaped text).
	formatted = quoteRe.ReplaceAllString(formatted, "<blockquote>$1</blockquote>")

	// Step 4: inline formatting.
	formatted = codeRe.ReplaceAllString(formatted, "<code>$1</code>")
	formatted = boldRe.ReplaceAllString(formatted, "<strong>$1</strong>")
	formatted = italicRe.ReplaceAllString(formatted, "$1<em>$2</em>$3")
	formatted = strikeRe.ReplaceAllString(formatted, "<del>$1</del>")

	// Step 5: restore code blocks.
	for i, content := range codeBlocks {
		placeholder := "\x00CODEBLOCK" + strconv.Itoa(i) + "\x00"
		formatted = strings.Replace(formatted, placeholder, "<pre><code>"+content+"</code></pre>", 1)
	}

	// Step 6: line breaks.
	formatted = strings.ReplaceAll(formatted, "\n", "<br/>")

	return &ParsedMessage{
		Body:          body,
		FormattedBody: formatted,
	}
}

// plainBody rewrites Slack tokens into readable plain text for the
// unformatted body.
func plainBody(text string, resolver MentionResolver) string {
	text = rawUserMentionRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := rawUserMentionRe.FindStringSubmatch(match)
		name, _ := resolveMention(parts[1], resolver)
		return name
	})
	text = rawChannelRefRe.ReplaceAllString(text, "#$1")
	text = rawCommandRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := rawCommandRe.FindStringSubmatch(match)
		if parts[2] != "" {
			return "@" + parts[2]
		}
		return "@" + parts[1]
	})
	text = rawLinkRe.ReplaceAllStringFunc(text, func(match string) string {
		parts := rawLinkRe.FindStringSubmatch(match)
		if parts[2] != "" {
			return parts[2] + " (" + parts[1] + ")"
		}
		return parts[1]
	})
	return text
}

func resolveMention(slackUserID string, resolver MentionResolver) (string, string) {
	if resolver == nil {
		return slackUserID, ""
	}
	name, mxid := resolver(slackUserID)
	if name == "" {
		name = slackUserID
	}
	return name, mxid
}
