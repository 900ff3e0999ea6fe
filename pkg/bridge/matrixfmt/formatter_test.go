// Copyright 2025-2026 The matrix-appservice-slack authors
// This Source Code Form is subject to the terms of the Mozilla Public
// License, v. 2.0. If a copy of the MPL was not distributed with this
// file, You can obtain one at https://mozilla.org/MPL/2.0/.

package matrixfmt

import (
	"testing"

	"maunium.net/go/mautrix/event"
)

func htmlContent(body, formatted string) *event.MessageEventContent {
	return &event.MessageEventContent{
		MsgType:       event.MsgText,
		Body:          body,
		Format:        event.FormatHTML,
		FormattedBody: formatted,
	}
}

func TestParse(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		content *event.MessageEventContent
		want    string
	}{
		{
			name:    "plain body is escaped",
			content: &event.MessageEventContent{Body: "a < b & b > c"},
			want:    "a &lt; b &amp; b &gt; c",
		},
		{
			name:    "bold",
			content: htmlContent("bold", "<strong>bold</strong> and <b>more</b>"),
			want:    "*bold* and *more*",
		},
		{
			name:    "italic",
			content: htmlContent("italic", "<em>one</em> <i>two</i>"),
			want:    "_one_ _two_",
		},
		{
			name:    "strikethrough",
			content: htmlContent("gone", "<del>gone</del>"),
			want:    "~gone~",
		},
		{
			name:    "inline code",
			content: htmlContent("code", "run <code>make all</code>"),
			want:    "run `make all`",
		},
		{
			name:    "code block",
			content: htmlContent("code", `<pre><code class="language-go">x := 1</code></pre>`),
			want:    "```\nx := 1\n```",
		},
		{
			name:    "mention pill degrades to display text",
			content: htmlContent("Alice: hi", `<a href="https://matrix.to/#/@alice:example.com">Alice</a>: hi`),
			want:    "Alice: hi",
		},
		{
			name:    "labelled link",
			content: htmlContent("link", `<a href="https://example.com">the docs</a>`),
			want:    "<https://example.com|the docs>",
		},
		{
			name:    "self-labelled link",
			content: htmlContent("link", `<a href="https://example.com">https://example.com</a>`),
			want:    "<https://example.com>",
		},
		{
			name:    "heading becomes bold",
			content: htmlContent("title", "<h2>Release notes</h2>"),
			want:    "*Release notes*",
		},
		{
			name:    "blockquote",
			content: htmlContent("quote", "<blockquote>first line<br/>second line</blockquote>"),
			want:    "> first line\n> second line",
		},
		{
			name:    "unordered list",
			content: htmlContent("list", "<ul><li>one</li><li>two</li></ul>"),
			want:    "• one\n• two",
		},
		{
			name:    "ordered list",
			content: htmlContent("list", "<ol><li>first</li><li>second</li></ol>"),
			want:    "1. first\n2. second",
		},
		{
			name:    "entities are unescaped",
			content: htmlContent("amp", "fish &amp; chips"),
			want:    "fish & chips",
		},
		{
			name:    "unknown tags are stripped",
			content: htmlContent("span", `<span data-mx-color="#ff0000">red</span>`),
			want:    "red",
		},
		{
			name:    "nil content",
			content: nil,
			want:    "",
		},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			t.Parallel()
			if got := Parse(test.content); got != test.want {
				t.Errorf("Parse() = %q, want %q", got, test.want)
			}
		})
	}
}

func TestParseIgnoresFormattedBodyWithoutHTMLFormat(t *testing.T) {
	t.Parallel()
	content := &event.MessageEventContent{
		Body:          "plain",
		FormattedBody: "<strong>ignored</strong>",
	}
	if got := Parse(content); got != "plain" {
		t.Errorf("Parse() = %q, want the plain body", got)
	}
}
