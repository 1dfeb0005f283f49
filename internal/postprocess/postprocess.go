// Package postprocess removes common LLM artifacts from a raw translation
// before it is split back into subtitle lines.
package postprocess

import (
	"regexp"
	"strings"
)

// Clean strips, in order: reasoning blocks, a wrapping markdown code fence,
// and a leading "Here are the translations:" style preamble.
func Clean(text string) string {
	text = removeThinkingBlocks(text)
	text = removeCodeFence(text)
	text = removePreamble(text)
	return strings.TrimSpace(text)
}

// thinkingBlockRe lists each tag variant explicitly; RE2 has no
// backreferences.
var thinkingBlockRe = regexp.MustCompile(
	`(?is)<thinking>.*?</thinking>|<think>.*?</think>|<reasoning>.*?</reasoning>|<reflection>.*?</reflection>`,
)

// truncatedThinkingRe matches a reasoning block cut off before its closing tag.
var truncatedThinkingRe = regexp.MustCompile(
	`(?is)(?:<thinking>|<think>|<reasoning>|<reflection>).*$`,
)

func removeThinkingBlocks(text string) string {
	text = thinkingBlockRe.ReplaceAllString(text, "")
	text = truncatedThinkingRe.ReplaceAllString(text, "")
	return strings.TrimSpace(text)
}

// codeFenceRe matches a response entirely wrapped in ``` fences, with an
// optional language tag.
var codeFenceRe = regexp.MustCompile("(?s)^```[a-zA-Z]*\\n(.*?)\\n?```$")

func removeCodeFence(text string) string {
	if m := codeFenceRe.FindStringSubmatch(strings.TrimSpace(text)); m != nil {
		return m[1]
	}
	return text
}

// preambleRe matches a first line announcing the translation. It must end
// with a colon and must not start with an ordinal marker.
var preambleRe = regexp.MustCompile(
	`(?i)^(?:(?:certainly|sure|of course)[,.!]?\s*)?(?:here(?:'s| is| are)(?: the)?|the)\s+(?:translated |translation of the )?(?:translations?|lines|subtitles|text)[^\n]*:\s*\n`,
)

func removePreamble(text string) string {
	if loc := preambleRe.FindStringIndex(text); loc != nil {
		return text[loc[1]:]
	}
	return text
}
