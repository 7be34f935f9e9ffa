// Package text prepares generated replies for speech synthesis.
//
// Replies from the language model often carry chat formatting that a voice
// model would read aloud literally. Normalizer removes it.
package text

import (
	"regexp"
	"strings"
	"unicode"
	"unicode/utf8"
)

// Regex patterns for markdown and token cleanup.
const (
	markdownLinkPattern  = `\[([^\]]*)\]\([^)]*\)`
	codeFencePattern     = "(?m)^[ \\t]*```[^\\n]*$"
	inlineCodePattern    = "`([^`]*)`"
	headerPattern        = `(?m)^[ \t]*#{1,6}[ \t]*`
	bulletPattern        = `(?m)^[ \t]*(?:[-*+]|\d+[.)])[ \t]+`
	blockquotePattern    = `(?m)^[ \t]*>[ \t]?`
	boldStarPattern      = `\*\*(.+?)\*\*`
	boldUnderPattern     = `__(.+?)__`
	italicStarPattern    = `\*([^*\n]+)\*`
	italicUnderPattern   = `(^|\W)_([^_\n]+)_(\W|$)`
	urlPattern           = `https?://[^\s)\]]+`
	abbreviationPattern  = `\b(?:Mr|Mrs|Ms|Dr|Prof|St|vs|etc|e\.g|i\.e)\.`
	whitespaceRegPattern = `\s+`
)

// urlWord is spoken in place of a URL.
const urlWord = "link"

// Punctuation constants.
const (
	asciiEllipsis = "..."
	ellipsisChar  = "…"
	asciiStop     = "."
	cjkStop       = "。"
)

var abbreviations = map[string]string{
	"Mr.":   "Mister",
	"Mrs.":  "Misses",
	"Ms.":   "Miss",
	"Dr.":   "Doctor",
	"Prof.": "Professor",
	"St.":   "Saint",
	"vs.":   "versus",
	"etc.":  "et cetera",
	"e.g.":  "for example",
	"i.e.":  "that is",
}

// Normalizer cleans reply text before synthesis. It is safe for concurrent use.
type Normalizer struct {
	// Precompiled patterns, applied in declaration order.
	markdownLink *regexp.Regexp
	codeFence    *regexp.Regexp
	inlineCode   *regexp.Regexp
	header       *regexp.Regexp
	bullet       *regexp.Regexp
	blockquote   *regexp.Regexp
	boldStar     *regexp.Regexp
	boldUnder    *regexp.Regexp
	italicStar   *regexp.Regexp
	italicUnder  *regexp.Regexp
	url          *regexp.Regexp
	abbreviation *regexp.Regexp
	whitespace   *regexp.Regexp

	punctuationReplacer *strings.Replacer
}

// NewNormalizer creates a Normalizer with its patterns compiled up front.
func NewNormalizer() *Normalizer {
	return &Normalizer{
		markdownLink: regexp.MustCompile(markdownLinkPattern),
		codeFence:    regexp.MustCompile(codeFencePattern),
		inlineCode:   regexp.MustCompile(inlineCodePattern),
		header:       regexp.MustCompile(headerPattern),
		bullet:       regexp.MustCompile(bulletPattern),
		blockquote:   regexp.MustCompile(blockquotePattern),
		boldStar:     regexp.MustCompile(boldStarPattern),
		boldUnder:    regexp.MustCompile(boldUnderPattern),
		italicStar:   regexp.MustCompile(italicStarPattern),
		italicUnder:  regexp.MustCompile(italicUnderPattern),
		url:          regexp.MustCompile(urlPattern),
		abbreviation: regexp.MustCompile(abbreviationPattern),
		whitespace:   regexp.MustCompile(whitespaceRegPattern),
		punctuationReplacer: strings.NewReplacer(
			"—", " - ",
			"–", "-",
			"‒", "-",
			asciiEllipsis, ellipsisChar,
			"“", `"`, "”", `"`,
			"‘", "'", "’", "'",
		),
	}
}

// Normalize returns text in a form suitable for speaking. Empty or
// whitespace-only input yields "".
func (n *Normalizer) Normalize(text string) string {
	if strings.TrimSpace(text) == "" {
		return ""
	}

	text = n.stripMarkdown(text)
	text = n.url.ReplaceAllString(text, urlWord)
	text = n.abbreviation.ReplaceAllStringFunc(text, func(match string) string {
		return abbreviations[match]
	})
	text = n.punctuationReplacer.Replace(text)
	text = strings.TrimSpace(n.whitespace.ReplaceAllString(text, " "))
	text = collapseRepeatedPunctuation(text)

	return ensureTerminalMark(text)
}

func (n *Normalizer) stripMarkdown(text string) string {
	text = n.markdownLink.ReplaceAllString(text, "$1")
	text = n.codeFence.ReplaceAllString(text, "")
	text = n.inlineCode.ReplaceAllString(text, "$1")
	text = n.header.ReplaceAllString(text, "")
	text = n.bullet.ReplaceAllString(text, "")
	text = n.blockquote.ReplaceAllString(text, "")
	text = n.boldStar.ReplaceAllString(text, "$1")
	text = n.boldUnder.ReplaceAllString(text, "$1")
	text = n.italicStar.ReplaceAllString(text, "$1")

	return n.italicUnder.ReplaceAllString(text, "${1}${2}${3}")
}

// collapseRepeatedPunctuation reduces runs of the same punctuation mark to one.
func collapseRepeatedPunctuation(text string) string {
	var builder strings.Builder

	builder.Grow(len(text))

	var last rune

	for _, char := range text {
		if char == last && unicode.IsPunct(char) {
			continue
		}

		builder.WriteRune(char)

		last = char
	}

	return builder.String()
}

func ensureTerminalMark(text string) string {
	if text == "" {
		return ""
	}

	body := strings.TrimRightFunc(text, isClosing)

	last, size := utf8.DecodeLastRuneInString(body)
	if isTerminal(last) {
		return text
	}

	if text != body {
		// Closing quote after an unterminated sentence; keep it and append.
		return text + stopFor(last)
	}

	if isSoftPause(last) {
		body = body[:len(body)-size]
		last, _ = utf8.DecodeLastRuneInString(body)
	}

	return body + stopFor(last)
}

func stopFor(last rune) string {
	if isCJK(last) {
		return cjkStop
	}

	return asciiStop
}

func isTerminal(char rune) bool {
	switch char {
	case '.', '!', '?', '…', '。', '！', '？':
		return true
	default:
		return false
	}
}

func isSoftPause(char rune) bool {
	switch char {
	case ',', ';', ':', '，', '；', '：', '、':
		return true
	default:
		return false
	}
}

func isClosing(char rune) bool {
	switch char {
	case '"', '\'', ')', ']', '」', '』', '）':
		return true
	default:
		return false
	}
}

func isCJK(char rune) bool {
	return unicode.In(char, unicode.Han, unicode.Hiragana, unicode.Katakana, unicode.Hangul)
}
