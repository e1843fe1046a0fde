package sentence

import (
	"regexp"
	"strings"
)

// emojiRanges covers the Unicode blocks devices' LLM output actually produces:
// emoticons, pictographs, transport symbols, dingbats, and the supplemental
// blocks newer models emit.
var emojiRanges = [][2]rune{
	{0x1F300, 0x1F5FF}, // misc symbols and pictographs
	{0x1F600, 0x1F64F}, // emoticons
	{0x1F680, 0x1F6FF}, // transport and map
	{0x1F900, 0x1F9FF}, // supplemental symbols
	{0x1FA70, 0x1FAFF}, // symbols extended-A
	{0x1F1E6, 0x1F1FF}, // regional indicators
	{0x2600, 0x26FF},   // misc symbols
	{0x2700, 0x27BF},   // dingbats
}

// IsEmoji reports whether r falls in a recognised emoji block.
func IsEmoji(r rune) bool {
	for _, rg := range emojiRanges {
		if r >= rg[0] && r <= rg[1] {
			return true
		}
	}
	return false
}

// kaomojiCandidate matches a short bracketed run, the usual shape of a
// text emoticon like (^_^) or (≧∇≦).
var kaomojiCandidate = regexp.MustCompile(`[(（][^()（）]{1,12}[)）]`)

// kaomojiFaceChars are the symbols that distinguish a face from ordinary
// parenthesised text.
const kaomojiFaceChars = "^_ω∀･・`´￣▽∇≧≦><;:=*#@~oO0дΔθT-—"

// ContainsKaomoji reports whether s holds at least one text emoticon.
func ContainsKaomoji(s string) bool {
	for _, match := range kaomojiCandidate.FindAllString(s, -1) {
		if isKaomoji(match) {
			return true
		}
	}
	return false
}

// FilterKaomoji removes text emoticons from s, leaving ordinary
// parenthesised text untouched.
func FilterKaomoji(s string) string {
	return kaomojiCandidate.ReplaceAllStringFunc(s, func(match string) string {
		if isKaomoji(match) {
			return ""
		}
		return match
	})
}

// isKaomoji requires at least two face symbols inside the brackets so that
// asides like "(see below)" survive.
func isKaomoji(match string) bool {
	runes := []rune(match)
	inner := runes[1 : len(runes)-1]
	count := 0
	for _, r := range inner {
		if strings.ContainsRune(kaomojiFaceChars, r) {
			count++
		}
	}
	return count >= 2
}
