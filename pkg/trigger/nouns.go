package trigger

import (
	"strings"
	"unicode"

	"github.com/jdkato/prose/v2"
)

type NounExtractor interface {
	ExtractNouns(text string) []string
}

// ExtractorFunc adapts a plain function to NounExtractor.
type ExtractorFunc func(text string) []string

func (f ExtractorFunc) ExtractNouns(text string) []string { return f(text) }

// minNounLetters drops tagger noise such as "s", "ok" or stray contractions.
const minNounLetters = 3

// discourseWords are interjections and conversational fillers the tagger often marks as
// NN. They never describe anything worth drawing.
var discourseWords = map[string]struct{}{
	"wow": {}, "whoa": {}, "hello": {}, "hi": {}, "hey": {}, "yes": {}, "yeah": {}, "yep": {},
	"yup": {}, "no": {}, "nope": {}, "nah": {}, "okay": {}, "ok": {}, "thanks": {}, "thank": {},
	"thx": {}, "please": {}, "oh": {}, "ah": {}, "aha": {}, "uh": {}, "um": {}, "umm": {},
	"hmm": {}, "huh": {}, "er": {}, "erm": {}, "cool": {}, "sure": {}, "well": {}, "right": {},
	"bye": {}, "goodbye": {}, "sorry": {}, "oops": {}, "yay": {}, "alright": {}, "welcome": {},
	"lol": {}, "ooh": {}, "oooh": {}, "gosh": {}, "damn": {}, "like": {},
	"stuff": {}, "thing": {}, "things": {}, "something": {}, "anything": {}, "nothing": {},
	"everything": {}, "lot": {}, "lots": {}, "kind": {}, "sort": {}, "way": {},
}

// ProseExtractor tags text with prose's averaged perceptron tagger and keeps common nouns
// (NN, NNS). Proper nouns are not counted, nor are fillers, short tokens or tokens with
// anything other than letters.
type ProseExtractor struct{}

func (ProseExtractor) ExtractNouns(text string) []string {
	doc, err := prose.NewDocument(text,
		prose.WithExtraction(false),
		prose.WithSegmentation(false),
	)
	if err != nil {
		return nil
	}
	var nouns []string
	for _, tok := range doc.Tokens() {
		switch tok.Tag {
		case "NN", "NNS":
			if isContentNoun(tok.Text) {
				nouns = append(nouns, tok.Text)
			}
		}
	}
	return nouns
}

func isContentNoun(word string) bool {
	if len([]rune(word)) < minNounLetters {
		return false
	}
	for _, r := range word {
		if !unicode.IsLetter(r) {
			return false
		}
	}
	_, filler := discourseWords[strings.ToLower(word)]
	return !filler
}
