package trigger

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

// stubNouns returns a fixed lexicon lookup so policy tests don't depend on the tagger model.
var stubNouns = ExtractorFunc(func(text string) []string {
	lexicon := map[string]bool{"cat": true, "mat": true, "river": true, "mountains": true}
	var out []string
	for _, w := range strings.Fields(strings.ToLower(text)) {
		if lexicon[w] {
			out = append(out, w)
		}
	}
	return out
})

func words(n int, extra ...string) string {
	ws := make([]string, 0, n)
	ws = append(ws, extra...)
	for len(ws) < n {
		ws = append(ws, "word")
	}
	return strings.Join(ws, " ")
}

func TestAlways(t *testing.T) {
	p := Always{}
	require.True(t, p.Evaluate("hello", nil))
	require.True(t, p.Evaluate("I see a beautiful landscape with mountains and a river", nil))
	require.False(t, p.Evaluate("", nil))
	require.False(t, p.Evaluate("   \t", nil))
}

func TestKeywordLength(t *testing.T) {
	p := KeywordLength{MinWords: 20, Keywords: []string{"landscape"}}

	withKeyword := words(25, "Landscape")
	require.Len(t, strings.Fields(withKeyword), 25)
	require.True(t, p.Evaluate(withKeyword, nil))

	withoutKeyword := words(25)
	require.False(t, p.Evaluate(withoutKeyword, nil))

	short := words(10, "landscape")
	require.False(t, p.Evaluate(short, nil))

	require.False(t, p.Evaluate("", nil))
}

func TestKeywordLengthSubstringMatch(t *testing.T) {
	p := KeywordLength{MinWords: 3, Keywords: []string{" Paint "}}
	require.True(t, p.Evaluate("they were painting the fence", nil))
	require.False(t, p.Evaluate("they were fixing the fence", nil))
}

func TestNounDensity(t *testing.T) {
	p := NounDensity{Extractor: stubNouns, MinNouns: 1}

	require.Equal(t, []string{"cat", "mat"}, stubNouns.ExtractNouns("the cat sat on the mat"))
	require.True(t, p.Evaluate("the cat sat on the mat", nil))
	require.False(t, p.Evaluate("wow amazing incredible", nil))
	require.False(t, p.Evaluate("", nil))

	strict := NounDensity{Extractor: stubNouns, MinNouns: 3}
	require.False(t, strict.Evaluate("the cat sat on the mat", nil))
	require.True(t, strict.Evaluate("the cat sat on the mat near mountains", nil))
}

func TestNewSelectsPolicy(t *testing.T) {
	p, err := New(Settings{}, nil)
	require.NoError(t, err)
	require.Equal(t, NameAlways, p.Name())

	p, err = New(Settings{Policy: "Keyword"}, nil)
	require.NoError(t, err)
	kl, ok := p.(KeywordLength)
	require.True(t, ok)
	require.Equal(t, DefaultWords, kl.MinWords)
	require.Equal(t, DefaultKeywords, kl.Keywords)

	p, err = New(Settings{Policy: "nouns", MinNouns: 2}, stubNouns)
	require.NoError(t, err)
	nd, ok := p.(NounDensity)
	require.True(t, ok)
	require.Equal(t, 2, nd.MinNouns)

	_, err = New(Settings{Policy: "sometimes"}, nil)
	require.Error(t, err)
}

func TestProseExtractorFindsCommonNouns(t *testing.T) {
	nouns := ProseExtractor{}.ExtractNouns("the cat sat on the mat")
	require.Contains(t, nouns, "cat")
	require.Contains(t, nouns, "mat")
}

func TestProseExtractorSkipsFillers(t *testing.T) {
	p := NounDensity{Extractor: ProseExtractor{}, MinNouns: 1}

	require.True(t, p.Evaluate("the cat sat on the mat", nil))
	require.True(t, p.Evaluate("I see a beautiful landscape with mountains and a river", nil))

	for _, fragment := range []string{
		"wow amazing incredible",
		"hello",
		"yes",
		"okay thanks",
		"hmm, ok",
	} {
		require.False(t, p.Evaluate(fragment, nil), fragment)
		require.Empty(t, ProseExtractor{}.ExtractNouns(fragment), fragment)
	}
}

func TestIsContentNoun(t *testing.T) {
	require.True(t, isContentNoun("harbor"))
	require.True(t, isContentNoun("Cats"))
	require.False(t, isContentNoun("ox"))
	require.False(t, isContentNoun("'s"))
	require.False(t, isContentNoun("42nd"))
	require.False(t, isContentNoun("Thanks"))
	require.False(t, isContentNoun("WOW"))
}
