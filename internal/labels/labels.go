// Package labels maps reference transcripts onto token id sequences for
// forced alignment. Vocabularies are plain text files, one token per line,
// in the style of CTC character vocabularies; the blank token is discovered
// by name or defaults to the last entry.
package labels

import (
	"bufio"
	"fmt"
	"os"
	"strings"
	"unicode"

	"golang.org/x/text/runes"
	"golang.org/x/text/transform"
	"golang.org/x/text/unicode/norm"
)

// blank token spellings recognized in vocab files.
var blankNames = map[string]bool{
	"<blk>": true, "<blank>": true, "[blank]": true, "<b>": true,
}

// Vocabulary maps token strings to ids for one alignment model.
type Vocabulary struct {
	tokens  map[string]int
	inv     []string
	blankID int
	maxLen  int // longest token in runes, bounds the greedy matcher
}

// Load reads a vocab file, one token per line. Blank is the line matching a
// known blank spelling, or the last line when none matches.
func Load(path string) (*Vocabulary, error) {
	file, err := os.Open(path)
	if err != nil {
		return nil, err
	}
	defer func() { _ = file.Close() }()

	v := &Vocabulary{tokens: make(map[string]int), blankID: -1}
	scanner := bufio.NewScanner(file)
	for scanner.Scan() {
		line := strings.TrimRight(scanner.Text(), "\r\n")
		if line == "" {
			continue
		}
		if _, dup := v.tokens[line]; dup {
			return nil, fmt.Errorf("labels: duplicate token %q in %s", line, path)
		}
		id := len(v.inv)
		v.tokens[line] = id
		v.inv = append(v.inv, line)
		if blankNames[line] {
			v.blankID = id
		}
		if n := len([]rune(line)); n > v.maxLen {
			v.maxLen = n
		}
	}
	if err := scanner.Err(); err != nil {
		return nil, err
	}
	if len(v.inv) == 0 {
		return nil, fmt.Errorf("labels: empty vocabulary %s", path)
	}
	if v.blankID == -1 {
		v.blankID = len(v.inv) - 1
	}
	return v, nil
}

// NewVocabulary builds a vocabulary from an in-memory token list.
func NewVocabulary(tokens []string, blankID int) (*Vocabulary, error) {
	if blankID < 0 || blankID >= len(tokens) {
		return nil, fmt.Errorf("labels: blank id %d out of range [0,%d)", blankID, len(tokens))
	}
	v := &Vocabulary{tokens: make(map[string]int, len(tokens)), inv: tokens, blankID: blankID}
	for i, tok := range tokens {
		if _, dup := v.tokens[tok]; dup {
			return nil, fmt.Errorf("labels: duplicate token %q", tok)
		}
		v.tokens[tok] = i
		if n := len([]rune(tok)); n > v.maxLen {
			v.maxLen = n
		}
	}
	return v, nil
}

// Size returns the vocabulary size including blank.
func (v *Vocabulary) Size() int { return len(v.inv) }

// BlankID returns the blank token id.
func (v *Vocabulary) BlankID() int { return v.blankID }

// Token returns the string form of id, or "" when out of range.
func (v *Vocabulary) Token(id int) string {
	if id < 0 || id >= len(v.inv) {
		return ""
	}
	return v.inv[id]
}

// normalizer strips combining marks after NFD decomposition and recomposes,
// so "café" and "café" encode identically.
var normalizer = transform.Chain(norm.NFD, runes.Remove(runes.In(unicode.Mn)), norm.NFC)

// Normalize applies the vocabulary-independent transcript normalization:
// unicode mark stripping, lowercasing, and whitespace squeezing.
func Normalize(text string) string {
	out, _, err := transform.String(normalizer, text)
	if err != nil {
		out = text
	}
	out = strings.ToLower(out)
	return strings.Join(strings.Fields(out), " ")
}

// Encode normalizes a transcript and greedily matches the longest known
// token at each position. Space maps to a space token when the vocabulary
// has one and is dropped otherwise. Unknown characters are an error: an
// alignment against tokens the model cannot emit is meaningless.
func (v *Vocabulary) Encode(transcript string) ([]int, error) {
	text := []rune(Normalize(transcript))
	ids := make([]int, 0, len(text))
	for i := 0; i < len(text); {
		matched := 0
		for n := min(v.maxLen, len(text)-i); n >= 1; n-- {
			if id, ok := v.tokens[string(text[i:i+n])]; ok {
				if id == v.blankID {
					break // blank is never produced by a transcript
				}
				ids = append(ids, id)
				matched = n
				break
			}
		}
		if matched == 0 {
			if text[i] == ' ' {
				i++
				continue
			}
			return nil, fmt.Errorf("labels: no token for %q at position %d", string(text[i]), i)
		}
		i += matched
	}
	return ids, nil
}
