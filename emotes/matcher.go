package emotes

import (
	"strings"
	"unicode"

	"github.com/onnwee/streamchat/model"
)

// CatalogEmote is one entry of a channel's merged emote catalog, keyed by the
// exact code users type in chat.
type CatalogEmote struct {
	ID        string
	Name      string
	Provider  model.EmoteProvider
	URL       string
	Animated  bool
	ZeroWidth bool
}

// Span returns the emote as a message span over [start, end).
func (e CatalogEmote) Span(start, end int) model.EmoteSpan {
	return model.EmoteSpan{
		ID:       e.ID,
		Provider: e.Provider,
		Name:     e.Name,
		Start:    start,
		End:      end,
	}
}

const trimChars = "[](){}<>\"'`"

func isWordChar(r rune) bool {
	return unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_'
}

// FindEmotes scans text for catalog emote codes and returns their spans in
// code-point offsets, half-open. Ranges in claimed (platform-native emotes
// already resolved from tags) are never overlapped, so third-party emotes
// fill in around them. Matching is boundary-aware: a code must cover a whole
// word segment, a whole punctuation segment, or an adjacent combination, so
// "Kappa" inside "ScaredKappa" never matches but "(Kappa)!" yields the inner
// code. Tokens containing URLs are skipped entirely.
func FindEmotes(text string, catalog map[string]CatalogEmote, claimed []model.EmoteSpan) []model.EmoteSpan {
	if text == "" || len(catalog) == 0 {
		return nil
	}

	runes := []rune(text)
	taken := make([][2]int, 0, len(claimed)+4)
	for _, c := range claimed {
		taken = append(taken, [2]int{c.Start, c.End})
	}

	overlaps := func(start, end int) bool {
		for _, t := range taken {
			if start < t[1] && end > t[0] {
				return true
			}
		}
		return false
	}

	var found []model.EmoteSpan
	tryAdd := func(start, end int, name string) bool {
		e, ok := catalog[name]
		if !ok {
			return false
		}
		if overlaps(start, end) {
			return false
		}
		found = append(found, e.Span(start, end))
		taken = append(taken, [2]int{start, end})
		return true
	}

	// bestTrimmedMatch strips balanced-ish wrapper punctuation off a
	// punctuation segment and returns the longest catalog code inside it.
	bestTrimmedMatch := func(segStart, segEnd int) (int, int, string, bool) {
		seg := runes[segStart:segEnd]
		leftMax, rightMax := 0, 0
		for leftMax < len(seg) && strings.ContainsRune(trimChars, seg[leftMax]) {
			leftMax++
		}
		for rightMax < len(seg)-leftMax && strings.ContainsRune(trimChars, seg[len(seg)-1-rightMax]) {
			rightMax++
		}
		bestLen := 0
		var bs, be int
		var bname string
		for l := 0; l <= leftMax; l++ {
			for r := 0; r <= rightMax; r++ {
				if l == 0 && r == 0 {
					continue
				}
				if l+r >= len(seg) {
					continue
				}
				cand := string(seg[l : len(seg)-r])
				if cand == "" {
					continue
				}
				if _, ok := catalog[cand]; ok && len(cand) > bestLen {
					bestLen = len(cand)
					bs, be, bname = segStart+l, segEnd-r, cand
				}
			}
		}
		return bs, be, bname, bestLen > 0
	}

	i, n := 0, len(runes)
	for i < n {
		if unicode.IsSpace(runes[i]) {
			i++
			continue
		}
		runStart := i
		for i < n && !unicode.IsSpace(runes[i]) {
			i++
		}
		runEnd := i
		token := string(runes[runStart:runEnd])
		if strings.Contains(token, "http://") || strings.Contains(token, "https://") {
			continue
		}

		// Split the token into alternating word / punctuation segments.
		type segment struct {
			start, end int
			word       bool
		}
		var segments []segment
		segStart := runStart
		segWord := isWordChar(runes[segStart])
		for j := runStart + 1; j < runEnd; j++ {
			w := isWordChar(runes[j])
			if w != segWord {
				segments = append(segments, segment{segStart, j, segWord})
				segStart = j
				segWord = w
			}
		}
		segments = append(segments, segment{segStart, runEnd, segWord})

		idx := 0
		for idx < len(segments) {
			// Prefer longer combined codes like ":woman_shrugging:" or "D:".
			if idx+2 < len(segments) {
				start, end := segments[idx].start, segments[idx+2].end
				if tryAdd(start, end, string(runes[start:end])) {
					idx += 3
					continue
				}
			}
			if idx+1 < len(segments) {
				start, end := segments[idx].start, segments[idx+1].end
				if tryAdd(start, end, string(runes[start:end])) {
					idx += 2
					continue
				}
			}

			seg := segments[idx]
			segText := string(runes[seg.start:seg.end])

			// Possessive forms ("Kappa's") stay plain text.
			if seg.word && idx+2 < len(segments) && !segments[idx+1].word && segments[idx+2].word {
				mid := string(runes[segments[idx+1].start:segments[idx+1].end])
				if mid == "'" || mid == "’" {
					idx++
					continue
				}
			}

			if seg.word {
				tryAdd(seg.start, seg.end, segText)
			} else {
				if !tryAdd(seg.start, seg.end, segText) {
					if s, e, name, ok := bestTrimmedMatch(seg.start, seg.end); ok {
						tryAdd(s, e, name)
					}
				}
			}
			idx++
		}
	}

	return found
}
