// Package sanitize converts the lightweight markdown produced by AI
// assistants into the HTML subset accepted by Telegram-style chat networks.
package sanitize

import (
	"html"
	"regexp"
	"strconv"
	"strings"
	"unicode"
	"unicode/utf8"
)

// ParseMode is the rich-text mode to send sanitized text with.
const ParseMode = "HTML"

// Bullet replaces every list marker.
const Bullet = "•"

var (
	fenceRe    = regexp.MustCompile("^\\s*(```|~~~)")
	headingRe  = regexp.MustCompile(`^\s*#{1,6}\s+`)
	quoteRe    = regexp.MustCompile(`^\s*(?:>\s?)+`)
	listRe     = regexp.MustCompile(`^(\s*)(?:[-*+]|\d+[.)])\s+`)
	blankRunRe = regexp.MustCompile(`\n{3,}`)
	tagRe      = regexp.MustCompile(`</?[a-zA-Z][^>]*>`)

	escaper = strings.NewReplacer("&", "&amp;", "<", "&lt;", ">", "&gt;")
)

// ToHTML converts markdown-ish text to Telegram HTML. Raw text is escaped
// before any tag is inserted, so emitted <b>/<i> tags are never escaped.
func ToHTML(text string) string {
	text = strings.ReplaceAll(text, "\r\n", "\n")
	src := strings.Split(text, "\n")
	out := make([]string, 0, len(src))

	inFence := false
	for _, line := range src {
		if fenceRe.MatchString(line) {
			inFence = !inFence
			continue
		}
		line = strings.TrimRightFunc(line, unicode.IsSpace)
		if inFence {
			out = append(out, escaper.Replace(line))
			continue
		}
		out = append(out, convertLine(line))
	}

	result := strings.Join(out, "\n")
	result = blankRunRe.ReplaceAllString(result, "\n\n")
	return strings.Trim(result, "\n")
}

// convertLine handles block markers, then inline markup, for one line.
func convertLine(line string) string {
	line = headingRe.ReplaceAllString(line, "")
	line = quoteRe.ReplaceAllString(line, "")
	line = listRe.ReplaceAllString(line, "${1}"+Bullet+" ")
	return convertInline(line)
}

// convertInline replaces backtick code spans with placeholders, escapes and
// emphasizes the whole line, then restores the escaped code. Emphasis can
// therefore wrap a code span but never reach inside one.
func convertInline(line string) string {
	line = strings.ReplaceAll(line, placeholderMark, "")
	var (
		b     strings.Builder
		codes []string
	)
	for line != "" {
		open := strings.IndexByte(line, '`')
		if open < 0 {
			b.WriteString(line)
			break
		}
		n := runLength(line[open:], '`')
		closeAt := findRun(line[open+n:], '`', n)
		if closeAt < 0 {
			// Unbalanced backticks: drop them, keep the text.
			b.WriteString(line[:open])
			line = line[open+n:]
			continue
		}
		b.WriteString(line[:open])
		code := line[open+n : open+n+closeAt]
		b.WriteString(placeholder(len(codes)))
		codes = append(codes, escaper.Replace(strings.TrimSpace(code)))
		line = line[open+n+closeAt+n:]
	}

	out := emphasize(escaper.Replace(b.String()))
	for i, code := range codes {
		out = strings.Replace(out, placeholder(i), code, 1)
	}
	return out
}

// placeholderMark brackets code span placeholders. It is stripped from input
// first, so placeholders cannot collide with user text.
const placeholderMark = "\x00"

func placeholder(i int) string {
	return placeholderMark + strconv.Itoa(i) + placeholderMark
}

// runLength counts leading c bytes of s.
func runLength(s string, c byte) int {
	n := 0
	for n < len(s) && s[n] == c {
		n++
	}
	return n
}

// findRun returns the index of the first run of exactly n c bytes in s.
func findRun(s string, c byte, n int) int {
	for i := 0; i < len(s); {
		if s[i] != c {
			i++
			continue
		}
		l := runLength(s[i:], c)
		if l == n {
			return i
		}
		i += l
	}
	return -1
}

// emphasize maps ***x*** / ___x___ to bold italic, **x** / __x__ to bold
// and *x* / _x_ to italic. Triple delimiters go first so the tags nest.
func emphasize(s string) string {
	s = replacePairs(s, "***", "<b><i>", "</i></b>", false)
	s = replacePairs(s, "___", "<b><i>", "</i></b>", true)
	s = replacePairs(s, "**", "<b>", "</b>", false)
	s = replacePairs(s, "__", "<b>", "</b>", true)
	s = replacePairs(s, "*", "<i>", "</i>", false)
	s = replacePairs(s, "_", "<i>", "</i>", true)
	return s
}

// replacePairs wraps text between matching delimiters in openTag/closeTag.
// Opening delimiters must be followed, and closing ones preceded, by
// non-space. With wordBound the delimiters must not touch letters or digits
// on the outside, which keeps snake_case identifiers intact.
func replacePairs(s, delim, openTag, closeTag string, wordBound bool) string {
	var b strings.Builder
	for {
		open := findOpen(s, delim, wordBound)
		if open < 0 {
			break
		}
		start := open + len(delim)
		end := findClose(s[start:], delim, wordBound)
		if end < 0 {
			b.WriteString(s[:start])
			s = s[start:]
			continue
		}
		end += start
		b.WriteString(s[:open])
		b.WriteString(openTag)
		b.WriteString(s[start:end])
		b.WriteString(closeTag)
		s = s[end+len(delim):]
	}
	b.WriteString(s)
	return b.String()
}

func findOpen(s, delim string, wordBound bool) int {
	for from := 0; from < len(s); {
		i := strings.Index(s[from:], delim)
		if i < 0 {
			return -1
		}
		i += from
		after := i + len(delim)
		if after < len(s) && !isSpaceAt(s, after) && !(wordBound && isWordBefore(s, i)) {
			return i
		}
		from = after
	}
	return -1
}

func findClose(s, delim string, wordBound bool) int {
	for from := 1; from < len(s); {
		i := strings.Index(s[from:], delim)
		if i < 0 {
			return -1
		}
		i += from
		after := i + len(delim)
		if !isSpaceBefore(s, i) && !(wordBound && isWordAt(s, after)) {
			return i
		}
		from = after
	}
	return -1
}

func isSpaceAt(s string, i int) bool {
	r, _ := utf8.DecodeRuneInString(s[i:])
	return unicode.IsSpace(r)
}

func isSpaceBefore(s string, i int) bool {
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return unicode.IsSpace(r)
}

func isWordBefore(s string, i int) bool {
	if i == 0 {
		return false
	}
	r, _ := utf8.DecodeLastRuneInString(s[:i])
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

func isWordAt(s string, i int) bool {
	if i >= len(s) {
		return false
	}
	r, _ := utf8.DecodeRuneInString(s[i:])
	return unicode.IsLetter(r) || unicode.IsDigit(r)
}

// StripTags turns sanitized HTML back into plain text. It is the fallback
// when the chat network rejects the rich text.
func StripTags(s string) string {
	return html.UnescapeString(tagRe.ReplaceAllString(s, ""))
}

// Split breaks text into chunks of at most limit runes, preferring line
// boundaries. Sanitized markup never spans lines, so line splits keep tags
// balanced. A line longer than limit is cut outside any tag or entity; if a
// formatting element is open at the cut it is closed in one chunk and
// reopened in the next.
func Split(text string, limit int) []string {
	if limit <= 0 || utf8.RuneCountInString(text) <= limit {
		return []string{text}
	}
	var chunks []string
	var cur strings.Builder
	curLen := 0
	flush := func() {
		if curLen > 0 {
			chunks = append(chunks, strings.TrimRight(cur.String(), "\n"))
			cur.Reset()
			curLen = 0
		}
	}
	for _, line := range strings.SplitAfter(text, "\n") {
		n := utf8.RuneCountInString(line)
		if curLen+n > limit {
			flush()
		}
		if n > limit {
			pieces := splitLine(line, limit)
			chunks = append(chunks, pieces[:len(pieces)-1]...)
			line = pieces[len(pieces)-1]
			n = utf8.RuneCountInString(line)
		}
		cur.WriteString(line)
		curLen += n
	}
	flush()
	return chunks
}

// splitLine cuts one over-long line into pieces of at most limit runes.
func splitLine(line string, limit int) []string {
	var out []string
	r := []rune(line)
	for len(r) > limit {
		c := findCut(r, limit)
		out = append(out, string(r[:c.at])+c.closing)
		r = append([]rune(c.reopen), r[c.at:]...)
	}
	return append(out, string(r))
}

type element struct {
	name string
	raw  string
}

type cut struct {
	at      int
	closing string
	reopen  string
}

// maxEntity bounds how far an entity may run before '&' is taken literally.
const maxEntity = 10

// findCut picks where to cut r. Points inside a tag or an entity are never
// used. Cuts with no element open win over cuts that must close and reopen
// elements, and word boundaries in the second half of the window win over
// arbitrary points. The raw limit is the last resort.
func findCut(r []rune, limit int) cut {
	var (
		stack      []element
		inTag      bool
		entityFrom = -1
		tagFrom    int

		bestSpace, bestFlat     int
		bestOpen, bestOpenSpace cut
	)
	for i := 0; i <= limit && i < len(r); i++ {
		if i > 0 && !inTag && entityFrom < 0 {
			if len(stack) == 0 {
				bestFlat = i
				if unicode.IsSpace(r[i]) || unicode.IsSpace(r[i-1]) {
					bestSpace = i
				}
			} else if closing, reopen := balance(stack); i+utf8.RuneCountInString(closing) <= limit &&
				utf8.RuneCountInString(reopen) < i {
				bestOpen = cut{at: i, closing: closing, reopen: reopen}
				if unicode.IsSpace(r[i]) || unicode.IsSpace(r[i-1]) {
					bestOpenSpace = bestOpen
				}
			}
		}
		switch {
		case inTag:
			if r[i] == '>' {
				inTag = false
				stack = applyTag(stack, string(r[tagFrom:i+1]))
			}
		case entityFrom >= 0:
			if r[i] == ';' || unicode.IsSpace(r[i]) || i-entityFrom > maxEntity {
				entityFrom = -1
			}
		case r[i] == '<':
			inTag, tagFrom = true, i
		case r[i] == '&':
			entityFrom = i
		}
	}

	switch {
	case bestSpace >= limit/2 && bestSpace > 0:
		return cut{at: bestSpace}
	case bestFlat >= limit/2 && bestFlat > 0:
		return cut{at: bestFlat}
	case bestOpenSpace.at >= limit/2 && bestOpenSpace.at > 0:
		return bestOpenSpace
	case bestOpen.at > 0:
		return bestOpen
	case bestFlat > 0:
		return cut{at: bestFlat}
	}
	return cut{at: limit}
}

// applyTag pushes an opening tag onto stack or pops for a closing one.
func applyTag(stack []element, raw string) []element {
	if strings.HasPrefix(raw, "</") {
		if len(stack) > 0 {
			stack = stack[:len(stack)-1]
		}
		return stack
	}
	name := strings.TrimSuffix(strings.TrimPrefix(raw, "<"), ">")
	if i := strings.IndexFunc(name, unicode.IsSpace); i >= 0 {
		name = name[:i]
	}
	return append(stack, element{name: name, raw: raw})
}

// balance returns the tags closing stack in LIFO order and the tags that
// reopen it.
func balance(stack []element) (closing, reopen string) {
	var c, o strings.Builder
	for i := len(stack) - 1; i >= 0; i-- {
		c.WriteString("</" + stack[i].name + ">")
	}
	for _, e := range stack {
		o.WriteString(e.raw)
	}
	return c.String(), o.String()
}
