package ingest

import (
	"math"
	"regexp"
	"sort"
	"strings"

	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

// ChunkerConfig controls the recursive splitter.
type ChunkerConfig struct {
	ChunkSize    int `yaml:"chunk_size" json:"chunk_size"`
	ChunkOverlap int `yaml:"chunk_overlap" json:"chunk_overlap"`
	MaxChunkSize int `yaml:"max_chunk_size" json:"max_chunk_size"`
}

// DefaultChunkerConfig returns the default chunking geometry.
func DefaultChunkerConfig() ChunkerConfig {
	return ChunkerConfig{
		ChunkSize:    1000,
		ChunkOverlap: 200,
		MaxChunkSize: 2000,
	}
}

// Piece is one chunk produced by the splitter. Start and End are rune
// offsets into the normalized source text; Overlap counts the runes at
// the head of Content carried over from the previous piece, so that
// joining Content[Overlap:] across all pieces reproduces the source.
// Type is a ChunkType constant: a piece that is exactly one protected
// region carries that region's category, everything else is text.
type Piece struct {
	Content  string
	Start    int
	End      int
	Overlap  int
	Type     string
	Oversize bool
}

// Chunker splits document text into retrieval-sized pieces. Splitting
// tries separators in priority order (blank-line groups, line breaks,
// CJK and Latin sentence enders, commas, spaces, single runes) and
// never cuts inside a protected region: fenced code blocks, markdown
// tables, LaTeX math, and image references stay whole. A protected
// region longer than MaxChunkSize becomes its own oversize piece.
type Chunker struct {
	cfg ChunkerConfig
}

// NewChunker returns a Chunker, filling zero config fields with defaults.
func NewChunker(cfg ChunkerConfig) *Chunker {
	def := DefaultChunkerConfig()
	if cfg.ChunkSize <= 0 {
		cfg.ChunkSize = def.ChunkSize
	}
	if cfg.ChunkOverlap < 0 {
		cfg.ChunkOverlap = def.ChunkOverlap
	}
	if cfg.ChunkOverlap >= cfg.ChunkSize {
		cfg.ChunkOverlap = cfg.ChunkSize / 5
	}
	if cfg.MaxChunkSize < cfg.ChunkSize {
		cfg.MaxChunkSize = 2 * cfg.ChunkSize
	}
	return &Chunker{cfg: cfg}
}

// NormalizeText canonicalizes line endings so offsets are stable across
// platforms.
func NormalizeText(s string) string {
	s = strings.ReplaceAll(s, "\r\n", "\n")
	return strings.ReplaceAll(s, "\r", "\n")
}

// Split chunks the text. The returned pieces cover the normalized text
// contiguously: piece N+1 starts where piece N ended, minus the overlap
// prefix it carries.
func (c *Chunker) Split(text string) []Piece {
	text = NormalizeText(text)
	runes := []rune(text)
	if len(strings.TrimSpace(text)) == 0 {
		return nil
	}

	regions := protectedRegions(text)
	units := c.splitUnits(runes, regions)
	return c.pack(runes, units)
}

// unit is a contiguous span of the source text. Non-protected units are
// at most ChunkSize runes; protected units may be larger and carry the
// chunk category of the pattern that matched them.
type unit struct {
	start     int
	end       int
	protected bool
	kind      string
}

var (
	fencedCodeRe = regexp.MustCompile("(?s)```.*?```")
	mdTableRe    = regexp.MustCompile(`(?m)(?:^[ \t]*\|[^\n]*(?:\n|$)){2,}`)
	latexBlockRe = regexp.MustCompile(`(?s)\$\$.*?\$\$`)
	latexInline  = regexp.MustCompile(`\$[^$\n]+\$`)
	imageRefRe   = regexp.MustCompile(`!\[[^\]]*\]\([^)]+\)`)
)

// protectedPatterns pairs each protected-region pattern with the chunk
// category a whole-region piece gets. LaTeX math stays plain text.
var protectedPatterns = []struct {
	re   *regexp.Regexp
	kind string
}{
	{fencedCodeRe, models.ChunkTypeCode},
	{mdTableRe, models.ChunkTypeTable},
	{latexBlockRe, ""},
	{latexInline, ""},
	{imageRefRe, models.ChunkTypeImageCaption},
}

// protectedRegions returns merged, sorted [start, end) rune spans that
// must not be split.
func protectedRegions(text string) []unit {
	type span struct {
		start, end int
		kind       string
	}
	var byteSpans []span
	for _, p := range protectedPatterns {
		for _, m := range p.re.FindAllStringIndex(text, -1) {
			byteSpans = append(byteSpans, span{start: m[0], end: m[1], kind: p.kind})
		}
	}
	if len(byteSpans) == 0 {
		return nil
	}
	sort.Slice(byteSpans, func(i, j int) bool {
		if byteSpans[i].start != byteSpans[j].start {
			return byteSpans[i].start < byteSpans[j].start
		}
		return byteSpans[i].end > byteSpans[j].end
	})

	// Merge overlaps, then convert byte offsets to rune offsets. The
	// first categorized span of a merged group names it.
	merged := []span{byteSpans[0]}
	for _, s := range byteSpans[1:] {
		last := &merged[len(merged)-1]
		if s.start <= last.end {
			if s.end > last.end {
				last.end = s.end
			}
			if last.kind == "" {
				last.kind = s.kind
			}
			continue
		}
		merged = append(merged, s)
	}

	regions := make([]unit, len(merged))
	byteToRune := runeOffsets(text)
	for i, s := range merged {
		regions[i] = unit{start: byteToRune[s.start], end: byteToRune[s.end], protected: true, kind: s.kind}
	}
	return regions
}

// runeOffsets maps every byte offset (including len(text)) to its rune
// offset.
func runeOffsets(text string) []int {
	out := make([]int, len(text)+1)
	r := 0
	for i := 0; i < len(text); i++ {
		out[i] = r
		if isLeadByte(text[i]) {
			r++
		}
	}
	out[len(text)] = r
	return out
}

// isLeadByte reports whether b starts a UTF-8 rune.
func isLeadByte(b byte) bool {
	return b&0xC0 != 0x80
}

// splitUnits walks the text, splitting free text recursively and keeping
// protected regions atomic.
func (c *Chunker) splitUnits(runes []rune, regions []unit) []unit {
	var units []unit
	pos := 0
	for _, reg := range regions {
		if reg.start > pos {
			c.splitRec(runes, pos, reg.start, 0, &units)
		}
		units = append(units, reg)
		pos = reg.end
	}
	if pos < len(runes) {
		c.splitRec(runes, pos, len(runes), 0, &units)
	}
	return units
}

// Separator priority levels tried by splitRec.
const (
	sepTripleNewline = iota
	sepDoubleNewline
	sepNewline
	sepCJKSentence
	sepLatinSentence
	sepComma
	sepSpace
	sepRune
)

// splitRec splits runes[start:end] into units of at most ChunkSize,
// trying the separator level given and escalating when it yields no cut.
func (c *Chunker) splitRec(runes []rune, start, end, level int, out *[]unit) {
	if end-start <= c.cfg.ChunkSize {
		*out = append(*out, unit{start: start, end: end})
		return
	}
	if level >= sepRune {
		for s := start; s < end; s += c.cfg.ChunkSize {
			e := s + c.cfg.ChunkSize
			if e > end {
				e = end
			}
			*out = append(*out, unit{start: s, end: e})
		}
		return
	}

	cuts := boundaries(runes, start, end, level)
	if len(cuts) == 0 {
		c.splitRec(runes, start, end, level+1, out)
		return
	}

	prev := start
	for _, cut := range cuts {
		if cut <= prev || cut >= end {
			continue
		}
		c.splitRec(runes, prev, cut, level+1, out)
		prev = cut
	}
	if prev < end {
		c.splitRec(runes, prev, end, level+1, out)
	}
}

// boundaries returns the positions in (start, end) after which a cut is
// allowed at the given separator level. The separator stays attached to
// the preceding span so reassembly loses nothing.
func boundaries(runes []rune, start, end, level int) []int {
	var cuts []int
	for i := start; i < end; i++ {
		switch level {
		case sepTripleNewline:
			if runes[i] == '\n' && i+2 < end && runes[i+1] == '\n' && runes[i+2] == '\n' {
				cuts = append(cuts, i+3)
				i += 2
			}
		case sepDoubleNewline:
			if runes[i] == '\n' && i+1 < end && runes[i+1] == '\n' {
				cuts = append(cuts, i+2)
				i++
			}
		case sepNewline:
			if runes[i] == '\n' {
				cuts = append(cuts, i+1)
			}
		case sepCJKSentence:
			if isCJKSentenceEnd(runes[i]) {
				cuts = append(cuts, i+1)
			}
		case sepLatinSentence:
			if isLatinSentenceEnd(runes[i]) && (i+1 >= end || runes[i+1] == ' ' || runes[i+1] == '\n') {
				cuts = append(cuts, i+1)
			}
		case sepComma:
			switch runes[i] {
			case '，', '、':
				cuts = append(cuts, i+1)
			case ',':
				if i+1 >= end || runes[i+1] == ' ' || runes[i+1] == '\n' {
					cuts = append(cuts, i+1)
				}
			}
		case sepSpace:
			if runes[i] == ' ' {
				cuts = append(cuts, i+1)
			}
		}
	}
	return cuts
}

func isCJKSentenceEnd(r rune) bool {
	switch r {
	case '。', '！', '？', '；':
		return true
	}
	return false
}

func isLatinSentenceEnd(r rune) bool {
	switch r {
	case '.', '!', '?', ';':
		return true
	}
	return false
}

// pack greedily merges adjacent units into pieces of at most ChunkSize,
// carrying an overlap suffix from each piece into the next. Protected
// units larger than ChunkSize become standalone pieces; larger than
// MaxChunkSize they are flagged oversize. Overlap restarts after a
// standalone protected piece.
func (c *Chunker) pack(runes []rune, units []unit) []Piece {
	var pieces []Piece
	tail := ""
	tailLen := 0

	i := 0
	for i < len(units) {
		u := units[i]
		if u.protected && u.end-u.start > c.cfg.ChunkSize {
			pieces = append(pieces, Piece{
				Content:  string(runes[u.start:u.end]),
				Start:    u.start,
				End:      u.end,
				Type:     pieceType(u),
				Oversize: u.end-u.start > c.cfg.MaxChunkSize,
			})
			tail, tailLen = "", 0
			i++
			continue
		}

		start := u.start
		end := u.end
		size := tailLen + (end - start)
		j := i + 1
		for j < len(units) {
			next := units[j]
			add := next.end - next.start
			if next.protected && add > c.cfg.ChunkSize {
				break
			}
			if size+add > c.cfg.ChunkSize {
				break
			}
			end = next.end
			size += add
			j++
		}

		// a piece made of a single protected unit keeps its category
		typ := models.ChunkTypeText
		if j == i+1 && tailLen == 0 {
			typ = pieceType(u)
		}
		pieces = append(pieces, Piece{
			Content: tail + string(runes[start:end]),
			Start:   start - tailLen,
			End:     end,
			Overlap: tailLen,
			Type:    typ,
		})
		tail, tailLen = c.overlapTail(runes, start, end)
		i = j
	}
	return pieces
}

// pieceType maps a unit to a chunk category; uncategorized spans are
// plain text.
func pieceType(u unit) string {
	if u.protected && u.kind != "" {
		return u.kind
	}
	return models.ChunkTypeText
}

// overlapTail returns the overlap to carry into the next piece: the last
// ChunkOverlap runes of the piece, snapped forward to the sentence
// boundary nearest the window start. Without a boundary in the window the
// whole window carries.
func (c *Chunker) overlapTail(runes []rune, start, end int) (string, int) {
	if c.cfg.ChunkOverlap == 0 {
		return "", 0
	}
	winStart := end - c.cfg.ChunkOverlap
	if winStart < start {
		winStart = start
	}
	for i := winStart; i < end-1; i++ {
		r := runes[i]
		if isCJKSentenceEnd(r) || isLatinSentenceEnd(r) || r == '\n' {
			winStart = i + 1
			break
		}
	}
	// Skip the space that follows a Latin sentence end.
	for winStart < end && runes[winStart] == ' ' {
		winStart++
	}
	if winStart >= end {
		return "", 0
	}
	return string(runes[winStart:end]), end - winStart
}

// EstimateTokens approximates the token count of text: tokens ~ words * 1.3.
func EstimateTokens(text string) int {
	words := len(strings.Fields(text))
	return int(math.Ceil(float64(words) * 1.3))
}
