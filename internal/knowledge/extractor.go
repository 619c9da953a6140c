package knowledge

import (
	"regexp"
	"sort"
	"strings"
	"unicode"
	"unicode/utf8"

	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
)

const (
	maxEntitiesPerDoc  = 64
	maxNGramTokens     = 4
	cjkMinMentions     = 2
	maxPatternGapRunes = 40
	maxQueryTerms      = 8
)

// relationPattern maps connective phrases between two entity mentions
// to a typed relation. Latin phrases match on word boundaries, CJK
// phrases on plain containment.
type relationPattern struct {
	relType string
	weight  float64
	latin   []string
	cjk     []string
}

var relationPatterns = []relationPattern{
	{RelationIsA, 0.8, []string{"is a", "is an", "is the", "are a", "are the"}, []string{"是一种", "是一个", "是"}},
	{RelationPartOf, 0.8, []string{"part of", "belongs to", "member of"}, []string{"属于"}},
	{RelationContains, 0.7, []string{"contains", "includes", "consists of"}, []string{"包含", "包括"}},
	{RelationUses, 0.7, []string{"uses", "using", "relies on", "based on"}, []string{"使用", "基于"}},
}

// cjkStopChars are function characters that delimit CJK term segments.
const cjkStopChars = "的了在是和与及对中为有被将把从到之等或也就都而于由向其这那个"

var extractorStopwords = map[string]bool{
	"the": true, "a": true, "an": true, "this": true, "that": true,
	"these": true, "those": true, "it": true, "its": true, "he": true,
	"she": true, "they": true, "we": true, "you": true, "i": true,
	"in": true, "on": true, "at": true, "of": true, "for": true,
	"with": true, "and": true, "or": true, "but": true, "however": true,
	"therefore": true, "thus": true, "also": true, "then": true,
	"there": true, "here": true, "what": true, "when": true,
	"where": true, "which": true, "who": true, "why": true, "how": true,
	"if": true, "is": true, "are": true, "was": true, "were": true,
	"be": true, "been": true, "do": true, "does": true, "did": true,
	"not": true, "no": true, "as": true, "by": true, "from": true,
	"to": true, "into": true, "over": true, "under": true,
	"after": true, "before": true, "between": true, "during": true,
	"while": true, "since": true, "so": true, "such": true,
	"some": true, "any": true, "all": true, "each": true,
	"every": true, "both": true, "more": true, "most": true,
	"other": true, "another": true, "new": true, "first": true,
	"second": true, "last": true, "one": true, "two": true,
	"three": true, "about": true, "tell": true, "me": true,
	"please": true, "can": true, "could": true, "would": true,
	"should": true, "will": true, "may": true, "might": true,
}

var nameConnectors = map[string]bool{
	"of": true, "de": true, "van": true, "von": true, "der": true,
	"la": true, "le": true,
}

// honorifics precede person names; the title itself is not part of the
// entity. Trailing periods are already stripped by tokenization.
var honorifics = map[string]bool{
	"mr": true, "mrs": true, "ms": true, "dr": true, "prof": true,
	"professor": true, "president": true, "ceo": true, "sir": true,
}

var orgSuffixes = map[string]bool{
	"inc": true, "corp": true, "corporation": true, "ltd": true,
	"llc": true, "gmbh": true, "co": true, "company": true,
	"group": true, "holdings": true, "bank": true, "university": true,
	"institute": true, "foundation": true, "agency": true,
	"labs": true, "laboratories": true,
}

var locationSuffixes = map[string]bool{
	"city": true, "river": true, "mountain": true, "island": true,
	"valley": true, "province": true, "county": true, "republic": true,
	"kingdom": true, "states": true,
}

var locationPrefixes = map[string]bool{
	"lake": true, "mount": true, "fort": true, "port": true, "cape": true,
}

var eventSuffixes = map[string]bool{
	"conference": true, "summit": true, "olympics": true,
	"festival": true, "symposium": true, "expo": true,
}

var productSuffixes = map[string]bool{
	"pro": true, "max": true, "mini": true, "engine": true,
	"platform": true, "framework": true, "suite": true, "studio": true,
	"toolkit": true,
}

var tokenTrimRunes = map[rune]bool{
	',': true, '.': true, ';': true, ':': true, '!': true, '?': true,
	'(': true, ')': true, '[': true, ']': true, '{': true, '}': true,
	'"': true, '\'': true, '“': true, '”': true, '‘': true, '’': true,
	'…': true, '，': true, '。': true, '！': true, '？': true,
	'；': true, '：': true, '（': true, '）': true, '【': true,
	'】': true, '「': true, '」': true, '『': true, '』': true,
	'、': true, '·': true,
}

var hanRun = regexp.MustCompile(`\p{Han}+`)

// Extractor derives entities and relations from chunk text with
// deterministic rules: capitalized n-grams and acronyms for Latin
// scripts, stop-character-delimited term segments for CJK, and
// connective-phrase patterns plus sentence co-occurrence for relations.
// The same input always produces the same output, so re-ingesting a
// document converges instead of drifting.
type Extractor struct{}

// NewExtractor creates an extractor.
func NewExtractor() *Extractor {
	return &Extractor{}
}

// mention is one entity occurrence inside a sentence.
type mention struct {
	name      string
	typ       string
	start     int
	end       int
	initial   bool
	honorific bool
}

type sentenceRecord struct {
	chunkID  string
	text     string
	mentions []mention
}

type entityAgg struct {
	name      string
	typ       string
	honorific bool
	mentions  int
	chunkIDs  []string
	chunkSeen map[string]bool
}

type relationAgg struct {
	srcKey      string
	dstKey      string
	relType     string
	weight      float64
	description string
	count       int
	chunkIDs    []string
	chunkSeen   map[string]bool
}

// Extract runs entity and relation extraction over a document's chunks.
// Chunk ids are attributed to every entity and relation they evidence.
func (x *Extractor) Extract(kbID string, chunks []models.Chunk) ([]Entity, []Relation) {
	var sentences []sentenceRecord
	cjkCounts := make(map[string]int)
	midSentence := make(map[string]bool)

	for _, chunk := range chunks {
		for _, text := range splitSentences(chunk.Content) {
			ms := x.sentenceMentions(text)
			if len(ms) == 0 {
				continue
			}
			sentences = append(sentences, sentenceRecord{chunkID: chunk.ID, text: text, mentions: ms})
			for _, m := range ms {
				switch {
				case m.typ == EntityTypeTerm:
					cjkCounts[m.name]++
				case !m.initial:
					midSentence[strings.ToLower(m.name)] = true
				}
			}
		}
	}

	entities := make(map[string]*entityAgg)
	relations := make(map[string]*relationAgg)

	for _, sr := range sentences {
		accepted := make([]mention, 0, len(sr.mentions))
		for _, m := range sr.mentions {
			if m.typ == EntityTypeTerm && cjkCounts[m.name] < cjkMinMentions {
				continue
			}
			if m.initial && !midSentence[strings.ToLower(m.name)] {
				continue
			}
			accepted = append(accepted, m)
		}
		for _, m := range accepted {
			key := entityKey(m.name, m.typ)
			agg := entities[key]
			if agg == nil {
				agg = &entityAgg{name: m.name, typ: m.typ, chunkSeen: make(map[string]bool)}
				entities[key] = agg
			}
			agg.mentions++
			agg.honorific = agg.honorific || m.honorific
			if !agg.chunkSeen[sr.chunkID] {
				agg.chunkSeen[sr.chunkID] = true
				agg.chunkIDs = append(agg.chunkIDs, sr.chunkID)
			}
		}
		x.collectRelations(sr, accepted, relations)
	}

	kept := make([]*entityAgg, 0, len(entities))
	for _, agg := range entities {
		kept = append(kept, agg)
	}
	sort.Slice(kept, func(i, j int) bool {
		if kept[i].mentions != kept[j].mentions {
			return kept[i].mentions > kept[j].mentions
		}
		ni, nj := strings.ToLower(kept[i].name), strings.ToLower(kept[j].name)
		if ni != nj {
			return ni < nj
		}
		return kept[i].typ < kept[j].typ
	})
	if len(kept) > maxEntitiesPerDoc {
		kept = kept[:maxEntitiesPerDoc]
	}

	keptIDs := make(map[string]string, len(kept))
	outEntities := make([]Entity, 0, len(kept))
	for _, agg := range kept {
		// relation keys reference the surface type; the refined
		// category only shows in the stored entity and its id
		finalType := classifyEntityType(agg.name, agg.typ, agg.honorific)
		id := EntityID(kbID, agg.name, finalType)
		keptIDs[entityKey(agg.name, agg.typ)] = id
		outEntities = append(outEntities, Entity{
			ID:             id,
			KBID:           kbID,
			Name:           agg.name,
			Type:           finalType,
			Confidence:     entityConfidence(agg.typ, strings.Contains(agg.name, " "), agg.mentions),
			Mentions:       agg.mentions,
			SourceChunkIDs: agg.chunkIDs,
		})
	}

	outRelations := make([]Relation, 0, len(relations))
	for _, agg := range relations {
		srcID, ok := keptIDs[agg.srcKey]
		if !ok {
			continue
		}
		dstID, ok := keptIDs[agg.dstKey]
		if !ok {
			continue
		}
		weight := agg.weight
		if agg.relType == RelationRelatedTo {
			weight = 0.4 + 0.1*float64(agg.count-1)
			if weight > 0.8 {
				weight = 0.8
			}
		}
		outRelations = append(outRelations, Relation{
			ID:             RelationID(kbID, srcID, dstID, agg.relType),
			KBID:           kbID,
			SourceEntityID: srcID,
			TargetEntityID: dstID,
			Type:           agg.relType,
			Description:    agg.description,
			Weight:         weight,
			SourceChunkIDs: agg.chunkIDs,
		})
	}
	sort.Slice(outRelations, func(i, j int) bool {
		if outRelations[i].SourceEntityID != outRelations[j].SourceEntityID {
			return outRelations[i].SourceEntityID < outRelations[j].SourceEntityID
		}
		if outRelations[i].TargetEntityID != outRelations[j].TargetEntityID {
			return outRelations[i].TargetEntityID < outRelations[j].TargetEntityID
		}
		return outRelations[i].Type < outRelations[j].Type
	})

	return outEntities, outRelations
}

// collectRelations classifies adjacent mention pairs in a sentence.
func (x *Extractor) collectRelations(sr sentenceRecord, accepted []mention, relations map[string]*relationAgg) {
	for i := 0; i+1 < len(accepted); i++ {
		src, dst := accepted[i], accepted[i+1]
		srcKey, dstKey := entityKey(src.name, src.typ), entityKey(dst.name, dst.typ)
		if srcKey == dstKey {
			continue
		}

		gap := ""
		if src.end < dst.start && dst.start <= len(sr.text) {
			gap = sr.text[src.end:dst.start]
		}
		relType, weight, phrase, typed := classifyGap(gap)
		if !typed {
			relType, weight, phrase = RelationRelatedTo, 0, ""
			// undirected; canonicalize so A~B and B~A merge
			if srcKey > dstKey {
				srcKey, dstKey = dstKey, srcKey
			}
		}

		key := srcKey + "||" + dstKey + "||" + relType
		agg := relations[key]
		if agg == nil {
			agg = &relationAgg{
				srcKey:      srcKey,
				dstKey:      dstKey,
				relType:     relType,
				weight:      weight,
				description: phrase,
				chunkSeen:   make(map[string]bool),
			}
			relations[key] = agg
		}
		agg.count++
		if !agg.chunkSeen[sr.chunkID] {
			agg.chunkSeen[sr.chunkID] = true
			agg.chunkIDs = append(agg.chunkIDs, sr.chunkID)
		}
	}
}

// ExtractQueryTerms derives seed names for a graph lookup from a query.
// Unlike document extraction it accepts sentence-initial and single
// occurrence candidates, and falls back to plain keywords when the
// query carries no recognizable entities.
func (x *Extractor) ExtractQueryTerms(query string) []string {
	seen := make(map[string]bool)
	var terms []string
	add := func(t string) {
		t = strings.ToLower(strings.TrimSpace(t))
		if t == "" || seen[t] || len(terms) >= maxQueryTerms {
			return
		}
		seen[t] = true
		terms = append(terms, t)
	}

	for _, sentence := range splitSentences(query) {
		for _, m := range x.sentenceMentions(sentence) {
			add(m.name)
			if strings.Contains(m.name, " ") {
				for _, w := range strings.Fields(m.name) {
					lw := strings.ToLower(w)
					if !extractorStopwords[lw] && !nameConnectors[lw] {
						add(w)
					}
				}
			}
		}
	}

	if len(terms) == 0 {
		for _, sentence := range splitSentences(query) {
			for _, t := range tokenize(sentence) {
				w := strings.ToLower(t.text)
				if utf8.RuneCountInString(w) >= 4 && !extractorStopwords[w] {
					add(w)
				}
			}
		}
	}
	return terms
}

func (x *Extractor) sentenceMentions(sentence string) []mention {
	ms := latinMentions(sentence)
	ms = append(ms, cjkMentions(sentence)...)
	sort.Slice(ms, func(i, j int) bool { return ms[i].start < ms[j].start })
	return ms
}

// latinMentions finds capitalized n-grams and acronyms. A lone
// capitalized word at the start of a sentence is flagged initial: it
// only counts as an entity if the same name also appears mid-sentence
// somewhere in the document.
func latinMentions(sentence string) []mention {
	toks := tokenize(sentence)
	var out []mention

	i := 0
	for i < len(toks) {
		if !isCapitalized(toks[i].text) && !isAcronym(toks[i].text) {
			i++
			continue
		}

		runTokens := []token{toks[i]}
		capCount := 1
		last := i
		j := i + 1
		for j < len(toks) && capCount < maxNGramTokens {
			if isCapitalized(toks[j].text) || isAcronym(toks[j].text) {
				runTokens = append(runTokens, toks[j])
				capCount++
				last = j
				j++
				continue
			}
			if nameConnectors[strings.ToLower(toks[j].text)] && j == last+1 &&
				j+1 < len(toks) && (isCapitalized(toks[j+1].text) || isAcronym(toks[j+1].text)) {
				runTokens = append(runTokens, toks[j])
				j++
				continue
			}
			break
		}

		// a leading stopword like "The" is not part of the name, and
		// whatever follows it is capitalized on its own merits
		stripped := false
		if len(runTokens) > 1 && extractorStopwords[strings.ToLower(runTokens[0].text)] {
			runTokens = runTokens[1:]
			stripped = true
		}
		// a trailing connector never closes a name
		if nameConnectors[strings.ToLower(runTokens[len(runTokens)-1].text)] {
			runTokens = runTokens[:len(runTokens)-1]
		}

		if m, ok := classifyRun(runTokens, i == 0 && !stripped); ok {
			out = append(out, m)
		}
		i = last + 1
	}
	return out
}

func classifyRun(runTokens []token, sentenceInitial bool) (mention, bool) {
	if len(runTokens) == 0 {
		return mention{}, false
	}

	// a leading title marks a person; it is not part of the name
	honorific := false
	if len(runTokens) > 1 && honorifics[strings.ToLower(runTokens[0].text)] {
		runTokens = runTokens[1:]
		honorific = true
		sentenceInitial = false
	}

	if len(runTokens) == 1 {
		text := runTokens[0].text
		if utf8.RuneCountInString(text) < 2 || extractorStopwords[strings.ToLower(text)] {
			return mention{}, false
		}
		typ := EntityTypeConcept
		initial := sentenceInitial
		if isAcronym(text) {
			typ = EntityTypeAcronym
			initial = false
		}
		return mention{name: text, typ: typ, start: runTokens[0].start, end: runTokens[0].end, initial: initial, honorific: honorific}, true
	}

	parts := make([]string, 0, len(runTokens))
	for _, t := range runTokens {
		parts = append(parts, t.text)
	}
	return mention{
		name:      strings.Join(parts, " "),
		typ:       EntityTypeConcept,
		start:     runTokens[0].start,
		end:       runTokens[len(runTokens)-1].end,
		honorific: honorific,
	}, true
}

// classifyEntityType refines a concept mention into one of the named
// categories by cue words at the edges of the name. Acronyms and CJK
// terms keep their surface type; anything without a cue stays a concept.
func classifyEntityType(name, surfaceType string, honorific bool) string {
	if surfaceType != EntityTypeConcept {
		return surfaceType
	}
	if honorific {
		return EntityTypePerson
	}
	words := strings.Fields(strings.ToLower(name))
	if len(words) == 0 {
		return EntityTypeConcept
	}
	first, last := words[0], words[len(words)-1]
	switch {
	case orgSuffixes[last]:
		return EntityTypeOrganization
	case locationSuffixes[last] || locationPrefixes[first]:
		return EntityTypeLocation
	case eventSuffixes[last]:
		return EntityTypeEvent
	case productSuffixes[last]:
		return EntityTypeProduct
	}
	return EntityTypeConcept
}

// cjkMentions segments Han runs at function characters and emits the
// 2..8 rune segments as term candidates. Acceptance is frequency
// gated by the caller.
func cjkMentions(sentence string) []mention {
	var out []mention
	for _, loc := range hanRun.FindAllStringIndex(sentence, -1) {
		run := sentence[loc[0]:loc[1]]
		segStart := 0
		for pos, r := range run {
			if strings.ContainsRune(cjkStopChars, r) {
				out = appendCJKSegment(out, run, segStart, pos, loc[0])
				segStart = pos + utf8.RuneLen(r)
			}
		}
		out = appendCJKSegment(out, run, segStart, len(run), loc[0])
	}
	return out
}

func appendCJKSegment(out []mention, run string, start, end, offset int) []mention {
	if end <= start {
		return out
	}
	seg := run[start:end]
	n := utf8.RuneCountInString(seg)
	if n < 2 || n > 8 {
		return out
	}
	return append(out, mention{
		name:  seg,
		typ:   EntityTypeTerm,
		start: offset + start,
		end:   offset + end,
	})
}

func classifyGap(gap string) (string, float64, string, bool) {
	if gap == "" || utf8.RuneCountInString(gap) > maxPatternGapRunes {
		return "", 0, "", false
	}
	lower := strings.ToLower(gap)
	padded := " " + lower + " "
	for _, p := range relationPatterns {
		for _, phrase := range p.latin {
			if strings.Contains(padded, " "+phrase+" ") {
				return p.relType, p.weight, phrase, true
			}
		}
		for _, phrase := range p.cjk {
			if strings.Contains(lower, phrase) {
				return p.relType, p.weight, phrase, true
			}
		}
	}
	return "", 0, "", false
}

func entityConfidence(typ string, multiWord bool, mentions int) float64 {
	base := 0.5
	switch {
	case typ == EntityTypeAcronym:
		base = 0.7
	case typ == EntityTypeConcept && multiWord:
		base = 0.6
	}
	bonus := 0.05 * float64(mentions-1)
	if bonus > 0.25 {
		bonus = 0.25
	}
	c := base + bonus
	if c > 0.95 {
		c = 0.95
	}
	return c
}

func entityKey(name, typ string) string {
	return strings.ToLower(name) + "|" + typ
}

// isCapitalized reports whether a token starts upper and carries at
// least one lowercase rune, distinguishing proper nouns from acronyms.
func isCapitalized(s string) bool {
	r, _ := utf8.DecodeRuneInString(s)
	if !unicode.IsUpper(r) {
		return false
	}
	for _, c := range s {
		if unicode.IsLower(c) {
			return true
		}
	}
	return false
}

// isAcronym matches 2-6 rune all-caps tokens with at least two letters,
// digits allowed.
func isAcronym(s string) bool {
	n := utf8.RuneCountInString(s)
	if n < 2 || n > 6 {
		return false
	}
	letters := 0
	for _, r := range s {
		switch {
		case unicode.IsUpper(r):
			letters++
		case unicode.IsDigit(r):
		default:
			return false
		}
	}
	return letters >= 2
}

// token is a whitespace-delimited word with surrounding punctuation
// stripped, carrying its byte offsets in the sentence.
type token struct {
	text  string
	start int
	end   int
}

func tokenize(s string) []token {
	var toks []token
	start := -1
	flush := func(end int) {
		if start < 0 {
			return
		}
		if t, ok := trimToken(s, start, end); ok {
			toks = append(toks, t)
		}
		start = -1
	}
	for pos, r := range s {
		if unicode.IsSpace(r) {
			flush(pos)
			continue
		}
		if start < 0 {
			start = pos
		}
	}
	flush(len(s))
	return toks
}

func trimToken(s string, start, end int) (token, bool) {
	for start < end {
		r, size := utf8.DecodeRuneInString(s[start:end])
		if !tokenTrimRunes[r] {
			break
		}
		start += size
	}
	for end > start {
		r, size := utf8.DecodeLastRuneInString(s[start:end])
		if !tokenTrimRunes[r] {
			break
		}
		end -= size
	}
	if start >= end {
		return token{}, false
	}
	return token{text: s[start:end], start: start, end: end}, true
}

var sentenceEnders = map[rune]bool{
	'.': true, '!': true, '?': true, ';': true, '\n': true,
	'。': true, '！': true, '？': true, '；': true,
}

func splitSentences(text string) []string {
	var out []string
	start := 0
	for pos, r := range text {
		if !sentenceEnders[r] {
			continue
		}
		if s := strings.TrimSpace(text[start:pos]); s != "" {
			out = append(out, s)
		}
		start = pos + utf8.RuneLen(r)
	}
	if s := strings.TrimSpace(text[start:]); s != "" {
		out = append(out, s)
	}
	return out
}
