package ingest

import (
	"context"
	"html"
	"path/filepath"
	"regexp"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
)

// Parsed is the text-extraction result handed to the chunker.
type Parsed struct {
	Text      string
	Images    []ImageRef
	PageCount int
}

// ImageRef is an image reference found in the document, fed to the
// vision client when caption ingestion is enabled.
type ImageRef struct {
	Alt string `json:"alt"`
	URL string `json:"url"`
}

// Parser extracts text from one document format.
type Parser interface {
	Parse(ctx context.Context, filename string, data []byte) (*Parsed, error)
}

// ParserRegistry maps file extensions to parsers. Text, markdown, and
// HTML are registered out of the box; binary formats (PDF, DOCX) are
// pluggable so deployments can wire an external extraction service.
type ParserRegistry struct {
	mu    sync.RWMutex
	byExt map[string]Parser
}

// NewParserRegistry returns a registry with the built-in parsers.
func NewParserRegistry() *ParserRegistry {
	r := &ParserRegistry{byExt: make(map[string]Parser)}
	r.Register(".txt", &TextParser{})
	r.Register(".md", &MarkdownParser{})
	r.Register(".markdown", &MarkdownParser{})
	r.Register(".html", &HTMLParser{})
	r.Register(".htm", &HTMLParser{})
	return r
}

// Register installs a parser for an extension (with leading dot).
func (r *ParserRegistry) Register(ext string, p Parser) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.byExt[strings.ToLower(ext)] = p
}

// For returns the parser for a filename's extension.
func (r *ParserRegistry) For(filename string) (Parser, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	p, ok := r.byExt[strings.ToLower(filepath.Ext(filename))]
	return p, ok
}

// TextParser handles plain UTF-8 text.
type TextParser struct{}

// Parse validates the bytes as UTF-8 and normalizes line endings.
func (p *TextParser) Parse(_ context.Context, filename string, data []byte) (*Parsed, error) {
	text, err := decodeUTF8(filename, data)
	if err != nil {
		return nil, err
	}
	return &Parsed{Text: text}, nil
}

// MarkdownParser keeps markdown structure intact (the chunker protects
// code fences and tables) and collects image references.
type MarkdownParser struct{}

var mdImageRe = regexp.MustCompile(`!\[([^\]]*)\]\(([^)]+)\)`)

func (p *MarkdownParser) Parse(_ context.Context, filename string, data []byte) (*Parsed, error) {
	text, err := decodeUTF8(filename, data)
	if err != nil {
		return nil, err
	}
	var images []ImageRef
	for _, m := range mdImageRe.FindAllStringSubmatch(text, -1) {
		images = append(images, ImageRef{Alt: m[1], URL: m[2]})
	}
	return &Parsed{Text: text, Images: images}, nil
}

// HTMLParser strips tags and decodes entities, dropping script and
// style bodies. Block-level closings become line breaks so the chunker
// still sees paragraph structure.
type HTMLParser struct{}

var (
	htmlScriptRe = regexp.MustCompile(`(?is)<(script|style)[^>]*>.*?</(script|style)>`)
	htmlCommentRe = regexp.MustCompile(`(?s)<!--.*?-->`)
	htmlBlockEndRe = regexp.MustCompile(`(?i)</(p|div|h[1-6]|li|tr|table|section|article|blockquote|pre)>|<br\s*/?>`)
	htmlImgRe     = regexp.MustCompile(`(?i)<img[^>]*\bsrc="([^"]*)"[^>]*>`)
	htmlAltRe     = regexp.MustCompile(`(?i)\balt="([^"]*)"`)
	htmlTagRe     = regexp.MustCompile(`<[^>]+>`)
	blankRunRe    = regexp.MustCompile(`\n{3,}`)
)

func (p *HTMLParser) Parse(_ context.Context, filename string, data []byte) (*Parsed, error) {
	text, err := decodeUTF8(filename, data)
	if err != nil {
		return nil, err
	}

	var images []ImageRef
	for _, m := range htmlImgRe.FindAllStringSubmatch(text, -1) {
		ref := ImageRef{URL: m[1]}
		if alt := htmlAltRe.FindStringSubmatch(m[0]); alt != nil {
			ref.Alt = alt[1]
		}
		images = append(images, ref)
	}

	text = htmlScriptRe.ReplaceAllString(text, "")
	text = htmlCommentRe.ReplaceAllString(text, "")
	text = htmlBlockEndRe.ReplaceAllString(text, "\n\n")
	text = htmlTagRe.ReplaceAllString(text, "")
	text = html.UnescapeString(text)
	text = blankRunRe.ReplaceAllString(NormalizeText(text), "\n\n")
	text = strings.TrimSpace(text)

	return &Parsed{Text: text, Images: images}, nil
}

func decodeUTF8(filename string, data []byte) (string, error) {
	if !utf8.Valid(data) {
		return "", apperr.Permanent("file "+filename+" is not valid UTF-8 text", nil)
	}
	return NormalizeText(string(data)), nil
}
