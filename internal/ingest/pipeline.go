// Package ingest implements the document ingestion pipeline: validate,
// parse, chunk, embed, and index into the metadata, vector, and graph
// stores. Processing is asynchronous with bounded admission; a document
// always finishes as completed or failed, never half-indexed.
package ingest

import (
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/ruochenliao/ai-training-course-sub005/internal/apperr"
	"github.com/ruochenliao/ai-training-course-sub005/internal/concurrency"
	"github.com/ruochenliao/ai-training-course-sub005/internal/config"
	"github.com/ruochenliao/ai-training-course-sub005/internal/knowledge"
	"github.com/ruochenliao/ai-training-course-sub005/internal/llm"
	"github.com/ruochenliao/ai-training-course-sub005/internal/models"
	"github.com/ruochenliao/ai-training-course-sub005/internal/vectordb/qdrant"
)

// Pipeline stages reported through progress records and metrics.
const (
	StageValidate = "validate"
	StageParse    = "parse"
	StageChunk    = "chunk"
	StageEmbed    = "embed"
	StageIndex    = "index"
	StageFinalize = "finalize"
)

// DocumentStore is the metadata access the pipeline needs for documents.
type DocumentStore interface {
	Create(ctx context.Context, doc *models.Document) error
	GetByID(ctx context.Context, id string) (*models.Document, error)
	GetByHash(ctx context.Context, kbID, contentHash string) (*models.Document, error)
	GetByFilename(ctx context.Context, kbID, filename string) (*models.Document, error)
	Update(ctx context.Context, doc *models.Document) error
	UpdateStatus(ctx context.Context, id, status, errText string) error
	SetChunkCount(ctx context.Context, id string, count int) error
	Delete(ctx context.Context, id string) error
}

// ChunkStore persists and removes chunk rows.
type ChunkStore interface {
	CreateBatch(ctx context.Context, chunks []*models.Chunk) error
	DeleteByDocument(ctx context.Context, documentID string) error
}

// KnowledgeBaseStore resolves the owning knowledge base.
type KnowledgeBaseStore interface {
	GetByID(ctx context.Context, id string) (*models.KnowledgeBase, error)
}

// VectorStore is the dense index surface the pipeline writes to.
type VectorStore interface {
	EnsureCollection(ctx context.Context, name string, vectorSize int) error
	UpsertPoints(ctx context.Context, collection string, points []qdrant.Point) error
	DeleteByFilter(ctx context.Context, collection string, filter map[string]interface{}) error
}

// GraphStore receives extracted entities and relations. Optional.
type GraphStore interface {
	UpsertEntities(ctx context.Context, kbID, docID string, entities []knowledge.Entity) error
	UpsertRelations(ctx context.Context, kbID string, relations []knowledge.Relation) error
	DeleteByDocument(ctx context.Context, kbID, docID string) error
}

// BlobStore keeps the raw uploaded file. Optional.
type BlobStore interface {
	Put(ctx context.Context, kbID, docID, filename string, reader io.Reader, size int64, contentType string) (string, error)
	Get(ctx context.Context, kbID, docID, filename string) (io.ReadCloser, error)
	Remove(ctx context.Context, kbID, docID, filename string) error
}

// CacheInvalidator drops cached retrieval results after a KB mutation.
// Optional.
type CacheInvalidator interface {
	BumpEpoch(ctx context.Context, kbID string) error
}

// Metrics receives pipeline observations. Optional.
type Metrics interface {
	ObserveIngestStage(stage string, elapsed time.Duration)
	DocumentFinished(status string)
}

type nopMetrics struct{}

func (nopMetrics) ObserveIngestStage(string, time.Duration) {}
func (nopMetrics) DocumentFinished(string)                  {}

// Deps bundles the pipeline's collaborators. Documents, Chunks,
// KnowledgeBases, Vectors, and Embedder are required; the rest degrade
// to no-ops when nil.
type Deps struct {
	Documents      DocumentStore
	Chunks         ChunkStore
	KnowledgeBases KnowledgeBaseStore
	Vectors        VectorStore
	Graph          GraphStore
	Blobs          BlobStore
	Cache          CacheInvalidator
	Embedder       llm.Embedder
	Vision         llm.VisionDescriber
	Metrics        Metrics
}

// Progress is the per-document stage record readable by observers.
type Progress struct {
	DocumentID string    `json:"document_id"`
	Stage      string    `json:"stage"`
	Percent    int       `json:"percent"`
	UpdatedAt  time.Time `json:"updated_at"`
}

// IngestRequest is one document submission.
type IngestRequest struct {
	KBID        string
	Filename    string
	ContentType string
	Data        []byte
}

// Pipeline runs document ingestion. Construct with NewPipeline and stop
// with Close, which waits for in-flight documents.
type Pipeline struct {
	cfg       config.IngestConfig
	deps      Deps
	chunker   *Chunker
	extractor *knowledge.Extractor
	parsers   *ParserRegistry
	gate      *concurrency.AdmissionGate
	logger    *logrus.Logger
	metrics   Metrics

	mu       sync.RWMutex
	progress map[string]*Progress

	runCtx context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// NewPipeline builds the pipeline. Background processing derives from
// the pipeline's own context so shutdown cancels it deterministically.
func NewPipeline(cfg config.IngestConfig, deps Deps, logger *logrus.Logger) (*Pipeline, error) {
	if deps.Documents == nil || deps.Chunks == nil || deps.KnowledgeBases == nil {
		return nil, apperr.InvalidInput("ingest pipeline requires the metadata stores")
	}
	if deps.Vectors == nil {
		return nil, apperr.InvalidInput("ingest pipeline requires a vector store")
	}
	if deps.Embedder == nil {
		return nil, apperr.InvalidInput("ingest pipeline requires an embedder")
	}
	if logger == nil {
		logger = logrus.New()
	}
	metrics := deps.Metrics
	if metrics == nil {
		metrics = nopMetrics{}
	}
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 32
	}
	if cfg.EmbedBatchSize <= 0 {
		cfg.EmbedBatchSize = 64
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Pipeline{
		cfg:  cfg,
		deps: deps,
		chunker: NewChunker(ChunkerConfig{
			ChunkSize:    cfg.ChunkSize,
			ChunkOverlap: cfg.ChunkOverlap,
			MaxChunkSize: cfg.MaxChunkSize,
		}),
		extractor: knowledge.NewExtractor(),
		parsers:   NewParserRegistry(),
		gate:      concurrency.NewAdmissionGate(cfg.MaxConcurrent, cfg.QueueSize),
		logger:    logger,
		metrics:   metrics,
		progress:  make(map[string]*Progress),
		runCtx:    ctx,
		cancel:    cancel,
	}, nil
}

// Parsers exposes the registry so deployments can plug binary-format
// parsers before serving traffic.
func (p *Pipeline) Parsers() *ParserRegistry {
	return p.parsers
}

// Close stops accepting work and waits for in-flight documents.
func (p *Pipeline) Close() {
	p.cancel()
	p.wg.Wait()
}

// Ingest validates and admits a document, returning immediately with the
// created (or already-existing) document row. created is false when the
// same content was already ingested into the knowledge base; the
// existing document is returned untouched. Uploading a known filename
// with different content replaces that document in place: its old
// chunks, vectors, and graph data are removed before reprocessing.
// Processing continues in the background; poll the document status or
// Progress for completion.
func (p *Pipeline) Ingest(ctx context.Context, req IngestRequest) (doc *models.Document, created bool, err error) {
	start := time.Now()
	if err := p.validate(req); err != nil {
		return nil, false, err
	}

	kb, err := p.deps.KnowledgeBases.GetByID(ctx, req.KBID)
	if err != nil {
		return nil, false, err
	}

	hash := contentHash(req.Data)
	existing, err := p.deps.Documents.GetByHash(ctx, req.KBID, hash)
	if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, false, err
	}
	if existing != nil {
		p.logger.WithFields(logrus.Fields{
			"kb_id":       req.KBID,
			"document_id": existing.ID,
			"filename":    req.Filename,
		}).Info("document content already ingested")
		return existing, false, nil
	}

	prior, err := p.deps.Documents.GetByFilename(ctx, req.KBID, req.Filename)
	if err != nil && !apperr.IsKind(err, apperr.KindNotFound) {
		return nil, false, err
	}
	if prior != nil {
		doc, err = p.replace(ctx, prior, kb, req, hash)
		return doc, err == nil, err
	}

	if !p.gate.Reserve() {
		return nil, false, apperr.Transientf("ingestion pipeline saturated, retry later")
	}

	doc = &models.Document{
		ID:          uuid.New().String(),
		KBID:        req.KBID,
		Filename:    req.Filename,
		ContentType: req.ContentType,
		SizeBytes:   int64(len(req.Data)),
		ContentHash: hash,
		Status:      models.DocumentStatusPending,
	}
	if err := p.deps.Documents.Create(ctx, doc); err != nil {
		p.gate.Abandon()
		return nil, false, err
	}

	if p.deps.Blobs != nil {
		if _, err := p.deps.Blobs.Put(ctx, doc.KBID, doc.ID, doc.Filename,
			bytes.NewReader(req.Data), doc.SizeBytes, doc.ContentType); err != nil {
			p.gate.Abandon()
			_ = p.deps.Documents.Delete(ctx, doc.ID)
			return nil, false, fmt.Errorf("failed to store raw document: %w", err)
		}
	}

	p.setProgress(doc.ID, StageValidate, 5)
	p.metrics.ObserveIngestStage(StageValidate, time.Since(start))
	p.spawn(doc, kb, req.Data)
	return doc, true, nil
}

// replace reuses an existing document row for a re-uploaded file:
// derived data is dropped, the row's content columns are rewritten, and
// the new bytes go through the normal stages under the same document ID.
func (p *Pipeline) replace(ctx context.Context, doc *models.Document, kb *models.KnowledgeBase, req IngestRequest, hash string) (*models.Document, error) {
	if doc.Status == models.DocumentStatusProcessing || doc.Status == models.DocumentStatusPending {
		return nil, apperr.Conflictf("document %s is already being processed", doc.ID)
	}
	if !p.gate.Reserve() {
		return nil, apperr.Transientf("ingestion pipeline saturated, retry later")
	}

	if err := p.cleanupDerived(ctx, doc); err != nil {
		p.gate.Abandon()
		return nil, err
	}

	doc.ContentType = req.ContentType
	doc.SizeBytes = int64(len(req.Data))
	doc.ContentHash = hash
	doc.Status = models.DocumentStatusPending
	doc.Error = ""
	doc.ChunkCount = 0
	if err := p.deps.Documents.Update(ctx, doc); err != nil {
		p.gate.Abandon()
		return nil, err
	}

	if p.deps.Blobs != nil {
		if _, err := p.deps.Blobs.Put(ctx, doc.KBID, doc.ID, doc.Filename,
			bytes.NewReader(req.Data), doc.SizeBytes, doc.ContentType); err != nil {
			p.gate.Abandon()
			return nil, fmt.Errorf("failed to store raw document: %w", err)
		}
	}

	p.logger.WithFields(logrus.Fields{
		"kb_id":       doc.KBID,
		"document_id": doc.ID,
		"filename":    doc.Filename,
	}).Info("re-uploaded file replaces existing document")

	p.setProgress(doc.ID, StageValidate, 5)
	p.spawn(doc, kb, req.Data)
	return doc, nil
}

// Reingest reprocesses an existing document from its stored raw bytes,
// replacing all derived chunks, vectors, and graph data.
func (p *Pipeline) Reingest(ctx context.Context, documentID string) (*models.Document, error) {
	doc, err := p.deps.Documents.GetByID(ctx, documentID)
	if err != nil {
		return nil, err
	}
	if doc.Status == models.DocumentStatusProcessing || doc.Status == models.DocumentStatusPending {
		return nil, apperr.Conflictf("document %s is already being processed", documentID)
	}
	if p.deps.Blobs == nil {
		return nil, apperr.Permanent("raw document content is unavailable: blob store disabled", nil)
	}

	kb, err := p.deps.KnowledgeBases.GetByID(ctx, doc.KBID)
	if err != nil {
		return nil, err
	}

	reader, err := p.deps.Blobs.Get(ctx, doc.KBID, doc.ID, doc.Filename)
	if err != nil {
		return nil, fmt.Errorf("failed to fetch raw document: %w", err)
	}
	defer func() { _ = reader.Close() }()
	data, err := io.ReadAll(reader)
	if err != nil {
		return nil, apperr.DependencyFailure("failed to read raw document", err)
	}

	if !p.gate.Reserve() {
		return nil, apperr.Transientf("ingestion pipeline saturated, retry later")
	}

	if err := p.cleanupDerived(ctx, doc); err != nil {
		p.gate.Abandon()
		return nil, err
	}
	if err := p.deps.Documents.UpdateStatus(ctx, doc.ID, models.DocumentStatusPending, ""); err != nil {
		p.gate.Abandon()
		return nil, err
	}
	doc.Status = models.DocumentStatusPending
	doc.Error = ""

	p.spawn(doc, kb, data)
	return doc, nil
}

// DeleteDocument removes a document and everything derived from it:
// vector points, graph residue, chunk rows, the stored blob, and the
// document row itself.
func (p *Pipeline) DeleteDocument(ctx context.Context, documentID string) error {
	doc, err := p.deps.Documents.GetByID(ctx, documentID)
	if err != nil {
		return err
	}

	if err := p.cleanupDerived(ctx, doc); err != nil {
		return err
	}
	if p.deps.Blobs != nil {
		if err := p.deps.Blobs.Remove(ctx, doc.KBID, doc.ID, doc.Filename); err != nil {
			p.logger.WithError(err).WithField("document_id", doc.ID).Warn("failed to remove raw document blob")
		}
	}
	if err := p.deps.Documents.Delete(ctx, doc.ID); err != nil {
		return err
	}
	p.bumpEpoch(ctx, doc.KBID)
	p.clearProgress(doc.ID)

	p.logger.WithFields(logrus.Fields{
		"kb_id":       doc.KBID,
		"document_id": doc.ID,
	}).Info("document deleted")
	return nil
}

// Progress returns the latest stage record for a document.
func (p *Pipeline) Progress(documentID string) (*Progress, bool) {
	p.mu.RLock()
	defer p.mu.RUnlock()
	prog, ok := p.progress[documentID]
	if !ok {
		return nil, false
	}
	copied := *prog
	return &copied, true
}

// InFlight reports how many documents are currently processing.
func (p *Pipeline) InFlight() int {
	return p.gate.InFlight()
}

func (p *Pipeline) validate(req IngestRequest) error {
	if req.KBID == "" {
		return apperr.InvalidInput("knowledge base id is required")
	}
	if strings.TrimSpace(req.Filename) == "" {
		return apperr.InvalidInput("filename is required")
	}
	if len(req.Data) == 0 {
		return apperr.InvalidInput("document is empty")
	}
	if p.cfg.MaxFileSizeBytes > 0 && int64(len(req.Data)) > p.cfg.MaxFileSizeBytes {
		return apperr.InvalidInputf("document exceeds the %d byte size limit", p.cfg.MaxFileSizeBytes)
	}

	ext := strings.ToLower(filepath.Ext(req.Filename))
	allowed := false
	for _, e := range p.cfg.AllowedExtensions {
		if strings.ToLower(e) == ext {
			allowed = true
			break
		}
	}
	if !allowed {
		return apperr.InvalidInputf("file type %q is not allowed", ext)
	}
	if _, ok := p.parsers.For(req.Filename); !ok {
		return apperr.InvalidInputf("no parser available for %q files", ext)
	}
	return nil
}

// spawn hands the document to a background worker holding a reserved
// gate place.
func (p *Pipeline) spawn(doc *models.Document, kb *models.KnowledgeBase, data []byte) {
	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		if err := p.gate.Begin(p.runCtx); err != nil {
			p.gate.Abandon()
			p.fail(doc, fmt.Errorf("ingestion aborted before start: %w", err))
			return
		}
		defer p.gate.Done()
		p.process(p.runCtx, doc, kb, data)
	}()
}

// process runs the parse, chunk, embed, and index stages for one
// document.
func (p *Pipeline) process(ctx context.Context, doc *models.Document, kb *models.KnowledgeBase, data []byte) {
	log := p.logger.WithFields(logrus.Fields{
		"kb_id":       doc.KBID,
		"document_id": doc.ID,
		"filename":    doc.Filename,
	})

	if err := p.deps.Documents.UpdateStatus(ctx, doc.ID, models.DocumentStatusProcessing, ""); err != nil {
		p.fail(doc, err)
		return
	}

	// Parse.
	stageStart := time.Now()
	p.setProgress(doc.ID, StageParse, 15)
	parser, _ := p.parsers.For(doc.Filename)
	parsed, err := parser.Parse(ctx, doc.Filename, data)
	if err != nil {
		p.fail(doc, fmt.Errorf("parse failed: %w", err))
		return
	}
	text := parsed.Text
	if p.cfg.VisionCaptions && p.deps.Vision != nil && len(parsed.Images) > 0 {
		text = p.appendCaptions(ctx, text, parsed.Images, log)
	}
	p.metrics.ObserveIngestStage(StageParse, time.Since(stageStart))

	// Chunk.
	stageStart = time.Now()
	p.setProgress(doc.ID, StageChunk, 35)
	pieces := p.chunker.Split(text)
	if len(pieces) == 0 {
		p.fail(doc, apperr.Permanent("document contains no indexable text", nil))
		return
	}
	chunks := make([]*models.Chunk, len(pieces))
	for i, piece := range pieces {
		chunks[i] = &models.Chunk{
			ID:            uuid.New().String(),
			DocumentID:    doc.ID,
			KBID:          doc.KBID,
			ChunkIndex:    i,
			Content:       piece.Content,
			CharStart:     piece.Start,
			CharEnd:       piece.End,
			TokenEstimate: EstimateTokens(piece.Content),
			ChunkType:     piece.Type,
			Oversize:      piece.Oversize,
		}
		if piece.Overlap > 0 {
			chunks[i].Metadata = map[string]interface{}{"overlap": piece.Overlap}
		}
	}
	p.metrics.ObserveIngestStage(StageChunk, time.Since(stageStart))
	log.WithField("chunks", len(chunks)).Debug("document chunked")

	// Embed.
	stageStart = time.Now()
	p.setProgress(doc.ID, StageEmbed, 55)
	vectors, err := p.embedChunks(ctx, chunks)
	if err != nil {
		p.fail(doc, fmt.Errorf("embedding failed: %w", err))
		return
	}
	p.metrics.ObserveIngestStage(StageEmbed, time.Since(stageStart))

	// Index: chunk rows first so no vector point lacks a parent chunk.
	stageStart = time.Now()
	p.setProgress(doc.ID, StageIndex, 80)
	if err := p.index(ctx, doc, kb, chunks, vectors); err != nil {
		p.rollback(doc)
		p.fail(doc, fmt.Errorf("indexing failed: %w", err))
		return
	}
	p.metrics.ObserveIngestStage(StageIndex, time.Since(stageStart))

	// Finalize.
	if err := p.deps.Documents.SetChunkCount(ctx, doc.ID, len(chunks)); err != nil {
		p.rollback(doc)
		p.fail(doc, err)
		return
	}
	if err := p.deps.Documents.UpdateStatus(ctx, doc.ID, models.DocumentStatusCompleted, ""); err != nil {
		p.fail(doc, err)
		return
	}
	p.setProgress(doc.ID, StageFinalize, 100)
	p.bumpEpoch(ctx, doc.KBID)
	p.metrics.DocumentFinished(models.DocumentStatusCompleted)
	log.WithField("chunks", len(chunks)).Info("document ingested")
}

// embedChunks embeds chunk contents in order, re-batching to the
// configured batch size. Any batch failure fails the whole document.
func (p *Pipeline) embedChunks(ctx context.Context, chunks []*models.Chunk) ([][]float32, error) {
	vectors := make([][]float32, 0, len(chunks))
	for start := 0; start < len(chunks); start += p.cfg.EmbedBatchSize {
		end := start + p.cfg.EmbedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Content)
		}
		batch, err := p.deps.Embedder.Embed(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(batch) != len(texts) {
			return nil, apperr.DependencyFailuref("embedder returned %d vectors for %d texts", len(batch), len(texts))
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

func (p *Pipeline) index(ctx context.Context, doc *models.Document, kb *models.KnowledgeBase, chunks []*models.Chunk, vectors [][]float32) error {
	collection := qdrant.CollectionName(doc.KBID)
	dim := kb.EmbeddingDim
	if dim <= 0 {
		dim = p.deps.Embedder.Dimension()
	}
	if err := p.deps.Vectors.EnsureCollection(ctx, collection, dim); err != nil {
		return err
	}

	if err := p.deps.Chunks.CreateBatch(ctx, chunks); err != nil {
		return err
	}

	points := make([]qdrant.Point, len(chunks))
	for i, c := range chunks {
		points[i] = qdrant.Point{
			ID:     c.ID,
			Vector: vectors[i],
			Payload: map[string]interface{}{
				"chunk_id":    c.ID,
				"document_id": c.DocumentID,
				"kb_id":       c.KBID,
				"chunk_index": c.ChunkIndex,
				"content":     c.Content,
				"chunk_type":  c.ChunkType,
				"oversize":    c.Oversize,
			},
		}
		if c.Metadata != nil {
			points[i].Payload["metadata"] = c.Metadata
		}
	}
	if err := p.deps.Vectors.UpsertPoints(ctx, collection, points); err != nil {
		return err
	}

	if p.deps.Graph != nil {
		chunkValues := make([]models.Chunk, len(chunks))
		for i, c := range chunks {
			chunkValues[i] = *c
		}
		entities, relations := p.extractor.Extract(doc.KBID, chunkValues)
		if len(entities) > 0 {
			if err := p.deps.Graph.UpsertEntities(ctx, doc.KBID, doc.ID, entities); err != nil {
				return err
			}
		}
		if len(relations) > 0 {
			if err := p.deps.Graph.UpsertRelations(ctx, doc.KBID, relations); err != nil {
				return err
			}
		}
	}
	return nil
}

// rollback undoes partial index writes so a failed document leaves no
// derived data behind. Runs on a fresh context: the document context may
// already be cancelled.
func (p *Pipeline) rollback(doc *models.Document) {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	if err := p.cleanupDerived(ctx, doc); err != nil {
		p.logger.WithError(err).WithField("document_id", doc.ID).Error("rollback incomplete")
	}
}

// cleanupDerived removes everything derived from a document.
func (p *Pipeline) cleanupDerived(ctx context.Context, doc *models.Document) error {
	collection := qdrant.CollectionName(doc.KBID)
	if err := p.deps.Vectors.DeleteByFilter(ctx, collection, qdrant.DocumentFilter(doc.ID)); err != nil &&
		!apperr.IsKind(err, apperr.KindNotFound) {
		return fmt.Errorf("failed to delete vector points: %w", err)
	}
	if p.deps.Graph != nil {
		if err := p.deps.Graph.DeleteByDocument(ctx, doc.KBID, doc.ID); err != nil {
			return fmt.Errorf("failed to delete graph data: %w", err)
		}
	}
	if err := p.deps.Chunks.DeleteByDocument(ctx, doc.ID); err != nil {
		return fmt.Errorf("failed to delete chunks: %w", err)
	}
	if err := p.deps.Documents.SetChunkCount(ctx, doc.ID, 0); err != nil {
		return err
	}
	return nil
}

// appendCaptions describes referenced images and appends the captions as
// extra paragraphs so they embed and retrieve like any other text.
func (p *Pipeline) appendCaptions(ctx context.Context, text string, images []ImageRef, log *logrus.Entry) string {
	const maxCaptions = 8
	var b strings.Builder
	b.WriteString(text)
	for i, img := range images {
		if i >= maxCaptions {
			break
		}
		caption, err := p.deps.Vision.Describe(ctx, llm.DescribeRequest{
			ImageURL: img.URL,
			Prompt:   "Describe this image in one short paragraph.",
		})
		if err != nil {
			log.WithError(err).WithField("image", img.URL).Warn("image caption failed")
			continue
		}
		b.WriteString("\n\nImage ")
		if img.Alt != "" {
			b.WriteString("(" + img.Alt + ") ")
		}
		b.WriteString("description: " + caption)
	}
	return b.String()
}

// fail marks the document failed. Status writes use a fresh context so a
// cancelled ingest still records its terminal state.
func (p *Pipeline) fail(doc *models.Document, cause error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	msg := cause.Error()
	if len(msg) > 500 {
		msg = msg[:500]
	}
	if err := p.deps.Documents.UpdateStatus(ctx, doc.ID, models.DocumentStatusFailed, msg); err != nil {
		p.logger.WithError(err).WithField("document_id", doc.ID).Error("failed to record document failure")
	}
	p.setProgress(doc.ID, StageFinalize, 100)
	p.metrics.DocumentFinished(models.DocumentStatusFailed)
	p.logger.WithError(cause).WithFields(logrus.Fields{
		"kb_id":       doc.KBID,
		"document_id": doc.ID,
	}).Error("document ingestion failed")
}

func (p *Pipeline) setProgress(docID, stage string, percent int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.progress[docID] = &Progress{
		DocumentID: docID,
		Stage:      stage,
		Percent:    percent,
		UpdatedAt:  time.Now(),
	}
}

func (p *Pipeline) clearProgress(docID string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.progress, docID)
}

func (p *Pipeline) bumpEpoch(ctx context.Context, kbID string) {
	if p.deps.Cache == nil {
		return
	}
	if err := p.deps.Cache.BumpEpoch(ctx, kbID); err != nil {
		p.logger.WithError(err).WithField("kb_id", kbID).Warn("failed to invalidate retrieval cache")
	}
}

func contentHash(data []byte) string {
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}
