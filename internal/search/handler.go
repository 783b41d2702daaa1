// Package search implements the search stage: duplicate lookup against the
// calibre library, tiered catalog queries, candidate scoring and
// persistence, and selection of the candidate to download.
package search

import (
	"context"
	"encoding/json"
	"log/slog"
	"strings"

	"bindery/internal/config"
	"bindery/internal/queue"
	"bindery/internal/services/calibre"
	"bindery/internal/services/zlibrary"
	"bindery/internal/stage"
	"bindery/internal/textutil"
)

// Handler resolves one book against the catalog.
type Handler struct {
	catalog  *zlibrary.Client
	library  *calibre.Client
	store    *queue.Store
	minScore float64
	formats  []string
	logger   *slog.Logger
}

// NewHandler builds the search stage handler.
func NewHandler(cfg *config.Config, store *queue.Store) (*Handler, error) {
	catalog, err := zlibrary.NewClient(cfg)
	if err != nil {
		return nil, err
	}
	return &Handler{
		catalog:  catalog,
		library:  calibre.NewClient(cfg),
		store:    store,
		minScore: cfg.Search.MinMatchScore,
		formats:  cfg.ZLibrary.PreferredFormats,
		logger:   slog.Default(),
	}, nil
}

func (h *Handler) Stage() queue.Stage { return queue.StageSearch }

func (h *Handler) SetLogger(logger *slog.Logger) {
	if logger != nil {
		h.logger = logger
	}
}

func (h *Handler) CanProcess(book *queue.Book) bool {
	return book != nil && queue.IsEligibleForStage(book.Status, queue.StageSearch)
}

// Process checks the library first, then works through the query tiers in
// decreasing specificity. The first tier producing a candidate at or above
// the score floor wins; later tiers never run.
func (h *Handler) Process(ctx context.Context, book *queue.Book) (stage.Result, error) {
	if book.Title != "" || book.ISBN != "" {
		existingID, err := h.library.FindExisting(ctx, book.Title, book.Author, book.ISBN)
		if err != nil {
			// A library outage should not block the search; the upload
			// stage rejects duplicates anyway.
			h.logger.Warn("library lookup failed", slog.Any("error", err))
		} else if existingID != 0 {
			book.CalibreID = existingID
			h.logger.Info("book already in library", slog.Int64("calibre_id", existingID))
			return stage.Result{Success: true, Override: queue.StatusSkippedExists}, nil
		}
	}

	var accepted []*queue.SearchCandidate
	for _, query := range queryTiers(book) {
		hits, err := h.catalog.Search(ctx, query)
		if err != nil {
			return stage.Result{}, err
		}
		accepted = h.scoreHits(book, hits)
		if len(accepted) > 0 {
			h.logger.Debug("query tier matched",
				slog.String("query", query),
				slog.Int("candidates", len(accepted)))
			break
		}
	}
	if len(accepted) == 0 {
		return stage.Result{Success: false}, nil
	}

	if err := h.store.SaveCandidates(ctx, book.ID, accepted); err != nil {
		return stage.Result{}, err
	}
	saved, err := h.store.Candidates(ctx, queue.CandidateFilter{BookID: book.ID})
	if err != nil {
		return stage.Result{}, err
	}
	best := selectCandidate(saved, h.formats)
	if best == nil {
		return stage.Result{Success: false}, nil
	}
	priority := downloadPriority(best.MatchScore, best.Format)
	if err := h.store.EnqueueDownload(ctx, book.ID, best.ID, priority); err != nil {
		return stage.Result{}, err
	}
	h.logger.Info("candidate selected",
		slog.String("catalog_id", best.CatalogID),
		slog.String("format", best.Format),
		slog.Float64("score", best.MatchScore),
		slog.Int("priority", priority))
	return stage.Result{Success: true}, nil
}

func (h *Handler) NextStatus(success bool) queue.Status {
	if success {
		return queue.StatusSearchComplete
	}
	return queue.StatusSearchNoResults
}

// queryTiers returns the catalog queries for a book, most specific first.
// Tiers whose fields are missing are dropped.
func queryTiers(book *queue.Book) []string {
	var tiers []string
	if book.ISBN != "" {
		tiers = append(tiers, book.ISBN)
	}
	if book.Title != "" && book.Author != "" && book.Publisher != "" {
		tiers = append(tiers, strings.Join([]string{book.Title, book.Author, book.Publisher}, " "))
	}
	if book.Title != "" && book.Author != "" {
		tiers = append(tiers, book.Title+" "+book.Author)
	}
	if book.Title != "" {
		tiers = append(tiers, book.Title)
	}
	return tiers
}

// scoreHits converts catalog hits into candidates, discarding everything
// below the score floor.
func (h *Handler) scoreHits(book *queue.Book, hits []zlibrary.Hit) []*queue.SearchCandidate {
	var accepted []*queue.SearchCandidate
	for _, hit := range hits {
		score := textutil.MatchScore(
			book.Title, book.Author, book.Publisher, book.ISBN,
			hit.Title, hit.Author, hit.Publisher, "")
		if score < h.minScore {
			continue
		}
		raw, err := json.Marshal(hit)
		if err != nil {
			continue
		}
		accepted = append(accepted, &queue.SearchCandidate{
			BookID:     book.ID,
			CatalogID:  hit.CatalogID,
			Title:      hit.Title,
			Authors:    hit.Author,
			Publisher:  hit.Publisher,
			Format:     strings.ToLower(hit.Format),
			MatchScore: score,
			RawJSON:    string(raw),
		})
	}
	return accepted
}
