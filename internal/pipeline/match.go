package pipeline

import (
	"context"
	"encoding/json"
	"fmt"
	"math"
	"sort"
	"strings"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/shelfwise/flyer-pipeline/internal/model"
	"github.com/shelfwise/flyer-pipeline/internal/monitoring"
	"github.com/shelfwise/flyer-pipeline/internal/regions"
	"github.com/shelfwise/flyer-pipeline/internal/store"
	"github.com/shelfwise/flyer-pipeline/pkg/anthropic"
)

const defaultMatchReason = "no reason provided"

// MatcherConfig holds the matching tunables.
type MatcherConfig struct {
	Model     string
	MaxTokens int64
	// MaxCandidates bounds how many catalog products go into the batched
	// prompt. Candidates are prefiltered by word-overlap similarity.
	MaxCandidates int
	// AutoApproveThreshold applies the discount automatically when the top
	// candidate's relevance reaches it. Zero disables auto-approval.
	AutoApproveThreshold float64
}

// Matcher ranks catalog candidates for parsed items with one batched
// language-model call per item.
type Matcher struct {
	store store.Store
	llm   anthropic.Client
	cfg   MatcherConfig
}

// NewMatcher creates a Matcher.
func NewMatcher(st store.Store, llm anthropic.Client, cfg MatcherConfig) *Matcher {
	if cfg.MaxCandidates <= 0 {
		cfg.MaxCandidates = 25
	}
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = 2048
	}
	return &Matcher{store: st, llm: llm, cfg: cfg}
}

// MatchItem ranks catalog candidates for one parsed item and persists the
// result. Verified items are left untouched.
func (m *Matcher) MatchItem(ctx context.Context, itemID string) error {
	item, err := m.store.GetParsedItem(ctx, itemID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load item %s", itemID)
	}
	if item.Verified {
		zap.L().Info("pipeline: item verified, skipping matching", zap.String("item_id", itemID))
		return nil
	}

	if err := m.store.UpdateItemMatches(ctx, itemID, model.MatchingInProgress, nil); err != nil {
		return eris.Wrapf(err, "pipeline: mark item %s matching", itemID)
	}

	candidates, err := m.selectCandidates(ctx, item)
	if err != nil {
		return err
	}
	if len(candidates) == 0 {
		zap.L().Info("pipeline: no catalog candidates for item",
			zap.String("item_id", itemID),
			zap.String("name", item.Name),
		)
		return m.store.UpdateItemMatches(ctx, itemID, model.MatchingCompleted, nil)
	}

	matches, err := m.score(ctx, item, candidates)
	if err != nil {
		if uerr := m.store.UpdateItemMatches(ctx, itemID, model.MatchingFailed, nil); uerr != nil {
			zap.L().Error("pipeline: failed to record matching failure",
				zap.String("item_id", itemID),
				zap.Error(uerr),
			)
		}
		return err
	}

	if err := m.store.UpdateItemMatches(ctx, itemID, model.MatchingCompleted, matches); err != nil {
		return eris.Wrapf(err, "pipeline: persist matches for item %s", itemID)
	}

	if len(matches) == 0 {
		return nil
	}
	monitoring.MatchScores.Observe(matches[0].RelevanceScore)
	return m.autoApprove(ctx, item, matches[0])
}

// MatchPending matches every item still waiting, continuing past individual
// failures.
func (m *Matcher) MatchPending(ctx context.Context) error {
	items, err := m.store.ListParsedItems(ctx, store.ItemFilter{MatchingStatus: model.MatchingPending})
	if err != nil {
		return eris.Wrap(err, "pipeline: list pending items")
	}

	var failed int
	for _, item := range items {
		if err := m.MatchItem(ctx, item.ID); err != nil {
			if ctx.Err() != nil {
				return err
			}
			failed++
			zap.L().Warn("pipeline: matching failed",
				zap.String("item_id", item.ID),
				zap.Error(err),
			)
		}
	}

	zap.L().Info("pipeline: matching pass complete",
		zap.Int("items", len(items)),
		zap.Int("failed", failed),
	)
	return nil
}

// scoredCandidate pairs a product with its prefilter similarity.
type scoredCandidate struct {
	product    model.CatalogProduct
	similarity float64
}

// selectCandidates prefilters the catalog by word-overlap similarity against
// the item's names so the prompt stays small on large catalogs.
func (m *Matcher) selectCandidates(ctx context.Context, item *model.ParsedItem) ([]model.CatalogProduct, error) {
	products, err := m.store.ListCatalogProducts(ctx, store.ProductFilter{})
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: list catalog products")
	}

	scored := make([]scoredCandidate, 0, len(products))
	for _, p := range products {
		sim := regions.WordOverlapSimilarity(item.Name, p.Name)
		if s := regions.WordOverlapSimilarity(item.Name, p.NameSecondary); s > sim {
			sim = s
		}
		if item.NameSecondary != "" {
			if s := regions.WordOverlapSimilarity(item.NameSecondary, p.NameSecondary); s > sim {
				sim = s
			}
		}
		if sim > 0 {
			scored = append(scored, scoredCandidate{product: p, similarity: sim})
		}
	}

	sort.SliceStable(scored, func(i, j int) bool { return scored[i].similarity > scored[j].similarity })
	if len(scored) > m.cfg.MaxCandidates {
		scored = scored[:m.cfg.MaxCandidates]
	}

	out := make([]model.CatalogProduct, len(scored))
	for i, s := range scored {
		out[i] = s.product
	}
	return out, nil
}

func (m *Matcher) score(ctx context.Context, item *model.ParsedItem, candidates []model.CatalogProduct) ([]model.ProductMatch, error) {
	start := time.Now()
	resp, err := m.llm.CreateMessage(ctx, anthropic.MessageRequest{
		Model:     m.cfg.Model,
		MaxTokens: m.cfg.MaxTokens,
		System:    matchSystemPrompt,
		Messages: []anthropic.Message{
			{Role: "user", Content: buildMatchPrompt(item, candidates)},
		},
	})
	observeAICall("catalog-matching", start, err)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: match call for item %s", item.ID)
	}
	resp.Usage.Log(m.cfg.Model, "catalog-matching")

	return parseMatches(resp.Text(), candidates)
}

// parseMatches turns the model response into validated, descending-ranked
// matches. Entries with a missing productId, an unknown productId, or a
// non-numeric relevanceScore are dropped; an unparseable response yields
// MatchParseError.
func parseMatches(text string, candidates []model.CatalogProduct) ([]model.ProductMatch, error) {
	var entries []map[string]any
	if err := json.Unmarshal([]byte(sanitizeJSONArray(text)), &entries); err != nil {
		return nil, newMatchParseError(text)
	}

	known := make(map[string]bool, len(candidates))
	for _, c := range candidates {
		known[c.ProductID] = true
	}

	matches := make([]model.ProductMatch, 0, len(entries))
	for _, e := range entries {
		productID, ok := e["productId"].(string)
		if !ok || productID == "" {
			continue
		}
		if !known[productID] {
			zap.L().Warn("pipeline: match references unknown product, dropping",
				zap.String("product_id", productID),
			)
			continue
		}
		score, ok := e["relevanceScore"].(float64)
		if !ok {
			continue
		}
		reason, _ := e["matchReason"].(string)
		if reason == "" {
			reason = defaultMatchReason
		}
		matches = append(matches, model.ProductMatch{
			ProductID:      productID,
			RelevanceScore: clamp01(score),
			MatchReason:    reason,
		})
	}

	sort.SliceStable(matches, func(i, j int) bool {
		return matches[i].RelevanceScore > matches[j].RelevanceScore
	})
	return matches, nil
}

// autoApprove applies the flyer discount without operator action when the top
// match clears the threshold and the flyer price is actually below the
// catalog base price.
func (m *Matcher) autoApprove(ctx context.Context, item *model.ParsedItem, top model.ProductMatch) error {
	if m.cfg.AutoApproveThreshold <= 0 || top.RelevanceScore < m.cfg.AutoApproveThreshold {
		return nil
	}

	product, err := m.store.GetCatalogProduct(ctx, top.ProductID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load product %s for auto-approval", top.ProductID)
	}

	base := product.BasePrice()
	if item.Price <= 0 || base <= item.Price {
		zap.L().Info("pipeline: flyer price not below catalog price, skipping auto-approval",
			zap.String("item_id", item.ID),
			zap.String("product_id", top.ProductID),
			zap.Float64("flyer_price", item.Price),
			zap.Float64("catalog_price", base),
		)
		return nil
	}

	pct := math.Round((base-item.Price)/base*100*100) / 100
	if pct <= 0 || pct >= 100 {
		return nil
	}

	if _, err := m.store.ApplyDiscount(ctx, item.ID, top.ProductID, pct, true); err != nil {
		// Verified items and lost serialization races are not fatal to the
		// matching pass.
		zap.L().Warn("pipeline: auto-approval rejected",
			zap.String("item_id", item.ID),
			zap.String("product_id", top.ProductID),
			zap.Error(err),
		)
		return nil
	}

	monitoring.DiscountsApplied.WithLabelValues("auto").Inc()
	zap.L().Info("pipeline: discount auto-approved",
		zap.String("item_id", item.ID),
		zap.String("product_id", top.ProductID),
		zap.Float64("relevance", top.RelevanceScore),
		zap.Float64("percentage", pct),
	)
	return nil
}

const matchSystemPrompt = `You match grocery flyer items against a product catalog.
Judge by product identity: brand, size, variant. Ignore price differences.
Respond with JSON only.`

func buildMatchPrompt(item *model.ParsedItem, candidates []model.CatalogProduct) string {
	var b strings.Builder
	fmt.Fprintf(&b, "Flyer item: %q", item.Name)
	if item.NameSecondary != "" {
		fmt.Fprintf(&b, " / %q", item.NameSecondary)
	}
	fmt.Fprintf(&b, " at price %.2f\n\nCatalog candidates:\n", item.Price)
	for _, c := range candidates {
		fmt.Fprintf(&b, "- productId=%s name=%q", c.ProductID, c.Name)
		if c.NameSecondary != "" {
			fmt.Fprintf(&b, " nameSecondary=%q", c.NameSecondary)
		}
		if c.Category != "" {
			fmt.Fprintf(&b, " category=%s", c.Category)
		}
		b.WriteString("\n")
	}
	b.WriteString(`
Score every candidate's relevance to the flyer item in [0,1].
Respond with a JSON array only:
[{"productId": "", "relevanceScore": 0.0, "matchReason": ""}]`)
	return b.String()
}
