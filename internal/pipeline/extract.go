// Package pipeline orchestrates flyer processing: item parsing, clean product
// image extraction, catalog matching, and legacy-record repair.
package pipeline

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/shelfwise/flyer-pipeline/internal/model"
	"github.com/shelfwise/flyer-pipeline/internal/monitoring"
	"github.com/shelfwise/flyer-pipeline/internal/regions"
	"github.com/shelfwise/flyer-pipeline/internal/store"
	"github.com/shelfwise/flyer-pipeline/pkg/vision"
)

// ByteFetcher retrieves the raw bytes behind a storage reference.
type ByteFetcher interface {
	FetchBytes(ctx context.Context, ref string) ([]byte, error)
}

// ExtractorConfig holds the extraction tunables.
type ExtractorConfig struct {
	// InterCallDelay is the fixed pause between consecutive external AI
	// calls. The limiter has burst 1, so the first call never waits and no
	// delay trails the final item.
	InterCallDelay time.Duration
	// QualityThreshold routes extracted images below it to manual review.
	QualityThreshold float64
	// DirectGeneration selects whole-image generation over region cropping.
	DirectGeneration bool
	// DetectionTimeout caps the region-detection AI call.
	DetectionTimeout time.Duration
}

// Extractor drives a flyer through item parsing and clean-image extraction.
type Extractor struct {
	store    store.Store
	vision   vision.Client
	fetcher  ByteFetcher
	images   ImageStore
	detector *regions.Detector
	limiter  *rate.Limiter
	cfg      ExtractorConfig
}

// NewExtractor creates an Extractor.
func NewExtractor(st store.Store, vc vision.Client, bf ByteFetcher, images ImageStore, cfg ExtractorConfig) *Extractor {
	if cfg.QualityThreshold <= 0 {
		cfg.QualityThreshold = 0.7
	}
	return &Extractor{
		store:    st,
		vision:   vc,
		fetcher:  bf,
		images:   images,
		detector: regions.NewDetector(vc, cfg.DetectionTimeout),
		limiter:  rate.NewLimiter(rate.Every(cfg.InterCallDelay), 1),
		cfg:      cfg,
	}
}

// ProcessFlyer runs the full extraction for one flyer. Upload triggers are
// at-least-once, so a flyer already in a terminal state is skipped without
// error. Content-policy violations fail the whole flyer; any other per-item
// failure is recorded on the item and processing continues.
func (e *Extractor) ProcessFlyer(ctx context.Context, flyerID string) error {
	flyer, err := e.store.GetFlyerImage(ctx, flyerID)
	if err != nil {
		return eris.Wrapf(err, "pipeline: load flyer %s", flyerID)
	}
	if flyer.ProcessingStatus.Terminal() {
		zap.L().Info("pipeline: flyer already processed, skipping duplicate trigger",
			zap.String("flyer_id", flyerID),
			zap.String("status", string(flyer.ProcessingStatus)),
		)
		return nil
	}
	if flyer.ProcessingStatus != model.ProcessingInProgress {
		if err := e.store.UpdateFlyerStatus(ctx, flyerID, model.ProcessingInProgress, ""); err != nil {
			return eris.Wrapf(err, "pipeline: mark flyer %s processing", flyerID)
		}
	}

	if err := e.run(ctx, flyer); err != nil {
		monitoring.FlyersProcessed.WithLabelValues("failed").Inc()
		if uerr := e.store.UpdateFlyerStatus(ctx, flyerID, model.ProcessingFailed, err.Error()); uerr != nil {
			zap.L().Error("pipeline: failed to record flyer failure",
				zap.String("flyer_id", flyerID),
				zap.Error(uerr),
			)
		}
		return err
	}

	monitoring.FlyersProcessed.WithLabelValues("completed").Inc()
	return e.store.UpdateFlyerStatus(ctx, flyerID, model.ProcessingCompleted, "")
}

func (e *Extractor) run(ctx context.Context, flyer *model.FlyerImage) error {
	raw, err := e.fetcher.FetchBytes(ctx, flyer.StorageRef)
	if err != nil {
		return eris.Wrapf(err, "pipeline: fetch flyer %s", flyer.ID)
	}

	prepared, err := PrepareForAI(raw)
	if err != nil {
		return err
	}

	items, err := e.parseItems(ctx, flyer.ID, prepared)
	if err != nil {
		return err
	}
	if len(items) == 0 {
		zap.L().Warn("pipeline: no items parsed from flyer", zap.String("flyer_id", flyer.ID))
		return nil
	}

	if err := e.store.CreateParsedItems(ctx, items); err != nil {
		return eris.Wrapf(err, "pipeline: persist parsed items for flyer %s", flyer.ID)
	}
	if err := e.store.SetFlyerItemCount(ctx, flyer.ID, len(items)); err != nil {
		return eris.Wrapf(err, "pipeline: set item count for flyer %s", flyer.ID)
	}

	return e.extractItems(ctx, flyer.ID, prepared, items)
}

// parsedEntry mirrors one element of the item-parsing response.
type parsedEntry struct {
	Name          string  `json:"name"`
	NameSecondary string  `json:"nameSecondary"`
	Price         float64 `json:"price"`
	RawPriceText  string  `json:"rawPriceText"`
	Confidence    float64 `json:"confidence"`
}

func (e *Extractor) parseItems(ctx context.Context, flyerID string, image []byte) ([]model.ParsedItem, error) {
	if err := e.limiter.Wait(ctx); err != nil {
		return nil, eris.Wrap(err, "pipeline: inter-call delay")
	}

	start := time.Now()
	res, err := e.vision.Call(ctx, vision.Request{
		Prompt:       itemParsingPrompt,
		Image:        image,
		OperationTag: "item-parsing",
	})
	observeAICall("item-parsing", start, err)
	if err != nil {
		return nil, eris.Wrapf(err, "pipeline: parse items for flyer %s", flyerID)
	}

	var entries []parsedEntry
	if err := json.Unmarshal([]byte(sanitizeJSONArray(res.Text)), &entries); err != nil {
		return nil, eris.Wrapf(err, "pipeline: item-parsing response for flyer %s is not a JSON array", flyerID)
	}

	items := make([]model.ParsedItem, 0, len(entries))
	for _, en := range entries {
		if en.Name == "" {
			continue
		}
		items = append(items, model.ParsedItem{
			ID:            uuid.NewString(),
			FlyerImageID:  flyerID,
			Name:          en.Name,
			NameSecondary: en.NameSecondary,
			Price:         en.Price,
			RawPriceText:  en.RawPriceText,
			Confidence:    clamp01(en.Confidence),
		})
	}

	zap.L().Info("pipeline: parsed flyer items",
		zap.String("flyer_id", flyerID),
		zap.Int("items", len(items)),
	)
	return items, nil
}

func (e *Extractor) extractItems(ctx context.Context, flyerID string, image []byte, items []model.ParsedItem) error {
	regionByItem := map[string]model.DetectedRegion{}
	if !e.cfg.DirectGeneration {
		expected := make([]regions.ExpectedItem, len(items))
		for i, it := range items {
			expected[i] = regions.ExpectedItem{ID: it.ID, Name: it.Name}
		}
		if err := e.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "pipeline: inter-call delay")
		}
		for _, r := range e.detector.Detect(ctx, image, expected) {
			regionByItem[r.ItemID] = r
		}
	}

	for _, item := range items {
		if err := e.limiter.Wait(ctx); err != nil {
			return eris.Wrap(err, "pipeline: inter-call delay")
		}
		if err := e.store.UpdateItemExtraction(ctx, item.ID, model.ExtractionInProgress, nil, ""); err != nil {
			zap.L().Error("pipeline: failed to mark item processing",
				zap.String("item_id", item.ID),
				zap.Error(err),
			)
			continue
		}

		img, err := e.extractOne(ctx, image, item, regionByItem[item.ID])
		if err != nil {
			var cpe *vision.ContentPolicyError
			if errors.As(err, &cpe) {
				// A policy block taints the whole flyer, not just the item.
				_ = e.store.UpdateItemExtraction(ctx, item.ID, model.ExtractionFailed, nil, err.Error())
				monitoring.ItemsExtracted.WithLabelValues("failed").Inc()
				return eris.Wrapf(err, "pipeline: content policy violation on item %s", item.ID)
			}
			monitoring.ItemsExtracted.WithLabelValues("failed").Inc()
			zap.L().Warn("pipeline: item extraction failed",
				zap.String("item_id", item.ID),
				zap.String("name", item.Name),
				zap.Error(err),
			)
			if uerr := e.store.UpdateItemExtraction(ctx, item.ID, model.ExtractionFailed, nil, err.Error()); uerr != nil {
				zap.L().Error("pipeline: failed to record item failure",
					zap.String("item_id", item.ID),
					zap.Error(uerr),
				)
			}
			continue
		}

		status := model.ExtractionCompleted
		if img.QualityScore < e.cfg.QualityThreshold {
			status = model.ExtractionManualReview
			img.ManualReviewRequired = true
			monitoring.ItemsExtracted.WithLabelValues("manual_review").Inc()
		} else {
			monitoring.ItemsExtracted.WithLabelValues("completed").Inc()
		}
		monitoring.QualityScores.Observe(img.QualityScore)

		if err := e.store.UpdateItemExtraction(ctx, item.ID, status, img, ""); err != nil {
			zap.L().Error("pipeline: failed to persist extracted image",
				zap.String("item_id", item.ID),
				zap.Error(err),
			)
		}
	}

	return nil
}

func (e *Extractor) extractOne(ctx context.Context, image []byte, item model.ParsedItem, region model.DetectedRegion) (*model.ExtractedImage, error) {
	if e.cfg.DirectGeneration {
		return e.generateClean(ctx, image, item)
	}
	return e.cropRegion(ctx, image, item, region)
}

// generateClean asks the vision endpoint to synthesize an isolated product
// shot. Quality flags come from the response metadata when the model reports
// them, with conservative defaults otherwise.
func (e *Extractor) generateClean(ctx context.Context, image []byte, item model.ParsedItem) (*model.ExtractedImage, error) {
	start := time.Now()
	res, err := e.vision.Call(ctx, vision.Request{
		Prompt:       buildGenerationPrompt(item),
		Image:        image,
		OperationTag: "image-generation",
	})
	observeAICall("image-generation", start, err)
	if err != nil {
		return nil, err
	}
	if len(res.Images) == 0 {
		return nil, eris.Errorf("pipeline: generation returned no image for item %s", item.ID)
	}

	flags := parseQualityFlags(res.Text, model.QualityFlags{
		TextRemoved:     true,
		PromoRemoved:    true,
		BackgroundWhite: true,
		Centered:        true,
	})

	return &model.ExtractedImage{
		CleanImageURL:     res.Images[0].URL,
		Confidence:        0.9,
		QualityScore:      flags.Score(),
		ProcessingMethod:  model.MethodDirectGeneration,
		BackgroundRemoved: flags.BackgroundWhite,
		TextRemoved:       flags.TextRemoved,
		ExtractedAt:       time.Now().UTC(),
	}, nil
}

// cropRegion cuts the detected (or grid-assigned) region out of the flyer and
// stores the crop. A crop keeps whatever text and background the region
// carries, so only the Centered flag applies and the result lands in manual
// review under the default threshold.
func (e *Extractor) cropRegion(ctx context.Context, image []byte, item model.ParsedItem, region model.DetectedRegion) (*model.ExtractedImage, error) {
	if region.ItemID == "" {
		return nil, eris.Errorf("pipeline: no region for item %s", item.ID)
	}

	crop, err := CropRegion(image, region.BoundingBox)
	if err != nil {
		return nil, err
	}

	cleanURL, err := e.images.Put(ctx, fmt.Sprintf("items/%s/clean.jpg", item.ID), crop)
	if err != nil {
		return nil, err
	}

	var thumbURL string
	if thumb, terr := Thumbnail(crop); terr == nil {
		thumbURL, _ = e.images.Put(ctx, fmt.Sprintf("items/%s/thumb.jpg", item.ID), thumb)
	}

	flags := model.QualityFlags{Centered: true}
	return &model.ExtractedImage{
		CleanImageURL:    cleanURL,
		ThumbnailURL:     thumbURL,
		Confidence:       region.Confidence,
		QualityScore:     flags.Score(),
		ProcessingMethod: model.MethodRegionCrop,
		ExtractedAt:      time.Now().UTC(),
	}, nil
}

// parseQualityFlags reads the post-processing flags the model reports
// alongside a generated image. Absent or unparseable metadata falls back to
// the method's defaults.
func parseQualityFlags(text string, def model.QualityFlags) model.QualityFlags {
	cleaned := sanitizeJSONObject(text)
	if cleaned == "" {
		return def
	}
	var flags model.QualityFlags
	if err := json.Unmarshal([]byte(cleaned), &flags); err != nil {
		return def
	}
	if flags == (model.QualityFlags{}) {
		return def
	}
	return flags
}

func observeAICall(operation string, start time.Time, err error) {
	result := "ok"
	if err != nil {
		result = "error"
	}
	monitoring.AICalls.WithLabelValues(operation, result).Inc()
	monitoring.AICallDuration.WithLabelValues(operation).Observe(time.Since(start).Seconds())
}

func clamp01(v float64) float64 {
	if v < 0 {
		return 0
	}
	if v > 1 {
		return 1
	}
	return v
}

const itemParsingPrompt = `Extract every advertised product from this retail flyer image.

For each product return its primary name, the secondary-language name if the
flyer is bilingual, the numeric price, and the raw price text as printed.

Respond with a JSON array only:
[{"name": "", "nameSecondary": "", "price": 0.0, "rawPriceText": "", "confidence": 0.0}]`

func buildGenerationPrompt(item model.ParsedItem) string {
	name := item.Name
	if item.NameSecondary != "" {
		name = fmt.Sprintf("%s / %s", item.Name, item.NameSecondary)
	}
	return fmt.Sprintf(`Isolate the product "%s" from this retail flyer image.

Produce a clean product photo: remove all text and price overlays, remove
promotional decorations, place the product centered on a white background.

After the image, report the post-processing steps applied as a JSON object:
{"text_removed": true, "promo_removed": true, "background_white": true, "centered": true, "enhanced": false}`, name)
}
