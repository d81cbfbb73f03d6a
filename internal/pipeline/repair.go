package pipeline

import (
	"context"
	"encoding/json"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/shelfwise/flyer-pipeline/internal/model"
	"github.com/shelfwise/flyer-pipeline/internal/store"
)

// defaultRepairConcurrency bounds the fan-out of the all-items repair mode.
// Repair is a read-modify-write per row and safe to parallelize.
const defaultRepairConcurrency = 8

// Repairer normalizes legacy extracted-image records into the current schema.
// Earlier pipeline versions stored a bare URL string, an array of URLs, or a
// partial object; Repairer rewrites those shapes in place. Running it twice
// is a no-op.
type Repairer struct {
	store       store.Store
	concurrency int
}

// NewRepairer creates a Repairer. A non-positive concurrency selects the
// default.
func NewRepairer(st store.Store, concurrency int) *Repairer {
	if concurrency <= 0 {
		concurrency = defaultRepairConcurrency
	}
	return &Repairer{store: st, concurrency: concurrency}
}

// RepairAll normalizes every stored extracted-image record. Returns the
// number of records rewritten.
func (r *Repairer) RepairAll(ctx context.Context) (int, error) {
	rows, err := r.store.ListExtractedImageRows(ctx)
	if err != nil {
		return 0, err
	}

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(r.concurrency)

	repaired := make(chan string, len(rows))
	for _, row := range rows {
		g.Go(func() error {
			changed, err := r.repairRow(ctx, row)
			if err != nil {
				return err
			}
			if changed {
				repaired <- row.ItemID
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return 0, err
	}
	close(repaired)

	count := len(repaired)
	zap.L().Info("pipeline: repair pass complete",
		zap.Int("scanned", len(rows)),
		zap.Int("repaired", count),
	)
	return count, nil
}

// RepairItem normalizes a single item's extracted-image record. Returns
// whether the record was rewritten.
func (r *Repairer) RepairItem(ctx context.Context, itemID string) (bool, error) {
	rows, err := r.store.ListExtractedImageRows(ctx)
	if err != nil {
		return false, err
	}
	for _, row := range rows {
		if row.ItemID == itemID {
			return r.repairRow(ctx, row)
		}
	}
	return false, eris.Wrapf(store.ErrNotFound, "pipeline: no extracted image for item %s", itemID)
}

func (r *Repairer) repairRow(ctx context.Context, row store.ExtractedImageRow) (bool, error) {
	img, changed, err := normalizeExtractedImage(row.Raw)
	if err != nil {
		return false, eris.Wrapf(err, "pipeline: normalize extracted image for item %s", row.ItemID)
	}
	if !changed {
		return false, nil
	}

	if err := r.store.UpdateItemExtractedImage(ctx, row.ItemID, img); err != nil {
		return false, eris.Wrapf(err, "pipeline: rewrite extracted image for item %s", row.ItemID)
	}
	zap.L().Debug("pipeline: repaired legacy extracted image", zap.String("item_id", row.ItemID))
	return true, nil
}

// normalizeExtractedImage maps any legacy shape onto the current schema.
// Returns the normalized record and whether it differs from what is stored.
func normalizeExtractedImage(raw []byte) (*model.ExtractedImage, bool, error) {
	// Bare URL string.
	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		if s == "" {
			return nil, false, eris.New("empty legacy url")
		}
		return legacyFromURL(s), true, nil
	}

	// Array of URLs; the first entry is the clean image.
	var arr []string
	if err := json.Unmarshal(raw, &arr); err == nil {
		if len(arr) == 0 || arr[0] == "" {
			return nil, false, eris.New("empty legacy url array")
		}
		img := legacyFromURL(arr[0])
		if len(arr) > 1 {
			img.ThumbnailURL = arr[1]
		}
		return img, true, nil
	}

	// Object, possibly partial.
	var img model.ExtractedImage
	if err := json.Unmarshal(raw, &img); err != nil {
		return nil, false, eris.Wrap(err, "unrecognized extracted image shape")
	}
	if img.CleanImageURL == "" {
		return nil, false, eris.New("object has no clean image url")
	}

	changed := false
	if img.ProcessingMethod == "" {
		img.ProcessingMethod = model.MethodDirectGeneration
		changed = true
	}
	if img.QualityScore == 0 {
		// Unknown provenance: midpoint score, flagged for review.
		img.QualityScore = 0.5
		img.ManualReviewRequired = true
		changed = true
	}
	if img.ExtractedAt.IsZero() {
		img.ExtractedAt = time.Now().UTC()
		changed = true
	}
	return &img, changed, nil
}

func legacyFromURL(url string) *model.ExtractedImage {
	return &model.ExtractedImage{
		CleanImageURL:        url,
		QualityScore:         0.5,
		ProcessingMethod:     model.MethodDirectGeneration,
		ManualReviewRequired: true,
		ExtractedAt:          time.Now().UTC(),
	}
}
