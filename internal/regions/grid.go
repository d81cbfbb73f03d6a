package regions

import (
	"math"

	"github.com/shelfwise/flyer-pipeline/internal/model"
)

const (
	// gridOuterPadding is the fraction of the image left as margin on every
	// side of the heuristic grid.
	gridOuterPadding = 0.05
	// gridCellPadding is the per-cell inset fraction, so each region fills
	// 80% of its cell.
	gridCellPadding = 0.1
	// gridConfidence is assigned to every heuristic region. Low enough to
	// flag the result as a guess, high enough to let extraction proceed.
	gridConfidence = 0.6
)

// GridFallback lays the expected items into a deterministic grid covering
// the flyer. It always produces exactly len(items) regions, independent of
// AI availability: itemsPerRow = min(3, ceil(sqrt(n))), filling rows
// left-to-right, top-to-bottom.
func GridFallback(items []ExpectedItem) []model.DetectedRegion {
	n := len(items)
	if n == 0 {
		return nil
	}

	itemsPerRow := int(math.Ceil(math.Sqrt(float64(n))))
	if itemsPerRow > 3 {
		itemsPerRow = 3
	}
	rows := int(math.Ceil(float64(n) / float64(itemsPerRow)))

	usable := 1.0 - 2*gridOuterPadding
	cellW := usable / float64(itemsPerRow)
	cellH := usable / float64(rows)

	out := make([]model.DetectedRegion, 0, n)
	for i, item := range items {
		row := i / itemsPerRow
		col := i % itemsPerRow

		out = append(out, model.DetectedRegion{
			ItemID:      item.ID,
			ProductName: item.Name,
			BoundingBox: model.BoundingBox{
				X:      gridOuterPadding + float64(col)*cellW + cellW*gridCellPadding,
				Y:      gridOuterPadding + float64(row)*cellH + cellH*gridCellPadding,
				Width:  cellW * (1 - 2*gridCellPadding),
				Height: cellH * (1 - 2*gridCellPadding),
			},
			Confidence: gridConfidence,
		})
	}
	return out
}
