// Package regions locates one bounding region per expected flyer item,
// preferring AI detection and falling back to a deterministic grid.
package regions

import (
	"context"
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/shelfwise/flyer-pipeline/internal/model"
	"github.com/shelfwise/flyer-pipeline/pkg/vision"
)

// defaultDetectionTimeout is the hard ceiling for the AI detection call,
// distinct from the vision client's own retry timing. On expiry the
// detector falls through to the grid heuristic.
const defaultDetectionTimeout = 45 * time.Second

// Bounding box clamp ranges. Position may sit anywhere in the image;
// dimensions are clamped so a degenerate detection can neither vanish nor
// swallow the whole flyer.
const (
	minRegionDim = 0.05
	maxRegionDim = 0.8
)

// ExpectedItem names one parsed item a region should be found for.
type ExpectedItem struct {
	ID   string
	Name string
}

// Detector resolves flyer regions via the vision API with a grid fallback.
type Detector struct {
	client  vision.Client
	timeout time.Duration
}

// NewDetector creates a Detector. A non-positive timeout selects the default.
func NewDetector(client vision.Client, timeout time.Duration) *Detector {
	if timeout <= 0 {
		timeout = defaultDetectionTimeout
	}
	return &Detector{client: client, timeout: timeout}
}

// detectionEntry mirrors one element of the AI's detection response.
type detectionEntry struct {
	ProductName string            `json:"productName"`
	BoundingBox model.BoundingBox `json:"boundingBox"`
	Confidence  float64           `json:"confidence"`
}

// Detect produces one region per expected item, best-effort. AI detections
// are matched to expected items by word-overlap similarity; if detection
// fails, times out, returns unparseable output, or matches nothing, the
// deterministic grid fallback guarantees exactly len(items) regions.
func (d *Detector) Detect(ctx context.Context, image []byte, items []ExpectedItem) []model.DetectedRegion {
	if len(items) == 0 {
		return nil
	}

	detectCtx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	res, err := d.client.Call(detectCtx, vision.Request{
		Prompt:       buildDetectionPrompt(items),
		Image:        image,
		OperationTag: "region-detection",
	})
	if err != nil {
		zap.L().Warn("regions: detection call failed, using grid fallback",
			zap.Int("items", len(items)),
			zap.Error(err),
		)
		return GridFallback(items)
	}

	matched := matchDetections(res.Text, items)
	if len(matched) == 0 {
		zap.L().Info("regions: no detections crossed similarity threshold, using grid fallback",
			zap.Int("items", len(items)),
		)
		return GridFallback(items)
	}

	zap.L().Debug("regions: AI detection matched",
		zap.Int("matched", len(matched)),
		zap.Int("expected", len(items)),
	)
	return matched
}

// buildDetectionPrompt embeds the expected product names as matching
// context so the model labels regions with names we can align.
func buildDetectionPrompt(items []ExpectedItem) string {
	var names strings.Builder
	for i, item := range items {
		fmt.Fprintf(&names, "%d. %s\n", i+1, item.Name)
	}

	return fmt.Sprintf(`Locate each of the following products in this retail flyer image.

Expected products:
%s
For every product you can find, return its bounding box as fractions of the image dimensions.
Respond with a JSON array only, one entry per found product:
[{"productName": "<name as listed above>", "boundingBox": {"x": 0.0, "y": 0.0, "width": 0.0, "height": 0.0}, "confidence": 0.0}]`, names.String())
}

// matchDetections parses the AI response and aligns each detection with its
// best expected item by word overlap. Unparseable responses yield nil.
func matchDetections(text string, items []ExpectedItem) []model.DetectedRegion {
	cleaned := cleanJSONArray(text)

	var entries []detectionEntry
	if err := json.Unmarshal([]byte(cleaned), &entries); err != nil {
		zap.L().Warn("regions: detection response is not a JSON array",
			zap.Error(err),
		)
		return nil
	}

	assigned := make(map[string]bool, len(items))
	var out []model.DetectedRegion
	for _, e := range entries {
		best := -1
		bestScore := 0.0
		for i, item := range items {
			if assigned[item.ID] {
				continue
			}
			score := WordOverlapSimilarity(e.ProductName, item.Name)
			if score > bestScore {
				best = i
				bestScore = score
			}
		}
		if best < 0 || bestScore <= similarityThreshold {
			continue
		}

		item := items[best]
		assigned[item.ID] = true
		out = append(out, model.DetectedRegion{
			ItemID:      item.ID,
			ProductName: item.Name,
			BoundingBox: clampBox(e.BoundingBox),
			Confidence:  clamp01(e.Confidence),
		})
	}
	return out
}

// clampBox forces position into [0,1] and dimensions into
// [minRegionDim, maxRegionDim].
func clampBox(b model.BoundingBox) model.BoundingBox {
	return model.BoundingBox{
		X:      clamp01(b.X),
		Y:      clamp01(b.Y),
		Width:  clampRange(b.Width, minRegionDim, maxRegionDim),
		Height: clampRange(b.Height, minRegionDim, maxRegionDim),
	}
}

func clamp01(v float64) float64 {
	return clampRange(v, 0, 1)
}

func clampRange(v, lo, hi float64) float64 {
	if v < lo {
		return lo
	}
	if v > hi {
		return hi
	}
	return v
}

// trailingCommaRe matches a comma left dangling before a closing brace or
// bracket, a frequent model output defect.
var trailingCommaRe = regexp.MustCompile(`,\s*([}\]])`)

// cleanJSONArray strips markdown code fences and any prose around the
// outermost JSON array, and repairs trailing commas.
func cleanJSONArray(text string) string {
	text = strings.TrimSpace(text)

	if strings.HasPrefix(text, "```json") {
		text = strings.TrimPrefix(text, "```json")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	} else if strings.HasPrefix(text, "```") {
		text = strings.TrimPrefix(text, "```")
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
	}

	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start >= 0 && end > start {
		text = text[start : end+1]
	}

	return trailingCommaRe.ReplaceAllString(strings.TrimSpace(text), "$1")
}
