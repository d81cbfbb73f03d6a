package model

// BoundingBox locates a region within an image. All fields are fractions of
// the full image dimensions, each in [0,1].
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// DetectedRegion is one bounding region believed to contain a single
// product's photo. Regions are ephemeral: produced and consumed within a
// single extraction run, never persisted.
type DetectedRegion struct {
	ItemID      string      `json:"item_id"`
	ProductName string      `json:"product_name"`
	BoundingBox BoundingBox `json:"bounding_box"`
	Confidence  float64     `json:"confidence"`
}
