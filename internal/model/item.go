package model

import (
	"math"
	"time"
)

// ExtractionStatus represents the state of clean-image extraction for one
// parsed item.
type ExtractionStatus string

const (
	ExtractionPending      ExtractionStatus = "pending"
	ExtractionInProgress   ExtractionStatus = "processing"
	ExtractionCompleted    ExtractionStatus = "completed"
	ExtractionFailed       ExtractionStatus = "failed"
	ExtractionManualReview ExtractionStatus = "manual-review"
)

var extractionTransitions = map[ExtractionStatus][]ExtractionStatus{
	ExtractionPending:      {ExtractionInProgress},
	ExtractionInProgress:   {ExtractionCompleted, ExtractionFailed, ExtractionManualReview},
	ExtractionFailed:       {ExtractionInProgress},
	ExtractionManualReview: {ExtractionInProgress, ExtractionCompleted},
	ExtractionCompleted:    {},
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s ExtractionStatus) CanTransition(next ExtractionStatus) bool {
	for _, t := range extractionTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// MatchingStatus represents the state of catalog matching for one parsed item.
type MatchingStatus string

const (
	MatchingPending    MatchingStatus = "pending"
	MatchingInProgress MatchingStatus = "processing"
	MatchingCompleted  MatchingStatus = "completed"
	MatchingFailed     MatchingStatus = "failed"
)

var matchingTransitions = map[MatchingStatus][]MatchingStatus{
	MatchingPending:    {MatchingInProgress},
	MatchingInProgress: {MatchingCompleted, MatchingFailed},
	MatchingFailed:     {MatchingInProgress},
	MatchingCompleted:  {},
}

// CanTransition reports whether moving from s to next is a legal transition.
func (s MatchingStatus) CanTransition(next MatchingStatus) bool {
	for _, t := range matchingTransitions[s] {
		if t == next {
			return true
		}
	}
	return false
}

// ProcessingMethod records how a clean product image was produced.
type ProcessingMethod string

const (
	MethodDirectGeneration ProcessingMethod = "direct-generation"
	MethodRegionCrop       ProcessingMethod = "region-crop"
)

// QualityFlags records which post-processing steps were applied to a clean
// product image. The weighted rubric in Score derives the quality score.
type QualityFlags struct {
	TextRemoved     bool `json:"text_removed"`
	PromoRemoved    bool `json:"promo_removed"`
	BackgroundWhite bool `json:"background_white"`
	Centered        bool `json:"centered"`
	Enhanced        bool `json:"enhanced"`
}

// Score computes the deterministic quality score: base 0.5 plus 0.1 per
// applied flag, capped at 1.0.
func (f QualityFlags) Score() float64 {
	score := 0.5
	for _, applied := range []bool{f.TextRemoved, f.PromoRemoved, f.BackgroundWhite, f.Centered, f.Enhanced} {
		if applied {
			score += 0.1
		}
	}
	return math.Min(score, 1.0)
}

// ExtractedImage holds the clean product image and its extraction metadata.
type ExtractedImage struct {
	CleanImageURL        string           `json:"clean_image_url"`
	ThumbnailURL         string           `json:"thumbnail_url,omitempty"`
	Confidence           float64          `json:"confidence"`
	QualityScore         float64          `json:"quality_score"`
	ProcessingMethod     ProcessingMethod `json:"processing_method"`
	BackgroundRemoved    bool             `json:"background_removed"`
	TextRemoved          bool             `json:"text_removed"`
	ManualReviewRequired bool             `json:"manual_review_required"`
	ExtractedAt          time.Time        `json:"extracted_at"`
}

// ProductMatch is one ranked catalog candidate for a parsed item.
type ProductMatch struct {
	ProductID      string  `json:"product_id"`
	RelevanceScore float64 `json:"relevance_score"`
	MatchReason    string  `json:"match_reason"`
}

// ParsedItem is one product/price record extracted from a flyer.
// Once Verified is set the record is immutable to the pipeline.
type ParsedItem struct {
	ID            string  `json:"id"`
	FlyerImageID  string  `json:"flyer_image_id"`
	Name          string  `json:"name"`
	NameSecondary string  `json:"name_secondary,omitempty"`
	Price         float64 `json:"price"`
	RawPriceText  string  `json:"raw_price_text,omitempty"`
	Confidence    float64 `json:"confidence"`

	ImageExtractionStatus ExtractionStatus `json:"image_extraction_status"`
	ExtractionError       string           `json:"extraction_error,omitempty"`
	ExtractedImage        *ExtractedImage  `json:"extracted_image,omitempty"`

	MatchingStatus  MatchingStatus `json:"matching_status"`
	MatchedProducts []ProductMatch `json:"matched_products,omitempty"`

	SelectedProductID   string `json:"selected_product_id,omitempty"`
	DiscountApplied     bool   `json:"discount_applied"`
	AutoDiscountApplied bool   `json:"auto_discount_applied"`
	Verified            bool   `json:"verified"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}
