package pipeline

import (
	"bytes"
	"context"
	"image"
	"image/color"
	"testing"

	"github.com/disintegration/imaging"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/shelfwise/flyer-pipeline/internal/model"
	"github.com/shelfwise/flyer-pipeline/pkg/vision"
)

// testFlyerJPEG renders a small valid JPEG to stand in for a flyer scan.
func testFlyerJPEG(t *testing.T) []byte {
	t.Helper()
	img := imaging.New(320, 240, color.NRGBA{R: 240, G: 240, B: 240, A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, img, imaging.JPEG))
	return buf.Bytes()
}

func visionReq(tag string) any {
	return mock.MatchedBy(func(req vision.Request) bool { return req.OperationTag == tag })
}

const twoItemsJSON = `[
	{"name": "Whole Milk 1L", "nameSecondary": "Leche Entera 1L", "price": 4.99, "rawPriceText": "$4.99", "confidence": 0.95},
	{"name": "Fresh Bread", "price": 2.49, "rawPriceText": "2 for $4.98", "confidence": 0.8}
]`

const allFlagsJSON = `{"text_removed": true, "promo_removed": true, "background_white": true, "centered": true, "enhanced": false}`

func newDirectExtractor(st *mockStore, vc *mockVisionClient, bf *mockFetcher) *Extractor {
	return NewExtractor(st, vc, bf, nil, ExtractorConfig{DirectGeneration: true})
}

func TestProcessFlyerSkipsTerminalStatus(t *testing.T) {
	st := new(mockStore)
	vc := new(mockVisionClient)
	bf := new(mockFetcher)

	st.On("GetFlyerImage", mock.Anything, "flyer-1").Return(&model.FlyerImage{
		ID:               "flyer-1",
		ProcessingStatus: model.ProcessingCompleted,
	}, nil)

	e := newDirectExtractor(st, vc, bf)
	require.NoError(t, e.ProcessFlyer(context.Background(), "flyer-1"))

	st.AssertExpectations(t)
	st.AssertNotCalled(t, "UpdateFlyerStatus", mock.Anything, mock.Anything, mock.Anything, mock.Anything)
	vc.AssertNotCalled(t, "Call", mock.Anything, mock.Anything)
}

func TestProcessFlyerDirectGeneration(t *testing.T) {
	st := new(mockStore)
	vc := new(mockVisionClient)
	bf := new(mockFetcher)

	st.On("GetFlyerImage", mock.Anything, "flyer-1").Return(&model.FlyerImage{
		ID:               "flyer-1",
		StorageRef:       "https://cdn/flyers/week34.jpg",
		ProcessingStatus: model.ProcessingPending,
	}, nil)
	st.On("UpdateFlyerStatus", mock.Anything, "flyer-1", model.ProcessingInProgress, "").Return(nil)
	bf.On("FetchBytes", mock.Anything, "https://cdn/flyers/week34.jpg").Return(testFlyerJPEG(t), nil)

	vc.On("Call", mock.Anything, visionReq("item-parsing")).
		Return(&vision.Result{Text: twoItemsJSON}, nil).Once()

	st.On("CreateParsedItems", mock.Anything, mock.MatchedBy(func(items []model.ParsedItem) bool {
		return len(items) == 2 && items[0].Name == "Whole Milk 1L" && items[1].Price == 2.49
	})).Return(nil)
	st.On("SetFlyerItemCount", mock.Anything, "flyer-1", 2).Return(nil)

	st.On("UpdateItemExtraction", mock.Anything, mock.Anything, model.ExtractionInProgress, (*model.ExtractedImage)(nil), "").Return(nil).Twice()
	vc.On("Call", mock.Anything, visionReq("image-generation")).
		Return(&vision.Result{
			Text:   allFlagsJSON,
			Images: []vision.GeneratedImage{{URL: "https://cdn/clean/item.png", MimeType: "image/png"}},
		}, nil).Twice()
	st.On("UpdateItemExtraction", mock.Anything, mock.Anything, model.ExtractionCompleted, mock.MatchedBy(func(img *model.ExtractedImage) bool {
		return img != nil &&
			img.CleanImageURL == "https://cdn/clean/item.png" &&
			img.ProcessingMethod == model.MethodDirectGeneration &&
			img.QualityScore == 0.9 &&
			!img.ManualReviewRequired
	}), "").Return(nil).Twice()

	st.On("UpdateFlyerStatus", mock.Anything, "flyer-1", model.ProcessingCompleted, "").Return(nil)

	e := newDirectExtractor(st, vc, bf)
	require.NoError(t, e.ProcessFlyer(context.Background(), "flyer-1"))

	st.AssertExpectations(t)
	vc.AssertExpectations(t)
}

func TestProcessFlyerContentPolicyIsBatchFatal(t *testing.T) {
	st := new(mockStore)
	vc := new(mockVisionClient)
	bf := new(mockFetcher)

	st.On("GetFlyerImage", mock.Anything, "flyer-1").Return(&model.FlyerImage{
		ID:               "flyer-1",
		StorageRef:       "ref",
		ProcessingStatus: model.ProcessingPending,
	}, nil)
	st.On("UpdateFlyerStatus", mock.Anything, "flyer-1", model.ProcessingInProgress, "").Return(nil)
	bf.On("FetchBytes", mock.Anything, "ref").Return(testFlyerJPEG(t), nil)

	vc.On("Call", mock.Anything, visionReq("item-parsing")).
		Return(&vision.Result{Text: twoItemsJSON}, nil).Once()
	st.On("CreateParsedItems", mock.Anything, mock.Anything).Return(nil)
	st.On("SetFlyerItemCount", mock.Anything, "flyer-1", 2).Return(nil)

	st.On("UpdateItemExtraction", mock.Anything, mock.Anything, model.ExtractionInProgress, (*model.ExtractedImage)(nil), "").Return(nil).Once()
	// The first generation call is blocked; the second item must never be
	// attempted.
	vc.On("Call", mock.Anything, visionReq("image-generation")).
		Return(nil, &vision.ContentPolicyError{Detail: "depicts restricted goods"}).Once()
	st.On("UpdateItemExtraction", mock.Anything, mock.Anything, model.ExtractionFailed, (*model.ExtractedImage)(nil), mock.Anything).Return(nil).Once()

	st.On("UpdateFlyerStatus", mock.Anything, "flyer-1", model.ProcessingFailed, mock.Anything).Return(nil)

	e := newDirectExtractor(st, vc, bf)
	err := e.ProcessFlyer(context.Background(), "flyer-1")
	require.Error(t, err)

	st.AssertExpectations(t)
	vc.AssertExpectations(t)
}

func TestProcessFlyerPerItemFailureContinues(t *testing.T) {
	st := new(mockStore)
	vc := new(mockVisionClient)
	bf := new(mockFetcher)

	st.On("GetFlyerImage", mock.Anything, "flyer-1").Return(&model.FlyerImage{
		ID:               "flyer-1",
		StorageRef:       "ref",
		ProcessingStatus: model.ProcessingPending,
	}, nil)
	st.On("UpdateFlyerStatus", mock.Anything, "flyer-1", model.ProcessingInProgress, "").Return(nil)
	bf.On("FetchBytes", mock.Anything, "ref").Return(testFlyerJPEG(t), nil)

	vc.On("Call", mock.Anything, visionReq("item-parsing")).
		Return(&vision.Result{Text: twoItemsJSON}, nil).Once()
	st.On("CreateParsedItems", mock.Anything, mock.Anything).Return(nil)
	st.On("SetFlyerItemCount", mock.Anything, "flyer-1", 2).Return(nil)

	st.On("UpdateItemExtraction", mock.Anything, mock.Anything, model.ExtractionInProgress, (*model.ExtractedImage)(nil), "").Return(nil).Twice()
	vc.On("Call", mock.Anything, visionReq("image-generation")).
		Return(nil, &vision.RetriesExhaustedError{Operation: "image-generation"}).Once()
	st.On("UpdateItemExtraction", mock.Anything, mock.Anything, model.ExtractionFailed, (*model.ExtractedImage)(nil), mock.Anything).Return(nil).Once()
	vc.On("Call", mock.Anything, visionReq("image-generation")).
		Return(&vision.Result{
			Text:   allFlagsJSON,
			Images: []vision.GeneratedImage{{URL: "https://cdn/clean/item.png"}},
		}, nil).Once()
	st.On("UpdateItemExtraction", mock.Anything, mock.Anything, model.ExtractionCompleted, mock.Anything, "").Return(nil).Once()

	st.On("UpdateFlyerStatus", mock.Anything, "flyer-1", model.ProcessingCompleted, "").Return(nil)

	e := newDirectExtractor(st, vc, bf)
	require.NoError(t, e.ProcessFlyer(context.Background(), "flyer-1"))

	st.AssertExpectations(t)
	vc.AssertExpectations(t)
}

func TestProcessFlyerLowQualityGoesToManualReview(t *testing.T) {
	st := new(mockStore)
	vc := new(mockVisionClient)
	bf := new(mockFetcher)

	st.On("GetFlyerImage", mock.Anything, "flyer-1").Return(&model.FlyerImage{
		ID:               "flyer-1",
		StorageRef:       "ref",
		ProcessingStatus: model.ProcessingPending,
	}, nil)
	st.On("UpdateFlyerStatus", mock.Anything, "flyer-1", model.ProcessingInProgress, "").Return(nil)
	bf.On("FetchBytes", mock.Anything, "ref").Return(testFlyerJPEG(t), nil)

	vc.On("Call", mock.Anything, visionReq("item-parsing")).
		Return(&vision.Result{Text: `[{"name": "Whole Milk 1L", "price": 4.99, "confidence": 0.95}]`}, nil).Once()
	st.On("CreateParsedItems", mock.Anything, mock.Anything).Return(nil)
	st.On("SetFlyerItemCount", mock.Anything, "flyer-1", 1).Return(nil)

	st.On("UpdateItemExtraction", mock.Anything, mock.Anything, model.ExtractionInProgress, (*model.ExtractedImage)(nil), "").Return(nil).Once()
	// Only one flag applied: 0.5 + 0.1 = 0.6, below the 0.7 threshold.
	vc.On("Call", mock.Anything, visionReq("image-generation")).
		Return(&vision.Result{
			Text:   `{"text_removed": true}`,
			Images: []vision.GeneratedImage{{URL: "https://cdn/clean/item.png"}},
		}, nil).Once()
	st.On("UpdateItemExtraction", mock.Anything, mock.Anything, model.ExtractionManualReview, mock.MatchedBy(func(img *model.ExtractedImage) bool {
		return img != nil && img.QualityScore == 0.6 && img.ManualReviewRequired
	}), "").Return(nil).Once()

	st.On("UpdateFlyerStatus", mock.Anything, "flyer-1", model.ProcessingCompleted, "").Return(nil)

	e := newDirectExtractor(st, vc, bf)
	require.NoError(t, e.ProcessFlyer(context.Background(), "flyer-1"))

	st.AssertExpectations(t)
}

func TestProcessFlyerRegionCropWithGridFallback(t *testing.T) {
	st := new(mockStore)
	vc := new(mockVisionClient)
	bf := new(mockFetcher)
	is := new(mockImageStore)

	st.On("GetFlyerImage", mock.Anything, "flyer-1").Return(&model.FlyerImage{
		ID:               "flyer-1",
		StorageRef:       "ref",
		ProcessingStatus: model.ProcessingPending,
	}, nil)
	st.On("UpdateFlyerStatus", mock.Anything, "flyer-1", model.ProcessingInProgress, "").Return(nil)
	bf.On("FetchBytes", mock.Anything, "ref").Return(testFlyerJPEG(t), nil)

	vc.On("Call", mock.Anything, visionReq("item-parsing")).
		Return(&vision.Result{Text: `[{"name": "Whole Milk 1L", "price": 4.99, "confidence": 0.95}]`}, nil).Once()
	st.On("CreateParsedItems", mock.Anything, mock.Anything).Return(nil)
	st.On("SetFlyerItemCount", mock.Anything, "flyer-1", 1).Return(nil)

	// Detection fails; the deterministic grid still yields one region.
	vc.On("Call", mock.Anything, visionReq("region-detection")).
		Return(nil, &vision.ServerError{StatusCode: 503}).Once()

	st.On("UpdateItemExtraction", mock.Anything, mock.Anything, model.ExtractionInProgress, (*model.ExtractedImage)(nil), "").Return(nil).Once()
	is.On("Put", mock.Anything, mock.MatchedBy(func(name string) bool {
		return len(name) > 0
	}), mock.Anything).Return("https://cdn/items/clean.jpg", nil)

	// A bare crop scores 0.6 and lands in manual review.
	st.On("UpdateItemExtraction", mock.Anything, mock.Anything, model.ExtractionManualReview, mock.MatchedBy(func(img *model.ExtractedImage) bool {
		return img != nil &&
			img.ProcessingMethod == model.MethodRegionCrop &&
			img.Confidence == 0.6 &&
			img.QualityScore == 0.6
	}), "").Return(nil).Once()

	st.On("UpdateFlyerStatus", mock.Anything, "flyer-1", model.ProcessingCompleted, "").Return(nil)

	e := NewExtractor(st, vc, bf, is, ExtractorConfig{DirectGeneration: false})
	require.NoError(t, e.ProcessFlyer(context.Background(), "flyer-1"))

	st.AssertExpectations(t)
	vc.AssertExpectations(t)
	is.AssertExpectations(t)
}

func TestParseQualityFlags(t *testing.T) {
	def := model.QualityFlags{TextRemoved: true, Centered: true}

	flags := parseQualityFlags(allFlagsJSON, def)
	assert.True(t, flags.BackgroundWhite)
	assert.False(t, flags.Enhanced)

	// Prose around the object is tolerated.
	flags = parseQualityFlags("Here is the report:\n```json\n{\"enhanced\": true}\n```", def)
	assert.True(t, flags.Enhanced)
	assert.False(t, flags.TextRemoved)

	// Unparseable or absent metadata falls back to the defaults.
	assert.Equal(t, def, parseQualityFlags("no json here", def))
	assert.Equal(t, def, parseQualityFlags("", def))
	assert.Equal(t, def, parseQualityFlags("{}", def))
}

func TestBuildGenerationPromptUsesBothNames(t *testing.T) {
	prompt := buildGenerationPrompt(model.ParsedItem{Name: "Whole Milk 1L", NameSecondary: "Lait entier 1L"})
	assert.Contains(t, prompt, "Whole Milk 1L")
	assert.Contains(t, prompt, "Lait entier 1L")

	prompt = buildGenerationPrompt(model.ParsedItem{Name: "Fresh Bread"})
	assert.Contains(t, prompt, `"Fresh Bread"`)
	assert.NotContains(t, prompt, " / ")
}

func TestPrepareForAIDownscales(t *testing.T) {
	big := imaging.New(3000, 1500, color.NRGBA{A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, big, imaging.JPEG))

	out, err := PrepareForAI(buf.Bytes())
	require.NoError(t, err)

	decoded, err := imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.LessOrEqual(t, decoded.Bounds().Dx(), maxAIPayloadDim)
	assert.LessOrEqual(t, decoded.Bounds().Dy(), maxAIPayloadDim)
}

func TestPrepareForAIRejectsGarbage(t *testing.T) {
	_, err := PrepareForAI([]byte("not an image"))
	require.Error(t, err)
}

func TestCropRegion(t *testing.T) {
	src := imaging.New(200, 100, color.NRGBA{A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, src, imaging.JPEG))

	out, err := CropRegion(buf.Bytes(), model.BoundingBox{X: 0.25, Y: 0.25, Width: 0.5, Height: 0.5})
	require.NoError(t, err)

	decoded, err := imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 100, 50), decoded.Bounds())
}

func TestThumbnailFitsBounds(t *testing.T) {
	src := imaging.New(1024, 768, color.NRGBA{A: 255})
	var buf bytes.Buffer
	require.NoError(t, imaging.Encode(&buf, src, imaging.JPEG))

	out, err := Thumbnail(buf.Bytes())
	require.NoError(t, err)

	decoded, err := imaging.Decode(bytes.NewReader(out))
	require.NoError(t, err)
	assert.LessOrEqual(t, decoded.Bounds().Dx(), thumbnailDim)
	assert.LessOrEqual(t, decoded.Bounds().Dy(), thumbnailDim)
}
