package pipeline

import (
	"bytes"
	"image"

	"github.com/disintegration/imaging"
	"github.com/rotisserie/eris"

	"github.com/shelfwise/flyer-pipeline/internal/model"
)

const (
	// maxAIPayloadDim is the longest edge sent to the vision endpoint.
	// Flyer scans arrive at print resolution; anything larger buys no
	// extraction accuracy and inflates upload time.
	maxAIPayloadDim = 2048

	thumbnailDim = 256

	jpegQuality = 85
)

// PrepareForAI validates that data decodes as an image and downscales it to
// the AI payload ceiling. Returns a JPEG re-encoding.
func PrepareForAI(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: decode flyer image")
	}

	b := img.Bounds()
	if b.Dx() > maxAIPayloadDim || b.Dy() > maxAIPayloadDim {
		img = imaging.Fit(img, maxAIPayloadDim, maxAIPayloadDim, imaging.Lanczos)
	}

	return encodeJPEG(img)
}

// CropRegion cuts the fractional bounding box out of the image. The box is
// assumed to be clamped already; the pixel rect is intersected with the image
// bounds as a final guard.
func CropRegion(data []byte, box model.BoundingBox) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: decode flyer image")
	}

	b := img.Bounds()
	w, h := float64(b.Dx()), float64(b.Dy())
	rect := image.Rect(
		b.Min.X+int(box.X*w),
		b.Min.Y+int(box.Y*h),
		b.Min.X+int((box.X+box.Width)*w),
		b.Min.Y+int((box.Y+box.Height)*h),
	).Intersect(b)
	if rect.Empty() {
		return nil, eris.New("pipeline: region crop is empty")
	}

	return encodeJPEG(imaging.Crop(img, rect))
}

// Thumbnail produces a small preview of the image for review UIs.
func Thumbnail(data []byte) ([]byte, error) {
	img, err := imaging.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, eris.Wrap(err, "pipeline: decode image for thumbnail")
	}
	return encodeJPEG(imaging.Fit(img, thumbnailDim, thumbnailDim, imaging.Lanczos))
}

func encodeJPEG(img image.Image) ([]byte, error) {
	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(jpegQuality)); err != nil {
		return nil, eris.Wrap(err, "pipeline: encode jpeg")
	}
	return buf.Bytes(), nil
}
