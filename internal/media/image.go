package media

import (
	"bytes"
	"fmt"
	"image"
	"image/png"

	_ "image/gif"
	_ "image/jpeg"

	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

// Keyframe dimensions every storyboard image is normalized to. Video models
// want a consistent first-frame aspect, user uploads arrive in any shape.
const (
	KeyframeWidth  = 1280
	KeyframeHeight = 720
)

// NormalizeKeyframe decodes an uploaded image, center-crops it to the
// keyframe aspect and scales it to the canonical size, re-encoded as PNG.
func NormalizeKeyframe(raw []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(raw))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}

	b := img.Bounds()
	w := b.Dx()
	h := b.Dy()
	if w == 0 || h == 0 {
		return nil, fmt.Errorf("empty image")
	}

	// Center-crop to the target aspect ratio.
	targetAspect := float64(KeyframeWidth) / float64(KeyframeHeight)
	cropW, cropH := w, h
	if float64(w)/float64(h) > targetAspect {
		cropW = int(float64(h) * targetAspect)
	} else {
		cropH = int(float64(w) / targetAspect)
	}
	x0 := b.Min.X + (w-cropW)/2
	y0 := b.Min.Y + (h-cropH)/2

	cropRect := image.Rect(0, 0, cropW, cropH)
	cropped := image.NewRGBA(cropRect)
	draw.Draw(cropped, cropRect, img, image.Point{X: x0, Y: y0}, draw.Src)

	dst := image.NewRGBA(image.Rect(0, 0, KeyframeWidth, KeyframeHeight))
	draw.CatmullRom.Scale(dst, dst.Bounds(), cropped, cropped.Bounds(), draw.Over, nil)

	var out bytes.Buffer
	if err := png.Encode(&out, dst); err != nil {
		return nil, fmt.Errorf("encode png: %w", err)
	}
	return out.Bytes(), nil
}
