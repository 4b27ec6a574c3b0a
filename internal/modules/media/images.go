package media

import (
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"math"
	"strconv"
	"strings"

	// Image format decoders
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"

	"github.com/disintegration/imaging"
	"github.com/nextconvert/composer/internal/modules/composition"
	"golang.org/x/image/colornames"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
	_ "golang.org/x/image/webp" // WebP format support
)

// ParseColor accepts an SVG color name ("black", "navy") or a hex triplet
// ("#1a2b3c", "0x1a2b3c"). An empty string is black.
func ParseColor(s string) (color.NRGBA, error) {
	s = strings.ToLower(strings.TrimSpace(s))
	if s == "" {
		return color.NRGBA{A: 255}, nil
	}
	if c, ok := colornames.Map[s]; ok {
		return color.NRGBA{R: c.R, G: c.G, B: c.B, A: 255}, nil
	}

	hex := strings.TrimPrefix(strings.TrimPrefix(s, "#"), "0x")
	if len(hex) != 6 {
		return color.NRGBA{}, fmt.Errorf("invalid color %q", s)
	}
	v, err := strconv.ParseUint(hex, 16, 32)
	if err != nil {
		return color.NRGBA{}, fmt.Errorf("invalid color %q: %w", s, err)
	}
	return color.NRGBA{R: uint8(v >> 16), G: uint8(v >> 8), B: uint8(v), A: 255}, nil
}

// FFmpegColor normalizes a color for ffmpeg's color source.
func FFmpegColor(s string) (string, error) {
	c, err := ParseColor(s)
	if err != nil {
		return "", err
	}
	return fmt.Sprintf("0x%02X%02X%02X", c.R, c.G, c.B), nil
}

// PrepareStill loads an image with EXIF orientation applied, fits it inside
// the canvas and centers it on the background color. The result is written
// to dst as PNG or JPEG depending on its extension.
func PrepareStill(src, dst string, canvas composition.Size, background string) error {
	bg, err := ParseColor(background)
	if err != nil {
		return err
	}
	img, err := imaging.Open(src, imaging.AutoOrientation(true))
	if err != nil {
		return fmt.Errorf("failed to open image %s: %w", src, err)
	}

	w, h := int(canvas.Width), int(canvas.Height)
	fitted := scaleToFit(img, w, h)
	out := imaging.PasteCenter(imaging.New(w, h, bg), fitted)
	if err := imaging.Save(out, dst); err != nil {
		return fmt.Errorf("failed to save image %s: %w", dst, err)
	}
	return nil
}

// WatermarkSpec describes a watermark layer. Either field may be empty but
// not both.
type WatermarkSpec struct {
	ImagePath string
	Text      string
	TextColor string
	Size      composition.Size
}

// RenderWatermark draws the watermark image and text into a transparent
// PNG of spec.Size. With both present the image takes the upper part and
// the text a strip along the bottom.
func RenderWatermark(spec WatermarkSpec, dst string) error {
	if spec.ImagePath == "" && spec.Text == "" {
		return fmt.Errorf("watermark needs an image or text")
	}
	w, h := int(spec.Size.Width), int(spec.Size.Height)
	if w <= 0 || h <= 0 {
		return fmt.Errorf("invalid watermark size %s", spec.Size)
	}

	layer := imaging.New(w, h, color.NRGBA{})
	imageArea := image.Rect(0, 0, w, h)
	if spec.Text != "" {
		textHeight := h
		if spec.ImagePath != "" {
			textHeight = h / 4
		}
		textColor, err := ParseColor(defaultString(spec.TextColor, "white"))
		if err != nil {
			return err
		}
		text := scaleToFit(renderText(spec.Text, textColor), w, textHeight)
		b := text.Bounds()
		layer = imaging.Overlay(layer, text, image.Pt((w-b.Dx())/2, h-b.Dy()), 1)
		imageArea = image.Rect(0, 0, w, h-b.Dy())
	}

	if spec.ImagePath != "" {
		img, err := imaging.Open(spec.ImagePath, imaging.AutoOrientation(true))
		if err != nil {
			return fmt.Errorf("failed to open watermark %s: %w", spec.ImagePath, err)
		}
		if imageArea.Dy() > 0 {
			fitted := scaleToFit(img, imageArea.Dx(), imageArea.Dy())
			b := fitted.Bounds()
			pos := image.Pt((imageArea.Dx()-b.Dx())/2, (imageArea.Dy()-b.Dy())/2)
			layer = imaging.Overlay(layer, fitted, pos, 1)
		}
	}

	if err := imaging.Save(layer, dst); err != nil {
		return fmt.Errorf("failed to save watermark %s: %w", dst, err)
	}
	return nil
}

// renderText draws s with the built-in 7x13 face onto a tight transparent image.
func renderText(s string, c color.Color) *image.NRGBA {
	face := basicfont.Face7x13
	width := font.MeasureString(face, s).Ceil()
	metrics := face.Metrics()
	height := (metrics.Ascent + metrics.Descent).Ceil()

	img := image.NewNRGBA(image.Rect(0, 0, width+2, height+2))
	draw.Draw(img, img.Bounds(), image.Transparent, image.Point{}, draw.Src)
	d := &font.Drawer{
		Dst:  img,
		Src:  image.NewUniform(c),
		Face: face,
		Dot:  fixed.Point26_6{X: fixed.I(1), Y: metrics.Ascent + fixed.I(1)},
	}
	d.DrawString(s)
	return img
}

// scaleToFit scales img up or down to the largest size inside w x h that
// keeps its aspect ratio. imaging.Fit never enlarges.
func scaleToFit(img image.Image, w, h int) *image.NRGBA {
	b := img.Bounds()
	if b.Dx() == 0 || b.Dy() == 0 {
		return imaging.Clone(img)
	}
	scale := min(float64(w)/float64(b.Dx()), float64(h)/float64(b.Dy()))
	tw := max(1, int(math.Round(float64(b.Dx())*scale)))
	th := max(1, int(math.Round(float64(b.Dy())*scale)))
	return imaging.Resize(img, tw, th, imaging.Lanczos)
}

func defaultString(v, fallback string) string {
	if v == "" {
		return fallback
	}
	return v
}
