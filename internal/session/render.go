package session

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"os"
	"path/filepath"

	"github.com/google/renameio/v2"
	"github.com/sankurisyam/face-reco-student/internal/spoof"
	"github.com/sankurisyam/face-reco-student/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

var (
	colorNew     = color.RGBA{0, 200, 0, 255}
	colorAlready = color.RGBA{0, 200, 200, 255}
	colorUnknown = color.RGBA{220, 0, 0, 255}
	colorBanner  = color.RGBA{220, 0, 0, 255}
	colorText    = color.RGBA{255, 255, 255, 255}
)

// Renderer writes annotated copies of processed frames to a directory.
type Renderer struct {
	dir     string
	quality int
}

// NewRenderer writes to dir, creating it on first use.
func NewRenderer(dir string) *Renderer {
	return &Renderer{dir: dir, quality: 80}
}

// Render draws overlays, the phone box and banners onto a copy of the frame.
func (r *Renderer) Render(frame *types.Frame, overlays []types.Overlay, v spoof.Verdict, banners []string) error {
	if frame.Image == nil {
		return fmt.Errorf("frame %d has no decoded image", frame.Seq)
	}
	if err := os.MkdirAll(r.dir, 0755); err != nil {
		return err
	}

	img := Annotate(frame.Image, overlays, v, banners)
	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: r.quality}); err != nil {
		return err
	}
	return renameio.WriteFile(filepath.Join(r.dir, fmt.Sprintf("frame_%06d.jpg", frame.Seq)), buf.Bytes(), 0644)
}

// Annotate returns a new RGBA image with the session overlays drawn on it.
func Annotate(src image.Image, overlays []types.Overlay, v spoof.Verdict, banners []string) *image.RGBA {
	b := src.Bounds()
	dst := image.NewRGBA(b)
	draw.Draw(dst, b, src, b.Min, draw.Src)

	for _, ov := range overlays {
		c := colorNew
		switch ov.Kind {
		case types.MatchAlready:
			c = colorAlready
		case types.MatchUnknown:
			c = colorUnknown
		}
		rect := ov.Box.Rect()
		outline(dst, rect, c, 2)
		label(dst, rect.Min.X, rect.Max.Y+14, ov.Label, c)
	}

	if v.PhoneFound {
		outline(dst, v.Box.Rect(), colorBanner, 2)
		label(dst, v.Box.Left, v.Box.Top-4, fmt.Sprintf("PHONE %.2f", v.Confidence), colorBanner)
	}

	y := b.Min.Y + 24
	for _, text := range banners {
		w := font.MeasureString(basicfont.Face7x13, text).Ceil()
		bg := image.Rect(b.Min.X+10, y-14, b.Min.X+24+w, y+6)
		draw.Draw(dst, bg.Intersect(b), image.NewUniform(colorBanner), image.Point{}, draw.Src)
		label(dst, b.Min.X+17, y, text, colorText)
		y += 26
	}
	return dst
}

func outline(dst *image.RGBA, r image.Rectangle, c color.Color, width int) {
	u := image.NewUniform(c)
	edges := []image.Rectangle{
		image.Rect(r.Min.X, r.Min.Y, r.Max.X, r.Min.Y+width),
		image.Rect(r.Min.X, r.Max.Y-width, r.Max.X, r.Max.Y),
		image.Rect(r.Min.X, r.Min.Y, r.Min.X+width, r.Max.Y),
		image.Rect(r.Max.X-width, r.Min.Y, r.Max.X, r.Max.Y),
	}
	for _, e := range edges {
		draw.Draw(dst, e.Intersect(dst.Bounds()), u, image.Point{}, draw.Src)
	}
}

func label(dst *image.RGBA, x, y int, text string, c color.Color) {
	d := &font.Drawer{
		Dst:  dst,
		Src:  image.NewUniform(c),
		Face: basicfont.Face7x13,
		Dot:  fixed.P(x, y),
	}
	d.DrawString(text)
}
