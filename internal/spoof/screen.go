package spoof

import (
	"image"
	"math"

	"golang.org/x/image/draw"
)

// ScreenConfig holds the cut points of the displayed-photo heuristic.
type ScreenConfig struct {
	Brightness   float64 `validate:"gte=0,lte=255"`
	EdgeDensity  float64 `validate:"gte=0,lte=1"`
	EdgeGradient float64 `validate:"gt=0"`
	ColorStd     float64 `validate:"gte=0"`
	WhiteMin     float64 `validate:"gte=0,lte=1"`
	WhiteMax     float64 `validate:"gte=0,lte=1,gtefield=WhiteMin"`
	Motion       float64 `validate:"gte=0"`
	// MinSignals is how many of the four screen signals make a region screen-like.
	MinSignals int `validate:"gte=1,lte=4"`
}

// DefaultScreenConfig returns the tuned heuristic thresholds.
func DefaultScreenConfig() ScreenConfig {
	return ScreenConfig{
		Brightness:   80,
		EdgeDensity:  0.08,
		EdgeGradient: 150,
		ColorStd:     18,
		WhiteMin:     0.15,
		WhiteMax:     0.85,
		Motion:       6,
		MinSignals:   2,
	}
}

// ScreenAnalysis is the per-crop measurement and verdict.
type ScreenAnalysis struct {
	Brightness   float64
	EdgeDensity  float64
	ColorStd     float64
	WhiteRatio   float64
	Motion       float64
	ScreenLike   bool
	FaceOnScreen bool
	Static       bool
	IsPhoto      bool
}

// AnalyzeScreen measures a phone crop. prev is the previous crop's grayscale
// (nil on the first detection) and is used for the motion signal.
// faceOnScreen comes from the caller's face detector.
func AnalyzeScreen(cfg ScreenConfig, crop image.Image, prev *image.Gray, faceOnScreen bool) (ScreenAnalysis, *image.Gray) {
	b := crop.Bounds()
	if b.Empty() {
		return ScreenAnalysis{}, nil
	}
	gray := toGray(crop)

	a := ScreenAnalysis{
		Brightness:   meanGray(gray),
		EdgeDensity:  edgeDensity(gray, cfg.EdgeGradient),
		ColorStd:     colorStd(crop),
		WhiteRatio:   otsuWhiteRatio(gray),
		Motion:       motion(prev, gray),
		FaceOnScreen: faceOnScreen,
	}

	signals := 0
	for _, ok := range []bool{
		a.Brightness > cfg.Brightness,
		a.EdgeDensity > cfg.EdgeDensity,
		a.ColorStd > cfg.ColorStd,
		a.WhiteRatio > cfg.WhiteMin && a.WhiteRatio < cfg.WhiteMax,
	} {
		if ok {
			signals++
		}
	}
	a.ScreenLike = signals >= cfg.MinSignals
	a.Static = a.Motion < cfg.Motion
	a.IsPhoto = a.ScreenLike && (a.Static || a.FaceOnScreen)
	return a, gray
}

func toGray(img image.Image) *image.Gray {
	if g, ok := img.(*image.Gray); ok {
		return g
	}
	b := img.Bounds()
	g := image.NewGray(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(g, g.Bounds(), img, b.Min, draw.Src)
	return g
}

func meanGray(g *image.Gray) float64 {
	b := g.Bounds()
	var sum float64
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := g.Pix[g.PixOffset(b.Min.X, y) : g.PixOffset(b.Min.X, y)+b.Dx()]
		for _, v := range row {
			sum += float64(v)
		}
	}
	return sum / float64(b.Dx()*b.Dy())
}

// edgeDensity is the share of interior pixels whose Sobel gradient exceeds threshold.
func edgeDensity(g *image.Gray, threshold float64) float64 {
	b := g.Bounds()
	if b.Dx() < 3 || b.Dy() < 3 {
		return 0
	}
	px := func(x, y int) float64 { return float64(g.GrayAt(x, y).Y) }

	edges, total := 0, 0
	for y := b.Min.Y + 1; y < b.Max.Y-1; y++ {
		for x := b.Min.X + 1; x < b.Max.X-1; x++ {
			gx := px(x+1, y-1) + 2*px(x+1, y) + px(x+1, y+1) - px(x-1, y-1) - 2*px(x-1, y) - px(x-1, y+1)
			gy := px(x-1, y+1) + 2*px(x, y+1) + px(x+1, y+1) - px(x-1, y-1) - 2*px(x, y-1) - px(x+1, y-1)
			if math.Hypot(gx, gy) > threshold {
				edges++
			}
			total++
		}
	}
	return float64(edges) / float64(total)
}

// colorStd is the standard deviation over every channel sample of the crop.
func colorStd(img image.Image) float64 {
	b := img.Bounds()
	var sum, sumSq float64
	n := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			r, g, bl, _ := img.At(x, y).RGBA()
			for _, c := range [3]uint32{r >> 8, g >> 8, bl >> 8} {
				v := float64(c)
				sum += v
				sumSq += v * v
				n++
			}
		}
	}
	if n == 0 {
		return 0
	}
	mean := sum / float64(n)
	return math.Sqrt(math.Max(0, sumSq/float64(n)-mean*mean))
}

// otsuWhiteRatio binarizes with Otsu's threshold and returns the white share.
func otsuWhiteRatio(g *image.Gray) float64 {
	var hist [256]int
	b := g.Bounds()
	total := b.Dx() * b.Dy()
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			hist[g.GrayAt(x, y).Y]++
		}
	}

	var sumAll float64
	for i, c := range hist {
		sumAll += float64(i * c)
	}

	var (
		sumB, best float64
		wB, thresh int
	)
	for t := 0; t < 256; t++ {
		wB += hist[t]
		if wB == 0 {
			continue
		}
		wF := total - wB
		if wF == 0 {
			break
		}
		sumB += float64(t * hist[t])
		mB := sumB / float64(wB)
		mF := (sumAll - sumB) / float64(wF)
		between := float64(wB) * float64(wF) * (mB - mF) * (mB - mF)
		if between > best {
			best = between
			thresh = t
		}
	}

	white := 0
	for i := thresh + 1; i < 256; i++ {
		white += hist[i]
	}
	return float64(white) / float64(total)
}

// motion is the mean absolute difference against the previous crop, resized
// to the current crop's size. No previous crop means no motion.
func motion(prev, curr *image.Gray) float64 {
	if prev == nil {
		return 0
	}
	cb := curr.Bounds()
	if prev.Bounds().Size() != cb.Size() {
		scaled := image.NewGray(image.Rect(0, 0, cb.Dx(), cb.Dy()))
		draw.ApproxBiLinear.Scale(scaled, scaled.Bounds(), prev, prev.Bounds(), draw.Src, nil)
		prev = scaled
	}
	pb := prev.Bounds()

	var sum float64
	for y := 0; y < cb.Dy(); y++ {
		for x := 0; x < cb.Dx(); x++ {
			d := int(curr.GrayAt(cb.Min.X+x, cb.Min.Y+y).Y) - int(prev.GrayAt(pb.Min.X+x, pb.Min.Y+y).Y)
			if d < 0 {
				d = -d
			}
			sum += float64(d)
		}
	}
	return sum / float64(cb.Dx()*cb.Dy())
}
