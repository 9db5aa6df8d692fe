// Package liveness scores a capture for evidence that it shows a live subject
// rather than a printed photo or a replayed screen.
//
// The primary signal is focus: the variance of the Laplacian of the grayscale
// image. Flat, blurred, or re-photographed prints have little high-frequency
// detail and score low. An optional model-based classifier adds a second opinion.
package liveness

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"sort"
)

var (
	// ErrUndecodable means the capture is not an image we can read.
	ErrUndecodable = errors.New("capture is not a decodable image")
	// ErrClassifierUnavailable is returned by a SpoofClassifier that cannot serve requests.
	ErrClassifierUnavailable = errors.New("anti-spoof classifier unavailable")
)

// MaxPixels bounds the work done per capture. 12 MP covers a 4000x3000
// phone photo; anything larger is rejected from its header alone.
const MaxPixels = 12_000_000

// ctxCheckRows is how many rows are processed between context checks.
const ctxCheckRows = 64

// Mode names which signals contributed to a Score.
type Mode string

const (
	ModeSharpnessOnly       Mode = "sharpness-only"
	ModeSharpnessClassifier Mode = "sharpness+classifier"
)

// Verdict is the anti-spoof classifier's opinion of a capture.
type Verdict struct {
	Real  bool
	Score float64
}

// SpoofClassifier is an optional model-based anti-spoof check.
type SpoofClassifier interface {
	Classify(ctx context.Context, image []byte) (Verdict, error)
}

// Score is the result of one assessment.
type Score struct {
	Passed       bool
	Sharpness    float64
	SpoofReasons []string
	Mode         Mode
	// Degraded is set when a classifier was configured but could not be used.
	Degraded bool
}

// Detector assesses captures. It is safe for concurrent use.
type Detector struct {
	floor      float64
	classifier SpoofClassifier
	logger     *slog.Logger
}

// Option configures a Detector.
type Option func(*Detector)

// WithClassifier enables the secondary anti-spoof signal.
func WithClassifier(c SpoofClassifier) Option {
	return func(d *Detector) { d.classifier = c }
}

// WithLogger sets the logger used to report classifier degradation.
func WithLogger(l *slog.Logger) Option {
	return func(d *Detector) { d.logger = l }
}

// New returns a Detector that requires sharpness >= floor.
func New(floor float64, opts ...Option) (*Detector, error) {
	if floor <= 0 {
		return nil, fmt.Errorf("sharpness floor must be positive, got %f", floor)
	}
	d := &Detector{floor: floor, logger: slog.New(slog.DiscardHandler)}
	for _, opt := range opts {
		opt(d)
	}
	return d, nil
}

// Floor returns the minimum passing sharpness.
func (d *Detector) Floor() float64 { return d.floor }

// Assess scores img. An error is returned only when the image cannot be read
// or ctx is done; a spoofed capture is a Score with Passed == false.
func (d *Detector) Assess(ctx context.Context, img []byte) (Score, error) {
	if err := ctx.Err(); err != nil {
		return Score{}, err
	}

	gray, err := decodeGray(ctx, img)
	if err != nil {
		return Score{}, err
	}
	sharpness, err := laplacianVariance(ctx, gray)
	if err != nil {
		return Score{}, err
	}

	score := Score{
		Sharpness: sharpness,
		Mode:      ModeSharpnessOnly,
	}
	reasons := make(map[string]struct{})

	if score.Sharpness < d.floor {
		reasons[fmt.Sprintf("low sharpness %.2f < %.2f", score.Sharpness, d.floor)] = struct{}{}
	}

	if d.classifier != nil && len(reasons) == 0 {
		verdict, err := d.classifier.Classify(ctx, img)
		switch {
		case err == nil:
			score.Mode = ModeSharpnessClassifier
			if !verdict.Real {
				reasons[fmt.Sprintf("classifier flagged spoof (score %.2f)", verdict.Score)] = struct{}{}
			}
		case ctx.Err() != nil:
			return Score{}, ctx.Err()
		default:
			score.Degraded = true
			d.logger.Warn("anti-spoof classifier unavailable, using sharpness only", "error", err)
		}
	}

	score.SpoofReasons = sortedKeys(reasons)
	score.Passed = len(score.SpoofReasons) == 0
	return score, nil
}

// grayImage is a row-major 8-bit luma buffer.
type grayImage struct {
	w, h   int
	stride int
	pix    []uint8
}

func (g *grayImage) at(x, y int) int {
	return int(g.pix[y*g.stride+x])
}

// decodeGray decodes data into luma. Gray and YCbCr images (PNG grayscale
// and JPEG) already carry a luma plane and are used in place.
func decodeGray(ctx context.Context, data []byte) (*grayImage, error) {
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if cfg.Width <= 0 || cfg.Height <= 0 || cfg.Width > MaxPixels/cfg.Height {
		return nil, fmt.Errorf("%w: %dx%d exceeds %d pixels", ErrUndecodable, cfg.Width, cfg.Height, MaxPixels)
	}

	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUndecodable, err)
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}

	b := img.Bounds()
	switch src := img.(type) {
	case *image.Gray:
		return &grayImage{w: b.Dx(), h: b.Dy(), stride: src.Stride, pix: src.Pix[src.PixOffset(b.Min.X, b.Min.Y):]}, nil
	case *image.YCbCr:
		return &grayImage{w: b.Dx(), h: b.Dy(), stride: src.YStride, pix: src.Y[src.YOffset(b.Min.X, b.Min.Y):]}, nil
	}

	g := &grayImage{w: b.Dx(), h: b.Dy(), stride: b.Dx(), pix: make([]uint8, b.Dx()*b.Dy())}
	for y := 0; y < g.h; y++ {
		if y%ctxCheckRows == 0 {
			if err := ctx.Err(); err != nil {
				return nil, err
			}
		}
		row := g.pix[y*g.stride : y*g.stride+g.w]
		if rgba, ok := img.(*image.RGBA); ok {
			off := rgba.PixOffset(b.Min.X, b.Min.Y+y)
			for x := range row {
				p := rgba.Pix[off+4*x : off+4*x+3 : off+4*x+3]
				row[x] = luma(uint32(p[0])*0x101, uint32(p[1])*0x101, uint32(p[2])*0x101)
			}
			continue
		}
		for x := range row {
			r, gr, bl, _ := img.At(b.Min.X+x, b.Min.Y+y).RGBA()
			row[x] = luma(r, gr, bl)
		}
	}
	return g, nil
}

// luma is ITU-R BT.601, the same weights OpenCV uses for RGB2GRAY. Inputs are
// 16-bit channels.
func luma(r, g, b uint32) uint8 {
	return uint8((19595*r + 38470*g + 7471*b + 1<<15) >> 24)
}

// Sharpness returns the Laplacian variance of an encoded image.
func Sharpness(img []byte) (float64, error) {
	ctx := context.Background()
	gray, err := decodeGray(ctx, img)
	if err != nil {
		return 0, err
	}
	return laplacianVariance(ctx, gray)
}

// laplacianVariance convolves g with the 4-neighbour Laplacian kernel
// (reflect-101 borders) and returns the variance of the response.
func laplacianVariance(ctx context.Context, g *grayImage) (float64, error) {
	n := g.w * g.h
	if n == 0 {
		return 0, nil
	}

	var sum, sumSq int64
	for y := 0; y < g.h; y++ {
		if y%ctxCheckRows == 0 {
			if err := ctx.Err(); err != nil {
				return 0, err
			}
		}
		up, down := reflect101(y-1, g.h), reflect101(y+1, g.h)
		for x := 0; x < g.w; x++ {
			left, right := reflect101(x-1, g.w), reflect101(x+1, g.w)
			v := int64(g.at(left, y) + g.at(right, y) + g.at(x, up) + g.at(x, down) - 4*g.at(x, y))
			sum += v
			sumSq += v * v
		}
	}
	mean := float64(sum) / float64(n)
	variance := float64(sumSq)/float64(n) - mean*mean
	if variance < 0 {
		return 0, nil
	}
	return variance, nil
}

func reflect101(i, n int) int {
	if n == 1 {
		return 0
	}
	for i < 0 || i >= n {
		if i < 0 {
			i = -i
		}
		if i >= n {
			i = 2*n - i - 2
		}
	}
	return i
}

func sortedKeys(m map[string]struct{}) []string {
	if len(m) == 0 {
		return nil
	}
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
