package goofy

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/gif"
	_ "image/jpeg" // avatar formats
	_ "image/png"
	"io/fs"
	"iter"
	"math"
	"os"
	"time"

	"github.com/ericpauley/go-quantize/quantize"
	"golang.org/x/image/draw"
	_ "golang.org/x/image/webp"
)

const (
	// squishPeakProgress is the point in the animation (as a fraction of
	// the frame count) where the avatar is squished the most
	squishPeakProgress = 0.6

	// transparentIndex is the palette index reserved for fully
	// transparent pixels in encoded frames
	transparentIndex = 0

	// alphaThreshold is the minimum alpha a composited pixel needs to be
	// written as an opaque palette color
	alphaThreshold = 0x80
)

var (
	// ErrAssetNotFound is returned by [Composer.Compose] when the template
	// animation doesn't exist on disk.
	ErrAssetNotFound = errors.New("file not found")

	errNoFrames       = errors.New("animation has no frames")
	errAvatarTooLarge = errors.New("avatar dimensions exceed the limit")
)

// FormatError indicates image data that couldn't be decoded, or that
// decoded to something unusable (ex: a template without frames).
type FormatError struct {
	// Source is what was being decoded: "avatar" or "template"
	Source string
	Err    error
}

func (e *FormatError) Error() string {
	return fmt.Sprintf("invalid %s image: %s", e.Source, e.Err)
}

func (e *FormatError) Unwrap() error {
	return e.Err
}

// EncodeError wraps a failure to encode the composited animation.
type EncodeError struct {
	Err error
}

func (e *EncodeError) Error() string {
	return fmt.Sprintf("error encoding gif: %s", e.Err)
}

func (e *EncodeError) Unwrap() error {
	return e.Err
}

// TemplateFrame is a single fully reconstructed frame of a
// [TemplateAnimation], sized to the template's canvas.
type TemplateFrame struct {
	Image *image.RGBA
	Delay time.Duration
}

// TemplateAnimation is a decoded, read-only animated template.
type TemplateAnimation struct {
	Width  int
	Height int
	anim   *gif.GIF
}

// LoadTemplate reads and decodes the GIF at path.
// A missing file is reported as [ErrAssetNotFound], anything that doesn't
// decode to at least one frame as a [FormatError].
func LoadTemplate(path string) (*TemplateAnimation, error) {
	f, err := os.Open(path)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, path)
		}
		return nil, fmt.Errorf("error opening template: %w", err)
	}
	defer func() {
		_ = f.Close()
	}()

	anim, err := gif.DecodeAll(f)
	if err != nil {
		return nil, &FormatError{Source: "template", Err: err}
	}
	return NewTemplateAnimation(anim)
}

// NewTemplateAnimation wraps an already decoded GIF.
func NewTemplateAnimation(anim *gif.GIF) (*TemplateAnimation, error) {
	if anim == nil || len(anim.Image) == 0 {
		return nil, &FormatError{Source: "template", Err: errNoFrames}
	}
	t := &TemplateAnimation{
		Width:  anim.Config.Width,
		Height: anim.Config.Height,
		anim:   anim,
	}
	if t.Width == 0 || t.Height == 0 {
		var bounds image.Rectangle
		for _, p := range anim.Image {
			bounds = bounds.Union(p.Bounds())
		}
		t.Width = bounds.Max.X
		t.Height = bounds.Max.Y
	}
	return t, nil
}

// Len returns the number of frames in the animation
func (t *TemplateAnimation) Len() int {
	return len(t.anim.Image)
}

// Bounds returns the canvas rectangle shared by every frame
func (t *TemplateAnimation) Bounds() image.Rectangle {
	return image.Rect(0, 0, t.Width, t.Height)
}

// Frames yields each frame in order. Every frame is drawn onto its own
// transparent canvas, so pixels from earlier frames never carry over.
func (t *TemplateAnimation) Frames() iter.Seq2[int, TemplateFrame] {
	return func(yield func(int, TemplateFrame) bool) {
		for i := range t.anim.Image {
			if !yield(i, t.frame(i)) {
				return
			}
		}
	}
}

func (t *TemplateAnimation) frame(i int) TemplateFrame {
	p := t.anim.Image[i]
	canvas := image.NewRGBA(t.Bounds())
	draw.Draw(canvas, p.Bounds(), p, p.Bounds().Min, draw.Src)

	delay := DefaultFrameDelay
	if i < len(t.anim.Delay) && t.anim.Delay[i] > 0 {
		delay = time.Duration(t.anim.Delay[i]) * 10 * time.Millisecond
	}
	return TemplateFrame{Image: canvas, Delay: delay}
}

// CompositeFrame is an output frame: the template frame layered over the
// (possibly squished) avatar.
type CompositeFrame struct {
	Image        *image.RGBA
	Delay        time.Duration
	SquishFactor float64

	// AvatarBounds is where the avatar was drawn on the canvas
	AvatarBounds image.Rectangle
}

// Composer composites avatars into a patting animation.
type Composer struct {
	// Scale is the avatar's width relative to the template width
	Scale float64

	// BottomMargin is the gap, in pixels, between the bottom edge of the
	// avatar and the bottom of the canvas
	BottomMargin int

	// MaxSquish is the largest fraction of the avatar's height removed
	// at the peak of the squish
	MaxSquish float64

	// Squish enables the squish animation. When false, the avatar is
	// drawn at a fixed size on every frame.
	Squish bool

	// Scaler is the resampling filter used for all resizing
	Scaler draw.Scaler

	// MaxAvatarDimension is the largest width or height an avatar may
	// declare before it's decoded. 0=unlimited
	MaxAvatarDimension int
}

// NewComposer returns a Composer configured from the given PatPatConfig
func NewComposer(config PatPatConfig) *Composer {
	return &Composer{
		Scale:        config.AvatarScale,
		BottomMargin: config.BottomMargin,
		MaxSquish:    config.MaxSquish,
		Squish:       config.Squish,
		Scaler:       draw.CatmullRom,

		MaxAvatarDimension: config.MaxAvatarDimension,
	}
}

// DefaultComposer returns a Composer with the default patpat settings
func DefaultComposer() *Composer {
	return NewComposer(DefaultPatPatConfig())
}

// Compose is shorthand for DefaultComposer().Compose
func Compose(avatar []byte, templatePath string) ([]byte, error) {
	return DefaultComposer().Compose(avatar, templatePath)
}

// Compose decodes the avatar and the template at templatePath, and returns
// a looping GIF with the same frame count, frame timing and canvas size as
// the template, showing the avatar underneath each template frame.
//
// The template's existence is checked before anything is decoded.
func (c *Composer) Compose(avatar []byte, templatePath string) ([]byte, error) {
	if _, err := os.Stat(templatePath); err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return nil, fmt.Errorf("%w: %s", ErrAssetNotFound, templatePath)
		}
		return nil, fmt.Errorf("error reading template: %w", err)
	}

	avatarImg, err := DecodeAvatar(avatar, c.MaxAvatarDimension)
	if err != nil {
		return nil, err
	}

	tmpl, err := LoadTemplate(templatePath)
	if err != nil {
		return nil, err
	}

	return EncodeFrames(c.ComposeFrames(avatarImg, tmpl))
}

// DecodeAvatar decodes avatar image bytes (PNG, JPEG, GIF or WebP).
// Images declaring a width or height above maxDimension are rejected
// from their header, before any pixels are allocated. 0=unlimited
func DecodeAvatar(data []byte, maxDimension int) (image.Image, error) {
	if maxDimension > 0 {
		cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			return nil, &FormatError{Source: "avatar", Err: err}
		}
		if cfg.Width > maxDimension || cfg.Height > maxDimension {
			return nil, &FormatError{
				Source: "avatar",
				Err: fmt.Errorf(
					"%w: %dx%d (max %d)",
					errAvatarTooLarge, cfg.Width, cfg.Height, maxDimension,
				),
			}
		}
	}
	img, _, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, &FormatError{Source: "avatar", Err: err}
	}
	return img, nil
}

// AvatarSize returns the avatar's side length for a template of the
// given width
func (c *Composer) AvatarSize(templateWidth int) int {
	return max(1, int(math.Round(float64(templateWidth)*c.Scale)))
}

// ComposeFrames builds one CompositeFrame per template frame.
func (c *Composer) ComposeFrames(
	avatar image.Image,
	tmpl *TemplateAnimation,
) []CompositeFrame {
	size := c.AvatarSize(tmpl.Width)
	base := c.circleAvatar(avatar, size)
	total := tmpl.Len()

	frames := make([]CompositeFrame, 0, total)
	for i, tf := range tmpl.Frames() {
		sprite := base
		var squish float64
		if c.Squish {
			squish = SquishFactor(i, total)
			if h := c.squishedHeight(size, squish); h != size {
				sprite = c.resize(base, size, h)
			}
		}

		canvas := image.NewRGBA(tmpl.Bounds())
		sb := sprite.Bounds()
		x := (tmpl.Width - sb.Dx()) / 2
		y := tmpl.Height - sb.Dy() - c.BottomMargin
		avatarRect := image.Rect(x, y, x+sb.Dx(), y+sb.Dy())

		draw.Draw(canvas, avatarRect, sprite, sb.Min, draw.Over)
		draw.Draw(canvas, canvas.Bounds(), tf.Image, image.Point{}, draw.Over)

		frames = append(
			frames,
			CompositeFrame{
				Image:        canvas,
				Delay:        tf.Delay,
				SquishFactor: squish,
				AvatarBounds: avatarRect,
			},
		)
	}
	return frames
}

// SquishFactor returns how squished the avatar is on frame i of total,
// from 0 (not at all) to 1 (fully). It ramps up linearly to 1 at 60% of
// the animation, then back down to 0 on the last frame. Single-frame
// animations are never squished.
func SquishFactor(i, total int) float64 {
	if total <= 1 {
		return 0
	}
	progress := float64(i) / float64(total-1)

	var s float64
	if progress <= squishPeakProgress {
		s = progress * (1 / squishPeakProgress)
	} else {
		s = (1 - progress) * (1 / (1 - squishPeakProgress))
	}
	return math.Max(0, math.Min(1, s))
}

func (c *Composer) squishedHeight(height int, squish float64) int {
	return max(1, int(float64(height)*(1-c.MaxSquish*squish)))
}

func (c *Composer) scaler() draw.Scaler {
	if c.Scaler == nil {
		return draw.CatmullRom
	}
	return c.Scaler
}

func (c *Composer) resize(src image.Image, width, height int) *image.RGBA {
	dst := image.NewRGBA(image.Rect(0, 0, width, height))
	c.scaler().Scale(dst, dst.Bounds(), src, src.Bounds(), draw.Src, nil)
	return dst
}

// circleAvatar resizes the avatar to a size x size square, and replaces
// its alpha channel with a circular mask.
func (c *Composer) circleAvatar(src image.Image, size int) *image.RGBA {
	b := src.Bounds()
	flat := image.NewNRGBA(image.Rect(0, 0, b.Dx(), b.Dy()))
	draw.Draw(flat, flat.Bounds(), src, b.Min, draw.Src)
	for i := 3; i < len(flat.Pix); i += 4 {
		flat.Pix[i] = 0xff
	}

	dst := c.resize(flat, size, size)
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			if insideEllipse(x, y, size, size) {
				continue
			}
			off := dst.PixOffset(x, y)
			clear(dst.Pix[off : off+4])
		}
	}
	return dst
}

// insideEllipse reports whether the center of pixel (x, y) falls within
// the ellipse inscribed in a width x height rectangle
func insideEllipse(x, y, width, height int) bool {
	rx := float64(width) / 2
	ry := float64(height) / 2
	dx := (float64(x) + 0.5 - rx) / rx
	dy := (float64(y) + 0.5 - ry) / ry
	return dx*dx+dy*dy <= 1
}

// EncodeFrames encodes the frames as an infinitely looping GIF. Every frame
// is disposed to the (transparent) background before the next is drawn.
func EncodeFrames(frames []CompositeFrame) ([]byte, error) {
	if len(frames) == 0 {
		return nil, &EncodeError{Err: errNoFrames}
	}
	bounds := frames[0].Image.Bounds()

	anim := &gif.GIF{
		LoopCount:       0,
		BackgroundIndex: transparentIndex,
	}
	for _, f := range frames {
		anim.Image = append(anim.Image, palettedFrame(f.Image))
		anim.Delay = append(anim.Delay, delayCentiseconds(f.Delay))
		anim.Disposal = append(anim.Disposal, gif.DisposalBackground)
	}
	anim.Config = image.Config{
		ColorModel: anim.Image[0].Palette,
		Width:      bounds.Dx(),
		Height:     bounds.Dy(),
	}

	var buf bytes.Buffer
	if err := gif.EncodeAll(&buf, anim); err != nil {
		return nil, &EncodeError{Err: err}
	}
	return buf.Bytes(), nil
}

// delayCentiseconds converts a frame duration to GIF delay units
func delayCentiseconds(d time.Duration) int {
	if d <= 0 {
		d = DefaultFrameDelay
	}
	return int(d.Round(10*time.Millisecond) / (10 * time.Millisecond))
}

// paletteQuantizer builds a palette from a frame's own colors. Transparent
// pixels carry no weight, they're mapped to transparentIndex.
var paletteQuantizer = quantize.MedianCutQuantizer{
	Aggregation: quantize.Mean,
	Weighting: func(m image.Image, x, y int) uint32 {
		if _, _, _, a := m.At(x, y).RGBA(); a == 0 {
			return 0
		}
		return 1
	},
}

// framePalette returns an adaptive palette of up to 256 colors for the
// flattened frame, with the transparent entry at transparentIndex
func framePalette(flat *image.RGBA, hasOpaque bool) color.Palette {
	pal := make(color.Palette, 1, 256)
	pal[transparentIndex] = color.RGBA{}
	if !hasOpaque {
		return pal
	}
	return paletteQuantizer.Quantize(pal, flat)
}

// palettedFrame converts a composited frame to a paletted image with its
// own palette. Pixels below alphaThreshold become transparent, the rest
// are made opaque and mapped to their nearest palette color.
func palettedFrame(src *image.RGBA) *image.Paletted {
	b := src.Bounds()
	flat := image.NewRGBA(b)
	hasOpaque := false
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			off := src.PixOffset(x, y)
			px := src.Pix[off : off+4 : off+4]
			a := px[3]
			if a < alphaThreshold {
				continue
			}
			hasOpaque = true
			dst := flat.Pix[off : off+4 : off+4]
			dst[0] = unpremultiply(px[0], a)
			dst[1] = unpremultiply(px[1], a)
			dst[2] = unpremultiply(px[2], a)
			dst[3] = 0xff
		}
	}

	pal := framePalette(flat, hasOpaque)
	dst := image.NewPaletted(b, pal)
	cache := map[color.RGBA]uint8{}
	for y := b.Min.Y; y < b.Max.Y; y++ {
		for x := b.Min.X; x < b.Max.X; x++ {
			off := flat.PixOffset(x, y)
			px := flat.Pix[off : off+4 : off+4]
			idx := uint8(transparentIndex)
			if px[3] != 0 {
				c := color.RGBA{R: px[0], G: px[1], B: px[2], A: 0xff}
				cached, ok := cache[c]
				if !ok {
					cached = uint8(pal.Index(c))
					cache[c] = cached
				}
				idx = cached
			}
			dst.Pix[dst.PixOffset(x, y)] = idx
		}
	}
	return dst
}

func unpremultiply(v, a uint8) uint8 {
	if a == 0xff {
		return v
	}
	return uint8(min(0xff, uint32(v)*0xff/uint32(a)))
}
