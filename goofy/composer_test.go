package goofy

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/gif"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/image/draw"
)

var testTemplatePalette = color.Palette{
	color.Transparent,
	color.Black,
	color.White,
}

// writeTestTemplate writes a width x height animated GIF with one frame
// per delay. Frame i has a single black pixel at (i, 0), and is otherwise
// transparent.
func writeTestTemplate(t testing.TB, fp string, width, height int, delays []int) {
	t.Helper()

	anim := &gif.GIF{}
	for i, d := range delays {
		img := image.NewPaletted(image.Rect(0, 0, width, height), testTemplatePalette)
		img.SetColorIndex(i, 0, 1)
		anim.Image = append(anim.Image, img)
		anim.Delay = append(anim.Delay, d)
	}

	f, err := os.Create(fp)
	require.NoError(t, err)
	defer func() {
		_ = f.Close()
	}()
	require.NoError(t, gif.EncodeAll(f, anim))
}

// testAvatarPNG returns a size x size PNG filled with c
func testAvatarPNG(t testing.TB, size int, c color.Color) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, size, size))
	for y := 0; y < size; y++ {
		for x := 0; x < size; x++ {
			img.Set(x, y, c)
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

var red = color.RGBA{R: 0xff, A: 0xff}

func TestSquishFactor(t *testing.T) {
	tests := []struct {
		name     string
		total    int
		expected []float64
	}{
		{
			name:     "six frames",
			total:    6,
			expected: []float64{0, 1.0 / 3.0, 2.0 / 3.0, 1, 0.5, 0},
		},
		{
			name:     "single frame",
			total:    1,
			expected: []float64{0},
		},
		{
			name:     "two frames",
			total:    2,
			expected: []float64{0, 0},
		},
	}
	for _, tc := range tests {
		t.Run(
			tc.name, func(t *testing.T) {
				for i, expected := range tc.expected {
					assert.InDeltaf(
						t,
						expected,
						SquishFactor(i, tc.total),
						0.0001,
						"frame %d of %d", i, tc.total,
					)
				}
			},
		)
	}
}

func TestSquishFactor_Bounds(t *testing.T) {
	for total := 1; total < 40; total++ {
		for i := 0; i < total; i++ {
			s := SquishFactor(i, total)
			assert.GreaterOrEqual(t, s, 0.0)
			assert.LessOrEqual(t, s, 1.0)
		}
		assert.Zero(t, SquishFactor(0, total))
		assert.Zero(t, SquishFactor(total-1, total))
	}
}

func TestLoadTemplate(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "patpat.gif")
	writeTestTemplate(t, fp, 100, 80, []int{5, 0, 20})

	tmpl, err := LoadTemplate(fp)
	require.NoError(t, err)
	assert.Equal(t, 100, tmpl.Width)
	assert.Equal(t, 80, tmpl.Height)
	assert.Equal(t, 3, tmpl.Len())
	assert.Equal(t, image.Rect(0, 0, 100, 80), tmpl.Bounds())

	expectedDelays := []time.Duration{
		50 * time.Millisecond,
		DefaultFrameDelay,
		200 * time.Millisecond,
	}
	var seen int
	for i, f := range tmpl.Frames() {
		assert.Equal(t, expectedDelays[i], f.Delay)
		assert.Equal(t, tmpl.Bounds(), f.Image.Bounds())

		// each frame only has its own pixel set
		for x := 0; x < tmpl.Len(); x++ {
			_, _, _, a := f.Image.At(x, 0).RGBA()
			if x == i {
				assert.Equalf(t, uint32(0xffff), a, "frame %d pixel %d", i, x)
			} else {
				assert.Equalf(t, uint32(0), a, "frame %d pixel %d", i, x)
			}
		}
		seen++
	}
	assert.Equal(t, 3, seen)
}

func TestLoadTemplate_Errors(t *testing.T) {
	t.Run(
		"missing", func(t *testing.T) {
			_, err := LoadTemplate(filepath.Join(t.TempDir(), "nope.gif"))
			assert.ErrorIs(t, err, ErrAssetNotFound)
		},
	)

	t.Run(
		"not a gif", func(t *testing.T) {
			fp := filepath.Join(t.TempDir(), "patpat.gif")
			require.NoError(t, os.WriteFile(fp, []byte("definitely not a gif"), 0o600))

			_, err := LoadTemplate(fp)
			var formatErr *FormatError
			require.ErrorAs(t, err, &formatErr)
			assert.Equal(t, "template", formatErr.Source)
		},
	)

	t.Run(
		"no frames", func(t *testing.T) {
			_, err := NewTemplateAnimation(&gif.GIF{})
			var formatErr *FormatError
			require.ErrorAs(t, err, &formatErr)
			assert.ErrorIs(t, err, errNoFrames)

			_, err = NewTemplateAnimation(nil)
			assert.ErrorIs(t, err, errNoFrames)
		},
	)
}

func TestComposeFrames_Squish(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "patpat.gif")
	writeTestTemplate(t, fp, 100, 80, []int{5, 0, 20, 0, 0, 0})
	tmpl, err := LoadTemplate(fp)
	require.NoError(t, err)

	avatar, err := DecodeAvatar(testAvatarPNG(t, 32, red), 0)
	require.NoError(t, err)

	c := DefaultComposer()
	require.True(t, c.Squish)

	size := c.AvatarSize(tmpl.Width)
	assert.Equal(t, 65, size)

	frames := c.ComposeFrames(avatar, tmpl)
	require.Len(t, frames, 6)

	expectedHeights := []int{65, 58, 52, 45, 55, 65}
	for i, f := range frames {
		assert.Equal(t, tmpl.Bounds(), f.Image.Bounds())
		assert.InDelta(t, SquishFactor(i, len(frames)), f.SquishFactor, 0.0001)

		b := f.AvatarBounds
		assert.Equalf(t, size, b.Dx(), "frame %d width", i)
		assert.InDeltaf(t, expectedHeights[i], b.Dy(), 1, "frame %d height", i)

		// horizontally centered, bottom edge is always 10px above the
		// bottom of the frame
		assert.Equalf(t, (tmpl.Width-size)/2, b.Min.X, "frame %d x", i)
		assert.Equalf(t, tmpl.Height-DefaultAvatarBottomMargin, b.Max.Y, "frame %d bottom", i)
	}

	assert.Equal(t, 50*time.Millisecond, frames[0].Delay)
	assert.Equal(t, DefaultFrameDelay, frames[1].Delay)
	assert.Equal(t, 200*time.Millisecond, frames[2].Delay)
}

func TestComposeFrames_FixedSize(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "patpat.gif")
	writeTestTemplate(t, fp, 100, 80, []int{5, 5, 5, 5, 5, 5})
	tmpl, err := LoadTemplate(fp)
	require.NoError(t, err)

	avatar, err := DecodeAvatar(testAvatarPNG(t, 128, red), 0)
	require.NoError(t, err)

	cfg := DefaultPatPatConfig()
	cfg.Squish = false
	c := NewComposer(cfg)

	frames := c.ComposeFrames(avatar, tmpl)
	require.Len(t, frames, 6)
	for _, f := range frames {
		assert.Zero(t, f.SquishFactor)
		assert.Equal(t, image.Rect(17, 5, 82, 70), f.AvatarBounds)
	}
}

func TestComposeFrames_CircleMask(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "patpat.gif")
	writeTestTemplate(t, fp, 100, 80, []int{5})
	tmpl, err := LoadTemplate(fp)
	require.NoError(t, err)

	avatar, err := DecodeAvatar(testAvatarPNG(t, 64, red), 0)
	require.NoError(t, err)

	frames := DefaultComposer().ComposeFrames(avatar, tmpl)
	require.Len(t, frames, 1)
	f := frames[0]
	b := f.AvatarBounds

	center := image.Pt(b.Min.X+b.Dx()/2, b.Min.Y+b.Dy()/2)
	r, g, _, a := f.Image.At(center.X, center.Y).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	assert.Greater(t, r>>8, uint32(200))
	assert.Less(t, g>>8, uint32(60))

	// corners of the avatar's square are outside the circle
	_, _, _, a = f.Image.At(b.Min.X, b.Min.Y).RGBA()
	assert.Equal(t, uint32(0), a)
	_, _, _, a = f.Image.At(b.Max.X-1, b.Max.Y-1).RGBA()
	assert.Equal(t, uint32(0), a)

	// template pixels are kept
	_, _, _, a = f.Image.At(0, 0).RGBA()
	assert.Equal(t, uint32(0xffff), a)
}

func TestCompose(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "patpat.gif")
	writeTestTemplate(t, fp, 100, 80, []int{5, 0, 20, 0, 0, 0})

	out, err := Compose(testAvatarPNG(t, 48, red), fp)
	require.NoError(t, err)

	anim, err := gif.DecodeAll(bytes.NewReader(out))
	require.NoError(t, err)

	assert.Len(t, anim.Image, 6)
	assert.Equal(t, 0, anim.LoopCount)
	assert.Equal(t, []int{5, 10, 20, 10, 10, 10}, anim.Delay)
	assert.Equal(t, 100, anim.Config.Width)
	assert.Equal(t, 80, anim.Config.Height)
	for i, d := range anim.Disposal {
		assert.Equalf(t, byte(gif.DisposalBackground), d, "frame %d disposal", i)
	}

	first := anim.Image[0]
	assert.Equal(t, image.Rect(0, 0, 100, 80), first.Bounds())

	r, g, _, a := first.At(49, 37).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	assert.Greater(t, r>>8, uint32(200))
	assert.Less(t, g>>8, uint32(60))

	_, _, _, a = first.At(99, 79).RGBA()
	assert.Equal(t, uint32(0), a)
}

func TestCompose_SingleFrame(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "patpat.gif")
	writeTestTemplate(t, fp, 60, 60, []int{7})

	out, err := DefaultComposer().Compose(testAvatarPNG(t, 16, red), fp)
	require.NoError(t, err)

	anim, err := gif.DecodeAll(bytes.NewReader(out))
	require.NoError(t, err)
	assert.Len(t, anim.Image, 1)
	assert.Equal(t, []int{7}, anim.Delay)
}

func TestCompose_MissingTemplate(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "patpat.gif")

	// the template is checked before the avatar is decoded
	_, err := Compose([]byte("not an image"), fp)
	require.ErrorIs(t, err, ErrAssetNotFound)

	var formatErr *FormatError
	assert.False(t, errors.As(err, &formatErr))
}

func TestCompose_InvalidAvatar(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "patpat.gif")
	writeTestTemplate(t, fp, 60, 60, []int{5, 5})

	_, err := Compose([]byte("not an image"), fp)
	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Equal(t, "avatar", formatErr.Source)
}

func TestEncodeFrames_Empty(t *testing.T) {
	_, err := EncodeFrames(nil)
	var encodeErr *EncodeError
	require.ErrorAs(t, err, &encodeErr)
	assert.ErrorIs(t, err, errNoFrames)
}

func TestDelayCentiseconds(t *testing.T) {
	tests := map[time.Duration]int{
		0:                      10,
		-time.Second:           10,
		10 * time.Millisecond:  1,
		100 * time.Millisecond: 10,
		66 * time.Millisecond:  7,
		2 * time.Second:        200,
	}
	for d, expected := range tests {
		assert.Equalf(t, expected, delayCentiseconds(d), "delay %s", d)
	}
}

func TestFramePalette(t *testing.T) {
	t.Run("transparent only", func(t *testing.T) {
		pal := framePalette(image.NewRGBA(image.Rect(0, 0, 4, 4)), false)
		require.Len(t, pal, 1)
		_, _, _, a := pal[transparentIndex].RGBA()
		assert.Equal(t, uint32(0), a)
	})

	t.Run("adaptive", func(t *testing.T) {
		flat := image.NewRGBA(image.Rect(0, 0, 8, 8))
		draw.Draw(flat, flat.Bounds(), image.NewUniform(color.RGBA{R: 10, G: 20, B: 30, A: 0xff}), image.Point{}, draw.Src)
		pal := framePalette(flat, true)
		require.GreaterOrEqual(t, len(pal), 2)
		assert.LessOrEqual(t, len(pal), 256)

		_, _, _, a := pal[transparentIndex].RGBA()
		assert.Equal(t, uint32(0), a)
		for i, c := range pal[1:] {
			_, _, _, a = c.RGBA()
			assert.Equalf(t, uint32(0xffff), a, "palette index %d", i+1)
		}
	})
}

func TestPalettedFrame_SolidColor(t *testing.T) {
	orange := color.RGBA{R: 200, G: 100, B: 50, A: 0xff}
	src := image.NewRGBA(image.Rect(0, 0, 16, 16))
	for y := 0; y < 8; y++ {
		for x := 0; x < 16; x++ {
			src.SetRGBA(x, y, orange)
		}
	}
	// below the alpha threshold
	src.SetRGBA(0, 12, color.RGBA{R: 0x10, A: 0x10})

	dst := palettedFrame(src)
	r, g, b, a := dst.At(3, 3).RGBA()
	assert.Equal(t, uint32(0xffff), a)
	assert.InDelta(t, 200, r>>8, 1)
	assert.InDelta(t, 100, g>>8, 1)
	assert.InDelta(t, 50, b>>8, 1)

	assert.Equal(t, uint8(transparentIndex), dst.ColorIndexAt(0, 12))
	assert.Equal(t, uint8(transparentIndex), dst.ColorIndexAt(15, 15))
}

func TestPalettedFrame_Gradient(t *testing.T) {
	src := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			src.SetRGBA(x, y, color.RGBA{R: uint8(x * 4), G: uint8(y * 4), B: 0x80, A: 0xff})
		}
	}

	dst := palettedFrame(src)
	used := map[uint8]struct{}{}
	for _, idx := range dst.Pix {
		used[idx] = struct{}{}
	}
	assert.Greater(t, len(used), 100)
	assert.NotContains(t, used, uint8(transparentIndex))

	// nearest palette color stays close to the source
	r, g, _, _ := dst.At(40, 20).RGBA()
	assert.InDelta(t, 160, r>>8, 16)
	assert.InDelta(t, 80, g>>8, 16)
}

func TestDecodeAvatar_MaxDimension(t *testing.T) {
	data := testAvatarPNG(t, 32, red)

	img, err := DecodeAvatar(data, 32)
	require.NoError(t, err)
	assert.Equal(t, image.Rect(0, 0, 32, 32), img.Bounds())

	_, err = DecodeAvatar(data, 0)
	require.NoError(t, err)

	_, err = DecodeAvatar(data, 16)
	var formatErr *FormatError
	require.ErrorAs(t, err, &formatErr)
	assert.Equal(t, "avatar", formatErr.Source)
	assert.ErrorIs(t, err, errAvatarTooLarge)

	_, err = DecodeAvatar([]byte("not an image"), 16)
	require.ErrorAs(t, err, &formatErr)
	assert.NotErrorIs(t, err, errAvatarTooLarge)
}

func TestCompose_AvatarTooLarge(t *testing.T) {
	fp := filepath.Join(t.TempDir(), "patpat.gif")
	writeTestTemplate(t, fp, 60, 60, []int{5, 5})

	config := DefaultPatPatConfig()
	config.MaxAvatarDimension = 16
	_, err := NewComposer(config).Compose(testAvatarPNG(t, 48, red), fp)
	assert.ErrorIs(t, err, errAvatarTooLarge)
}
