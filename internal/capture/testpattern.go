package capture

import (
	"image"
	"image/color"
	"sync"

	"mmapdisplay/internal/errors"
	"mmapdisplay/internal/types"
)

const bytesPerPixel = 4

// TestPattern is a pure-Go capturer that renders moving color bars. Each
// Grab advances the pattern by one column so consecutive frames differ.
type TestPattern struct {
	width  int
	height int
	stride int

	mu     sync.Mutex
	frame  int
	buf    []byte
	closed bool
}

// NewCapturer returns a test-pattern capturer of the given dimensions.
func NewCapturer(width, height int) (types.MediaCapturer, error) {
	if width <= 0 || height <= 0 {
		return nil, errors.Tracef("invalid dimensions %dx%d", width, height)
	}
	return &TestPattern{
		width:  width,
		height: height,
		stride: width * bytesPerPixel,
		buf:    make([]byte, width*bytesPerPixel*height),
	}, nil
}

func (c *TestPattern) Width() int  { return c.width }
func (c *TestPattern) Height() int { return c.height }

var bars = [...]color.RGBA{
	{255, 255, 255, 255},
	{255, 255, 0, 255},
	{0, 255, 255, 255},
	{0, 255, 0, 255},
	{255, 0, 255, 255},
	{255, 0, 0, 255},
	{0, 0, 255, 255},
	{0, 0, 0, 255},
}

// Grab renders the next frame. The returned Data is reused by the next
// call.
func (c *TestPattern) Grab() (*types.Frame, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, errors.TraceNew("capturer closed")
	}
	c.render()
	c.frame++
	return &types.Frame{
		Data:   c.buf,
		Width:  c.width,
		Height: c.height,
		Stride: c.stride,
	}, nil
}

func (c *TestPattern) render() {
	barWidth := max(1, c.width/len(bars))
	row := c.buf[:c.stride]
	for x := 0; x < c.width; x++ {
		bar := bars[((x+c.frame)/barWidth)%len(bars)]
		off := x * bytesPerPixel
		row[off] = bar.B
		row[off+1] = bar.G
		row[off+2] = bar.R
		row[off+3] = bar.A
	}
	for y := 1; y < c.height; y++ {
		copy(c.buf[y*c.stride:(y+1)*c.stride], row)
	}
	// Frame counter as a dark strip at the top.
	for x := 0; x < min(c.width, 32); x++ {
		if c.frame&(1<<(x/4)) != 0 {
			c.buf[x*bytesPerPixel+3] = 0
		}
	}
}

// GrabImage grabs a frame and returns it as a Go image (for debug endpoint).
func (c *TestPattern) GrabImage() (image.Image, error) {
	f, err := c.Grab()
	if err != nil {
		return nil, err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return BGRAToImage(f.Data, f.Width, f.Height, f.Stride), nil
}

func (c *TestPattern) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

// BGRAToImage converts BGRA pixel data to an RGBA image.
func BGRAToImage(bgra []byte, w, h, stride int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			off := y*stride + x*4
			img.SetRGBA(x, y, color.RGBA{bgra[off+2], bgra[off+1], bgra[off], 255})
		}
	}
	return img
}
