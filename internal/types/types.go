package types

import "image"

// Frame is a captured screen frame in BGRA, Stride bytes per row.
type Frame struct {
	Data   []byte
	Width  int
	Height int
	Stride int
}

type MediaCapturer interface {
	Width() int
	Height() int
	Grab() (*Frame, error)
	Close()
}

// DebugGrabber is optionally implemented by a MediaCapturer to provide
// a debug image for the /debug/frame endpoint.
type DebugGrabber interface {
	GrabImage() (image.Image, error)
}
