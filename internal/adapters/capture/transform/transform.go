// Package transform holds the mediadevices reader transforms installed on
// captured tracks: audio enhancement and the mute / video-off gates.
package transform

import (
	"image"
	"sync"
	"sync/atomic"

	"github.com/dkeye/PeerCall/internal/dsp"
	"github.com/pion/mediadevices/pkg/io/audio"
	"github.com/pion/mediadevices/pkg/io/video"
	"github.com/pion/mediadevices/pkg/wave"
)

// Enhance runs p over every audio chunk. A panic inside p disables the
// stage for the rest of the stream and is reported once through onFail;
// chunks keep flowing unprocessed.
func Enhance(p dsp.Processor, onFail func(any)) audio.TransformFunc {
	return func(r audio.Reader) audio.Reader {
		var (
			buf    []float32
			failed bool
		)
		return audio.ReaderFunc(func() (chunk wave.Audio, release func(), err error) {
			chunk, release, err = r.Read()
			if err != nil || failed {
				return chunk, release, err
			}
			defer func() {
				if v := recover(); v != nil {
					failed = true
					if onFail != nil {
						onFail(v)
					}
				}
			}()
			switch a := chunk.(type) {
			case *wave.Int16Interleaved:
				buf = dsp.ProcessInt16(p, a.Data, a.Size.Channels, buf)
			case *wave.Float32Interleaved:
				p.Process(a.Data, a.Size.Channels)
			}
			return chunk, release, err
		})
	}
}

// Mute replaces samples with silence while enabled reports false.
func Mute(enabled *atomic.Bool) audio.TransformFunc {
	return func(r audio.Reader) audio.Reader {
		return audio.ReaderFunc(func() (wave.Audio, func(), error) {
			chunk, release, err := r.Read()
			if err != nil || enabled.Load() {
				return chunk, release, err
			}
			switch a := chunk.(type) {
			case *wave.Int16Interleaved:
				clear(a.Data)
			case *wave.Float32Interleaved:
				clear(a.Data)
			}
			return chunk, release, err
		})
	}
}

// Blank replaces frames with black frames of the same size while enabled
// reports false.
func Blank(enabled *atomic.Bool) video.TransformFunc {
	return func(r video.Reader) video.Reader {
		var black blackFrames
		return video.ReaderFunc(func() (image.Image, func(), error) {
			img, release, err := r.Read()
			if err != nil || enabled.Load() {
				return img, release, err
			}
			return black.frame(img.Bounds()), release, nil
		})
	}
}

type blackFrames struct {
	mu  sync.Mutex
	img *image.YCbCr
}

func (b *blackFrames) frame(r image.Rectangle) image.Image {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.img != nil && b.img.Rect == r {
		return b.img
	}
	img := image.NewYCbCr(r, image.YCbCrSubsampleRatio420)
	for i := range img.Cb {
		img.Cb[i] = 128
	}
	for i := range img.Cr {
		img.Cr[i] = 128
	}
	b.img = img
	return img
}
