package capture

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png" // register PNG for development rooms

	"golang.org/x/image/draw"
	"golang.org/x/image/vp8"
)

// Codec names understood by JPEGEncoder.
const (
	CodecVP8  = "video/VP8"
	CodecJPEG = "image/jpeg"
	CodecPNG  = "image/png"
)

var (
	// ErrEmptyFrame is returned for frames without pixels or payload.
	ErrEmptyFrame = errors.New("empty frame")
	// ErrNotKeyFrame is returned for VP8 interframes, which cannot be decoded standalone.
	ErrNotKeyFrame = errors.New("vp8 interframe")
	// ErrUnsupportedCodec is returned for payloads the encoder cannot decode.
	ErrUnsupportedCodec = errors.New("unsupported codec")
)

// RawFrame is a video frame as delivered by the room transport: either a
// decoded image or a codec payload.
type RawFrame struct {
	Image   image.Image
	Codec   string
	Payload []byte
}

// ResizeStrategy controls how frames are fitted into the bounding box.
type ResizeStrategy int

const (
	// ScaleAspectFit shrinks the frame to fit the box, preserving aspect ratio.
	ScaleAspectFit ResizeStrategy = iota
	// ScaleNone keeps the original dimensions.
	ScaleNone
)

// EncodeOptions bounds the encoded image.
type EncodeOptions struct {
	MaxWidth  int
	MaxHeight int
	Strategy  ResizeStrategy
}

// DefaultEncodeOptions fits frames within 1024x1024.
func DefaultEncodeOptions() EncodeOptions {
	return EncodeOptions{MaxWidth: 1024, MaxHeight: 1024, Strategy: ScaleAspectFit}
}

// Encoder turns a raw frame into a compact image.
type Encoder interface {
	Encode(frame RawFrame, opts EncodeOptions) ([]byte, error)
	MIMEType() string
}

// JPEGEncoder decodes, scales and JPEG-encodes frames.
type JPEGEncoder struct {
	Quality int
}

// NewJPEGEncoder returns an encoder with the given quality (1-100).
func NewJPEGEncoder(quality int) *JPEGEncoder {
	if quality < 1 || quality > 100 {
		quality = jpeg.DefaultQuality
	}
	return &JPEGEncoder{Quality: quality}
}

// MIMEType implements Encoder.
func (e *JPEGEncoder) MIMEType() string { return CodecJPEG }

// Encode implements Encoder.
func (e *JPEGEncoder) Encode(frame RawFrame, opts EncodeOptions) ([]byte, error) {
	img, err := decodeFrame(frame)
	if err != nil {
		return nil, err
	}
	img = fit(img, opts)

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: e.Quality}); err != nil {
		return nil, fmt.Errorf("jpeg encode: %w", err)
	}
	return buf.Bytes(), nil
}

func decodeFrame(frame RawFrame) (image.Image, error) {
	if frame.Image != nil {
		if frame.Image.Bounds().Empty() {
			return nil, ErrEmptyFrame
		}
		return frame.Image, nil
	}
	if len(frame.Payload) == 0 {
		return nil, ErrEmptyFrame
	}

	switch frame.Codec {
	case CodecVP8:
		return decodeVP8(frame.Payload)
	case CodecJPEG, CodecPNG:
		img, _, err := image.Decode(bytes.NewReader(frame.Payload))
		if err != nil {
			return nil, fmt.Errorf("decode %s: %w", frame.Codec, err)
		}
		return img, nil
	default:
		return nil, fmt.Errorf("%w: %q", ErrUnsupportedCodec, frame.Codec)
	}
}

// Decodable reports whether frame can be decoded without earlier frames.
// Only VP8 interframes cannot; empty payloads are left to Encode to reject.
func Decodable(frame RawFrame) bool {
	if frame.Image != nil || frame.Codec != CodecVP8 || len(frame.Payload) == 0 {
		return true
	}
	return isVP8KeyFrame(frame.Payload)
}

// isVP8KeyFrame reads the frame type bit of the VP8 frame tag (0 = key frame).
func isVP8KeyFrame(payload []byte) bool {
	return payload[0]&0x01 == 0
}

func decodeVP8(payload []byte) (image.Image, error) {
	d := vp8.NewDecoder()
	d.Init(bytes.NewReader(payload), len(payload))
	fh, err := d.DecodeFrameHeader()
	if err != nil {
		return nil, fmt.Errorf("vp8 frame header: %w", err)
	}
	if !fh.KeyFrame {
		return nil, ErrNotKeyFrame
	}
	img, err := d.DecodeFrame()
	if err != nil {
		return nil, fmt.Errorf("vp8 decode: %w", err)
	}
	return img, nil
}

// fit shrinks img into the bounding box. Frames already inside the box are
// returned unchanged.
func fit(img image.Image, opts EncodeOptions) image.Image {
	if opts.Strategy == ScaleNone || opts.MaxWidth <= 0 || opts.MaxHeight <= 0 {
		return img
	}
	b := img.Bounds()
	w, h := b.Dx(), b.Dy()
	if w <= opts.MaxWidth && h <= opts.MaxHeight {
		return img
	}

	nw, nh := fitDimensions(w, h, opts.MaxWidth, opts.MaxHeight)
	dst := image.NewRGBA(image.Rect(0, 0, nw, nh))
	draw.ApproxBiLinear.Scale(dst, dst.Bounds(), img, b, draw.Src, nil)
	return dst
}

func fitDimensions(w, h, maxW, maxH int) (int, int) {
	// Compare w/maxW against h/maxH without floating point.
	if w*maxH >= h*maxW {
		nh := h * maxW / w
		if nh < 1 {
			nh = 1
		}
		return maxW, nh
	}
	nw := w * maxH / h
	if nw < 1 {
		nw = 1
	}
	return nw, maxH
}
