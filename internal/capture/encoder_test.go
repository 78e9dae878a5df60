package capture

import (
	"bytes"
	"errors"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"
)

func solid(w, h int) *image.RGBA {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: 40, G: 120, B: 200, A: 255})
		}
	}
	return img
}

func TestJPEGEncoderFitsWithinBox(t *testing.T) {
	t.Parallel()

	tests := []struct {
		w, h         int
		wantW, wantH int
	}{
		{2048, 1024, 1024, 512},
		{1000, 3000, 341, 1024},
		{800, 600, 800, 600},
	}
	enc := NewJPEGEncoder(80)
	for _, tt := range tests {
		data, err := enc.Encode(RawFrame{Image: solid(tt.w, tt.h)}, DefaultEncodeOptions())
		if err != nil {
			t.Fatalf("Encode %dx%d: %v", tt.w, tt.h, err)
		}
		cfg, err := jpeg.DecodeConfig(bytes.NewReader(data))
		if err != nil {
			t.Fatalf("decode config: %v", err)
		}
		if cfg.Width != tt.wantW || cfg.Height != tt.wantH {
			t.Errorf("%dx%d encoded as %dx%d, want %dx%d", tt.w, tt.h, cfg.Width, cfg.Height, tt.wantW, tt.wantH)
		}
	}
}

func TestJPEGEncoderDecodesPNGPayload(t *testing.T) {
	t.Parallel()

	var buf bytes.Buffer
	if err := png.Encode(&buf, solid(64, 32)); err != nil {
		t.Fatalf("png encode: %v", err)
	}
	data, err := NewJPEGEncoder(0).Encode(RawFrame{Codec: CodecPNG, Payload: buf.Bytes()}, DefaultEncodeOptions())
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}
	if len(data) == 0 {
		t.Fatal("expected jpeg bytes")
	}
}

func TestJPEGEncoderRejectsBadFrames(t *testing.T) {
	t.Parallel()

	enc := NewJPEGEncoder(80)
	if _, err := enc.Encode(RawFrame{}, DefaultEncodeOptions()); !errors.Is(err, ErrEmptyFrame) {
		t.Errorf("empty frame err = %v", err)
	}
	if _, err := enc.Encode(RawFrame{Codec: "video/H264", Payload: []byte{1}}, DefaultEncodeOptions()); !errors.Is(err, ErrUnsupportedCodec) {
		t.Errorf("h264 err = %v", err)
	}
	if _, err := enc.Encode(RawFrame{Codec: CodecVP8, Payload: []byte{0x01, 0x02, 0x03}}, DefaultEncodeOptions()); err == nil {
		t.Error("expected error for truncated vp8 payload")
	}
}

func TestFitDimensions(t *testing.T) {
	t.Parallel()

	if w, h := fitDimensions(4000, 1, 1024, 1024); w != 1024 || h != 1 {
		t.Errorf("got %dx%d", w, h)
	}
}

func TestDecodable(t *testing.T) {
	tests := []struct {
		name  string
		frame RawFrame
		want  bool
	}{
		{"vp8 key frame", RawFrame{Codec: CodecVP8, Payload: []byte{0x50, 0x42, 0x00}}, true},
		{"vp8 interframe", RawFrame{Codec: CodecVP8, Payload: []byte{0x31, 0x02, 0x00}}, false},
		{"vp8 empty payload", RawFrame{Codec: CodecVP8}, true},
		{"png payload", RawFrame{Codec: CodecPNG, Payload: []byte{0x89}}, true},
		{"decoded image", RawFrame{Codec: CodecVP8, Image: image.NewRGBA(image.Rect(0, 0, 2, 2))}, true},
	}
	for _, tt := range tests {
		if got := Decodable(tt.frame); got != tt.want {
			t.Errorf("%s: Decodable = %v, want %v", tt.name, got, tt.want)
		}
	}
}
