package ai

import (
	"bytes"
	"context"
	"fmt"
	"hash/fnv"
	"image"
	"image/color"
	"image/png"
	"io"
	"strings"
)

// StubRunner answers locally without network access. Calls for the image
// model return a small PNG tinted from the prompt; any other model returns a
// caption derived from its input.
type StubRunner struct {
	imageModel string
}

// NewStubRunner builds a stub that treats imageModel as the image generator.
func NewStubRunner(imageModel string) *StubRunner {
	imageModel = strings.TrimSpace(imageModel)
	if imageModel == "" {
		imageModel = DefaultImageModel
	}
	return &StubRunner{imageModel: imageModel}
}

// Run implements Runner.
func (s *StubRunner) Run(ctx context.Context, model string, params Params, _ Gateway) (*Response, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if model == s.imageModel {
		data, err := stubImage(params.Prompt)
		if err != nil {
			return nil, err
		}
		return StreamResponse(io.NopCloser(bytes.NewReader(data)), "image/png"), nil
	}
	if len(params.Image) > 0 {
		return TextResponse(fmt.Sprintf("An image of %d bytes.", len(params.Image))), nil
	}
	return TextResponse(strings.TrimSpace(params.Prompt)), nil
}

func stubImage(prompt string) ([]byte, error) {
	h := fnv.New32a()
	_, _ = h.Write([]byte(prompt))
	sum := h.Sum32()
	fill := color.RGBA{R: uint8(sum), G: uint8(sum >> 8), B: uint8(sum >> 16), A: 0xff}

	img := image.NewRGBA(image.Rect(0, 0, 16, 9))
	for y := 0; y < 9; y++ {
		for x := 0; x < 16; x++ {
			img.Set(x, y, fill)
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		return nil, fmt.Errorf("encode stub image: %w", err)
	}
	return buf.Bytes(), nil
}
