package ai

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"strings"
	"sync"

	"battledecks/internal/util"
)

const (
	// DefaultCaptionModel describes an uploaded slide image.
	DefaultCaptionModel = "@cf/llava-hf/llava-1.5-7b-hf"
	// DefaultImageModel renders a slide image from a prompt.
	DefaultImageModel = "@cf/bytedance/stable-diffusion-xl-lightning"
	// DefaultGateway is the AI gateway every call is routed through.
	DefaultGateway = "battledecks_ai_gateway"

	CaptionPrompt = "Take the provided image and explain what it is showing in under 50 words.\n" +
		"If you don't know, say so. Be concise and succinct.\n" +
		"No yapping or other comments."
	ImagePrefix = "Generate an image based on the provided prompt:"
)

// Runner invokes a model on the inference service.
type Runner interface {
	Run(ctx context.Context, model string, params Params, gateway Gateway) (*Response, error)
}

// Params is the model input. Optional sampling knobs are omitted when nil.
type Params struct {
	Prompt           string     `json:"prompt"`
	Image            ImageBytes `json:"image,omitempty"`
	Stream           bool       `json:"stream,omitempty"`
	Temperature      *float64   `json:"temperature,omitempty"`
	TopP             *float64   `json:"top_p,omitempty"`
	FrequencyPenalty *float64   `json:"frequency_penalty,omitempty"`
	PresencePenalty  *float64   `json:"presence_penalty,omitempty"`
}

// ImageBytes serializes as a JSON array of byte values rather than base64.
type ImageBytes []byte

func (b ImageBytes) MarshalJSON() ([]byte, error) {
	ints := make([]int, len(b))
	for i, v := range b {
		ints[i] = int(v)
	}
	return json.Marshal(ints)
}

func (b *ImageBytes) UnmarshalJSON(data []byte) error {
	var ints []int
	if err := json.Unmarshal(data, &ints); err != nil {
		return err
	}
	out := make([]byte, len(ints))
	for i, v := range ints {
		if v < 0 || v > 255 {
			return fmt.Errorf("image byte %d out of range: %d", i, v)
		}
		out[i] = byte(v)
	}
	*b = out
	return nil
}

// Gateway routes a call through a named AI gateway.
type Gateway struct {
	ID        string `json:"id"`
	SkipCache bool   `json:"skipCache"`
}

// DefaultGatewayOptions is what the workflow sends on every call.
func DefaultGatewayOptions(id string) Gateway {
	if strings.TrimSpace(id) == "" {
		id = DefaultGateway
	}
	return Gateway{ID: id, SkipCache: true}
}

// Response holds a model result: text, a buffered payload, or a streamed body.
// A streamed body can be consumed once; the result is kept for later calls.
type Response struct {
	ContentType string

	mu     sync.Mutex
	text   string
	data   []byte
	body   io.ReadCloser
	isText bool
}

// TextResponse wraps a buffered text result.
func TextResponse(text string) *Response {
	return &Response{ContentType: "text/plain", text: text, isText: true}
}

// BufferedResponse wraps an already buffered binary payload.
func BufferedResponse(data []byte, contentType string) *Response {
	return &Response{ContentType: contentType, data: data}
}

// StreamResponse wraps a body that has not been read yet.
func StreamResponse(body io.ReadCloser, contentType string) *Response {
	return &Response{ContentType: contentType, body: body}
}

// Streamed reports whether the payload still has to be read from the wire.
func (r *Response) Streamed() bool {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.body != nil
}

// Bytes returns the payload as one owned buffer, draining a streamed body.
func (r *Response) Bytes() ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.body != nil {
		if err := r.consumeLocked(); err != nil {
			return nil, err
		}
	}
	if r.isText {
		return []byte(r.text), nil
	}
	if r.data == nil {
		return []byte{}, nil
	}
	return r.data, nil
}

// Text returns the result as text. Server-sent event streams are joined
// from their "response" fragments.
func (r *Response) Text() (string, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.body != nil {
		if err := r.consumeLocked(); err != nil {
			return "", err
		}
	}
	if r.isText {
		return r.text, nil
	}
	return string(r.data), nil
}

// Close releases an unread streamed body.
func (r *Response) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.body == nil {
		return nil
	}
	err := r.body.Close()
	r.body = nil
	return err
}

func (r *Response) consumeLocked() error {
	body := r.body
	r.body = nil
	defer body.Close()
	if isEventStream(r.ContentType) {
		text, err := readEventStream(body)
		if err != nil {
			return err
		}
		r.text = text
		r.isText = true
		return nil
	}
	data, err := util.Drain(body, 0)
	if err != nil {
		return err
	}
	r.data = data
	return nil
}

func isEventStream(contentType string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(contentType)), "text/event-stream")
}

func readEventStream(r io.Reader) (string, error) {
	var sb strings.Builder
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := strings.TrimSpace(scanner.Text())
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "[DONE]" {
			break
		}
		if payload == "" {
			continue
		}
		var chunk struct {
			Response string `json:"response"`
		}
		if err := json.Unmarshal([]byte(payload), &chunk); err != nil {
			return "", fmt.Errorf("decode event stream chunk: %w", err)
		}
		sb.WriteString(chunk.Response)
	}
	if err := scanner.Err(); err != nil {
		return "", fmt.Errorf("read event stream: %w", err)
	}
	return sb.String(), nil
}
