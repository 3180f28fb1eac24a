// Package assist defines the one-shot generation backends behind the email
// and image panels.
//
// A [Provider] makes exactly one model call per method invocation. Input
// validation, rate limiting and retries are the caller's concern; the
// package supplies the shared pieces for that: prompts, input validators,
// the reply parser and error sentinels that tell a retryable failure from a
// permanent one.
//
// Implementors must be safe for concurrent use.
package assist

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"slices"
	"strings"
)

// Input and reply errors. Errors marked permanent are not worth retrying.
var (
	// ErrInvalidInput reports an empty or otherwise unusable request. Permanent.
	ErrInvalidInput = errors.New("invalid input")

	// ErrUnsupportedImage reports an image MIME type outside
	// [SupportedImageTypes]. Permanent.
	ErrUnsupportedImage = errors.New("Invalid image format. Please use JPEG, PNG, or WebP.")

	// ErrImageTooLarge reports an image above the size limit. Permanent.
	ErrImageTooLarge = errors.New("Image file is too large. Maximum size is 10MB.")

	// ErrInvalidResponse reports a reply that contains no JSON object at all.
	// Permanent.
	ErrInvalidResponse = errors.New("Invalid response format")

	// ErrMalformedResponse reports a reply whose JSON object does not parse.
	// Retryable.
	ErrMalformedResponse = errors.New("Malformed JSON in response")

	// ErrIncompleteResponse reports a reply that lacks a required field.
	// Retryable.
	ErrIncompleteResponse = errors.New("Missing required fields in response")
)

// MaxImageBytes is the largest accepted image.
const MaxImageBytes = 10 << 20

// SupportedImageTypes lists the accepted image MIME types.
var SupportedImageTypes = []string{"image/jpeg", "image/png", "image/webp"}

// EmailSystemPrompt instructs the model to classify an email as JSON.
const EmailSystemPrompt = `You are an intelligent email analysis assistant. Analyze the provided email and respond with:

1. Category: Choose from Urgent, Important, Social, Personal, or Spam
2. Priority: High, Medium, or Low
3. Action Items: Extract specific tasks or follow-ups needed (list format)
4. Draft Response: If category is Urgent, draft a professional response
5. Sentiment: Positive, Neutral, or Negative
6. Confidence: Your confidence level (0-100)

Format your response as JSON with these exact keys: category, priority, actionItems (array), draftResponse, sentiment, confidence.`

// ImageEditSystemPrompt instructs the model to edit the attached image.
const ImageEditSystemPrompt = `You are an expert image editor. Apply the requested modifications to the image with high fidelity. Focus on:
- Preserving important details
- Maintaining visual quality
- Following the prompt accurately
- Creating natural-looking results`

// Defaults applied to optional fields of an email report.
const (
	DefaultSentiment  = "Neutral"
	DefaultConfidence = 85
)

// EmailReport is the structured analysis of one email.
type EmailReport struct {
	Category      string   `json:"category"`
	Priority      string   `json:"priority"`
	ActionItems   []string `json:"actionItems"`
	DraftResponse string   `json:"draftResponse"`
	Sentiment     string   `json:"sentiment"`
	Confidence    int      `json:"confidence"`
}

// ImageEditRequest asks for image to be modified according to Instruction.
type ImageEditRequest struct {
	Image       []byte
	MIMEType    string
	Instruction string
}

// ImageResult is the outcome of an image edit. When the model returns no
// image, Data holds the original image and Edited is false.
type ImageResult struct {
	Data     []byte
	MIMEType string
	// Text is any commentary the model returned alongside the image.
	Text   string
	Edited bool
}

// Provider generates panel content.
type Provider interface {
	// AnalyzeText classifies an email. text is the raw email body.
	AnalyzeText(ctx context.Context, text string) (*EmailReport, error)

	// EditImage applies req.Instruction to req.Image.
	EditImage(ctx context.Context, req ImageEditRequest) (*ImageResult, error)
}

// QuickAction is a preset image instruction.
type QuickAction struct {
	ID     string `json:"id"`
	Label  string `json:"label"`
	Prompt string `json:"prompt"`
}

// QuickActions returns the preset image instructions in display order.
func QuickActions() []QuickAction {
	return []QuickAction{
		{ID: "cyberpunk", Label: "Cyberpunk", Prompt: "Transform this image into a cyberpunk neon style with vibrant pink and blue lighting"},
		{ID: "sketch", Label: "Sketch", Prompt: "Convert this image into a detailed pencil sketch drawing"},
		{ID: "watercolor", Label: "Watercolor", Prompt: "Transform this into a soft watercolor painting"},
		{ID: "vintage", Label: "Vintage", Prompt: "Apply a vintage film photography effect with warm tones"},
		{ID: "remove-bg", Label: "Remove Background", Prompt: "Remove the background from this image, keeping only the main subject"},
		{ID: "enhance", Label: "Enhance", Prompt: "Enhance the image quality, increase sharpness and vibrance"},
	}
}

// ValidateEmail rejects blank email text.
func ValidateEmail(text string) error {
	if strings.TrimSpace(text) == "" {
		return fmt.Errorf("%w: Email text cannot be empty", ErrInvalidInput)
	}
	return nil
}

// ValidateImage checks the request against the type list and maxBytes. A
// non-positive maxBytes selects [MaxImageBytes].
func ValidateImage(req ImageEditRequest, maxBytes int) error {
	if maxBytes <= 0 {
		maxBytes = MaxImageBytes
	}
	if !slices.Contains(SupportedImageTypes, strings.ToLower(req.MIMEType)) {
		return ErrUnsupportedImage
	}
	if len(req.Image) == 0 {
		return fmt.Errorf("%w: image is empty", ErrInvalidInput)
	}
	if len(req.Image) > maxBytes {
		return ErrImageTooLarge
	}
	if strings.TrimSpace(req.Instruction) == "" {
		return fmt.Errorf("%w: instruction cannot be empty", ErrInvalidInput)
	}
	return nil
}

// ParseEmailReport extracts the JSON object embedded in a model reply and
// turns it into a report. The object spans from the first '{' to the last
// '}' so that surrounding prose and code fences are ignored.
func ParseEmailReport(reply string) (*EmailReport, error) {
	start := strings.IndexByte(reply, '{')
	end := strings.LastIndexByte(reply, '}')
	if start < 0 || end < start {
		return nil, ErrInvalidResponse
	}

	var raw map[string]any
	if err := json.Unmarshal([]byte(reply[start:end+1]), &raw); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrMalformedResponse, err)
	}

	category, _ := raw["category"].(string)
	priority, _ := raw["priority"].(string)
	items, isList := raw["actionItems"].([]any)
	if category == "" || priority == "" || !isList {
		return nil, ErrIncompleteResponse
	}

	r := &EmailReport{
		Category:    category,
		Priority:    priority,
		ActionItems: make([]string, 0, len(items)),
		Sentiment:   DefaultSentiment,
		Confidence:  DefaultConfidence,
	}
	for _, it := range items {
		if s, ok := it.(string); ok {
			r.ActionItems = append(r.ActionItems, s)
		} else if it != nil {
			r.ActionItems = append(r.ActionItems, fmt.Sprint(it))
		}
	}
	if s, ok := raw["draftResponse"].(string); ok {
		r.DraftResponse = s
	}
	if s, ok := raw["sentiment"].(string); ok && s != "" {
		r.Sentiment = s
	}
	if c, ok := raw["confidence"].(float64); ok && c != 0 {
		r.Confidence = int(math.Round(c))
	}
	return r, nil
}

// Permanent reports whether err is not worth retrying.
func Permanent(err error) bool {
	return errors.Is(err, ErrInvalidInput) ||
		errors.Is(err, ErrUnsupportedImage) ||
		errors.Is(err, ErrImageTooLarge) ||
		errors.Is(err, ErrInvalidResponse)
}
