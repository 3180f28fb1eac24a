// Package gemini implements [assist.Provider] on the Gemini generateContent
// API using google.golang.org/genai.
package gemini

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/MrWong99/omnisuite/pkg/provider"
	"github.com/MrWong99/omnisuite/pkg/provider/assist"
)

// Defaults used when no option overrides them.
const (
	DefaultTextModel  = "gemini-2.0-flash-exp"
	DefaultImageModel = "gemini-2.0-flash-exp"
)

// Compile-time interface assertion.
var _ assist.Provider = (*Provider)(nil)

// Option is a functional option for [New].
type Option func(*Provider)

// WithTextModel overrides the model used for email analysis.
func WithTextModel(model string) Option {
	return func(p *Provider) { p.textModel = model }
}

// WithImageModel overrides the model used for image edits.
func WithImageModel(model string) Option {
	return func(p *Provider) { p.imageModel = model }
}

// WithBaseURL points the client at a different endpoint.
func WithBaseURL(url string) Option {
	return func(p *Provider) { p.baseURL = url }
}

// WithHTTPClient sets the HTTP client used for API calls.
func WithHTTPClient(c *http.Client) Option {
	return func(p *Provider) { p.httpClient = c }
}

// Provider talks to Gemini. A Provider built without a credential is valid
// but every call fails with [provider.ErrConfigurationMissing].
type Provider struct {
	client     *genai.Client
	textModel  string
	imageModel string
	baseURL    string
	httpClient *http.Client
}

// New creates a Provider. An empty apiKey yields a Provider whose calls fail
// with [provider.ErrConfigurationMissing] without touching the network, so
// the rest of the application keeps working.
func New(ctx context.Context, apiKey string, opts ...Option) (*Provider, error) {
	p := &Provider{
		textModel:  DefaultTextModel,
		imageModel: DefaultImageModel,
	}
	for _, o := range opts {
		o(p)
	}
	if apiKey == "" {
		return p, nil
	}

	cfg := &genai.ClientConfig{
		APIKey:     apiKey,
		Backend:    genai.BackendGeminiAPI,
		HTTPClient: p.httpClient,
	}
	if p.baseURL != "" {
		cfg.HTTPOptions = genai.HTTPOptions{BaseURL: p.baseURL}
	}
	client, err := genai.NewClient(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("gemini: create client: %w", err)
	}
	p.client = client
	return p, nil
}

// Configured reports whether the Provider holds a credential.
func (p *Provider) Configured() bool { return p.client != nil }

// AnalyzeText implements [assist.Provider].
func (p *Provider) AnalyzeText(ctx context.Context, text string) (*assist.EmailReport, error) {
	if p.client == nil {
		return nil, provider.ErrConfigurationMissing
	}
	if err := assist.ValidateEmail(text); err != nil {
		return nil, err
	}

	contents := []*genai.Content{
		genai.NewContentFromText(assist.EmailSystemPrompt+"\n\nEmail to analyze:\n\n"+text, genai.RoleUser),
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.textModel, contents, nil)
	if err != nil {
		return nil, classify(err)
	}
	return assist.ParseEmailReport(resp.Text())
}

// EditImage implements [assist.Provider]. The model is asked for both text
// and image output; when it returns no image the original is handed back
// with Edited set to false.
func (p *Provider) EditImage(ctx context.Context, req assist.ImageEditRequest) (*assist.ImageResult, error) {
	if p.client == nil {
		return nil, provider.ErrConfigurationMissing
	}
	if err := assist.ValidateImage(req, 0); err != nil {
		return nil, err
	}

	parts := []*genai.Part{
		genai.NewPartFromText(assist.ImageEditSystemPrompt),
		genai.NewPartFromText(req.Instruction),
		genai.NewPartFromBytes(req.Image, req.MIMEType),
	}
	cfg := &genai.GenerateContentConfig{
		ResponseModalities: []string{"TEXT", "IMAGE"},
	}
	resp, err := p.client.Models.GenerateContent(ctx, p.imageModel,
		[]*genai.Content{genai.NewContentFromParts(parts, genai.RoleUser)}, cfg)
	if err != nil {
		return nil, classify(err)
	}

	result := &assist.ImageResult{Data: req.Image, MIMEType: req.MIMEType}
	var text strings.Builder
	for _, c := range resp.Candidates {
		if c == nil || c.Content == nil {
			continue
		}
		for _, part := range c.Content.Parts {
			switch {
			case part == nil:
			case part.InlineData != nil && len(part.InlineData.Data) > 0 && !result.Edited:
				result.Data = part.InlineData.Data
				result.MIMEType = part.InlineData.MIMEType
				result.Edited = true
			case part.Text != "":
				text.WriteString(part.Text)
			}
		}
	}
	result.Text = text.String()
	return result, nil
}

// classify wraps credential rejections in [provider.ErrAuthentication].
func classify(err error) error {
	var apiErr genai.APIError
	var apiErrPtr *genai.APIError
	switch {
	case errors.As(err, &apiErr):
	case errors.As(err, &apiErrPtr) && apiErrPtr != nil:
		apiErr = *apiErrPtr
	default:
		return fmt.Errorf("gemini: %w", err)
	}
	if apiErr.Code == http.StatusUnauthorized || apiErr.Code == http.StatusForbidden ||
		strings.Contains(apiErr.Message, "API key") {
		return fmt.Errorf("gemini: %w: %s", provider.ErrAuthentication, apiErr.Message)
	}
	return fmt.Errorf("gemini: %w", err)
}
