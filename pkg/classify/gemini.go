// Package classify implements the email classification capability on the
// Gemini generateContent REST API.
package classify

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"github.com/oneboxhq/onebox/pkg/email"
)

const (
	defaultEndpoint = "https://generativelanguage.googleapis.com/v1beta/models"
	defaultModel    = "gemini-pro"

	systemInstruction = "You are an expert email classifier. Your task is to analyze the provided email text and categorize it into one of the following labels: Interested, Meeting Booked, Not Interested, Spam, or Out of Office."
)

// GeminiClassifier assigns a category to an email by asking Gemini for a JSON
// object constrained to the known label set.
type GeminiClassifier struct {
	apiKey   string
	model    string
	endpoint string
	client   *http.Client
	log      zerolog.Logger
}

// GeminiOption customizes a GeminiClassifier.
type GeminiOption func(*GeminiClassifier)

// WithModel overrides the default model name.
func WithModel(model string) GeminiOption {
	return func(g *GeminiClassifier) { g.model = model }
}

// WithEndpoint overrides the API base URL, mainly for tests.
func WithEndpoint(endpoint string) GeminiOption {
	return func(g *GeminiClassifier) { g.endpoint = endpoint }
}

// WithHTTPClient overrides the HTTP client.
func WithHTTPClient(c *http.Client) GeminiOption {
	return func(g *GeminiClassifier) { g.client = c }
}

// NewGemini creates a classifier backed by the Gemini API.
func NewGemini(apiKey string, log zerolog.Logger, opts ...GeminiOption) *GeminiClassifier {
	g := &GeminiClassifier{
		apiKey:   apiKey,
		model:    defaultModel,
		endpoint: defaultEndpoint,
		client:   &http.Client{Timeout: 30 * time.Second},
		log:      log.With().Str("component", "classifier").Logger(),
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

type generateRequest struct {
	Contents         []content        `json:"contents"`
	GenerationConfig generationConfig `json:"generationConfig"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

type generationConfig struct {
	Temperature      float64        `json:"temperature"`
	TopP             float64        `json:"topP"`
	TopK             int            `json:"topK"`
	ResponseMimeType string         `json:"responseMimeType"`
	ResponseSchema   responseSchema `json:"responseSchema"`
}

type responseSchema struct {
	Type       string                    `json:"type"`
	Properties map[string]schemaProperty `json:"properties"`
}

type schemaProperty struct {
	Type string   `json:"type"`
	Enum []string `json:"enum,omitempty"`
}

type generateResponse struct {
	Candidates []struct {
		Content struct {
			Parts []struct {
				Text string `json:"text"`
			} `json:"parts"`
		} `json:"content"`
	} `json:"candidates"`
}

// Classify sends the email's subject, sender, and text body to Gemini and
// returns the label it picked. Any transport or decoding failure is returned
// as an error; the caller decides how to degrade.
func (g *GeminiClassifier) Classify(ctx context.Context, em *email.Email) (email.Category, error) {
	prompt := fmt.Sprintf("\nSubject: %s\nFrom: %s\nBody:\n%s\n", em.Subject, em.From, em.BodyText)

	reqBody := generateRequest{
		Contents: []content{{
			Parts: []part{
				{Text: systemInstruction},
				{Text: prompt},
			},
		}},
		GenerationConfig: generationConfig{
			Temperature:      0.2,
			TopP:             0.8,
			TopK:             40,
			ResponseMimeType: "application/json",
			ResponseSchema: responseSchema{
				Type: "OBJECT",
				Properties: map[string]schemaProperty{
					"category": {
						Type: "STRING",
						Enum: []string{
							string(email.CategoryInterested),
							string(email.CategoryMeetingBooked),
							string(email.CategoryNotInterested),
							string(email.CategorySpam),
							string(email.CategoryOutOfOffice),
						},
					},
				},
			},
		},
	}

	payload, err := json.Marshal(reqBody)
	if err != nil {
		return "", fmt.Errorf("encoding classification request: %w", err)
	}

	reqURL := fmt.Sprintf("%s/%s:generateContent?key=%s", g.endpoint, g.model, url.QueryEscape(g.apiKey))
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, reqURL, bytes.NewReader(payload))
	if err != nil {
		return "", fmt.Errorf("building classification request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return "", fmt.Errorf("calling classification API: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("reading classification response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		g.log.Error().
			Int("status", resp.StatusCode).
			Str("model", g.model).
			Msg("Classification API returned an error")
		return "", fmt.Errorf("classification API status %d", resp.StatusCode)
	}

	var decoded generateResponse
	if err := json.Unmarshal(body, &decoded); err != nil {
		return "", fmt.Errorf("decoding classification response: %w", err)
	}
	if len(decoded.Candidates) == 0 || len(decoded.Candidates[0].Content.Parts) == 0 {
		return "", fmt.Errorf("classification response contained no candidates")
	}

	// The model answers with a JSON object per the response schema.
	var labeled struct {
		Category string `json:"category"`
	}
	if err := json.Unmarshal([]byte(decoded.Candidates[0].Content.Parts[0].Text), &labeled); err != nil {
		return "", fmt.Errorf("parsing category from model output: %w", err)
	}
	if !email.ValidCategory(labeled.Category) {
		return "", fmt.Errorf("model returned unknown category %q", labeled.Category)
	}
	return email.Category(labeled.Category), nil
}
