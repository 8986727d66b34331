// Package llm annotates written artifacts with a short model-generated
// description.
package llm

import (
	"context"
	"fmt"
	"strings"
)

// Provider defines the interface for LLM providers
type Provider interface {
	// Name returns the provider name
	Name() string

	// Describe generates a short description of one artifact
	Describe(ctx context.Context, req DescribeRequest) (*DescribeResponse, error)

	// IsAvailable checks if the provider is properly configured and accessible
	IsAvailable(ctx context.Context) bool
}

// DescribeRequest contains the input for one annotation
type DescribeRequest struct {
	// URL is the captured URL, the only URL the model may cite
	URL string

	// ContentType is the declared HTTP content type
	ContentType string

	// Excerpt is the leading part of the payload
	Excerpt string

	// Model overrides the configured model
	Model string

	// MaxTokens limits the response length
	MaxTokens int
}

// DescribeResponse contains the model output
type DescribeResponse struct {
	// Description is the generated text
	Description string

	// CitedURLs are the URLs the model mentioned
	CitedURLs []string

	// Model is the model that generated the response
	Model string

	// TokensUsed tracks token consumption
	TokensUsed int
}

// BuildPrompt constructs the annotation prompt for one artifact
func BuildPrompt(req DescribeRequest) string {
	var b strings.Builder
	fmt.Fprintf(&b, `You are describing a document retrieved from a web crawl archive.

RULES:
1. Describe what the document is and what it contains in 2-3 sentences.
2. The only URL you may mention is %s. Do not cite anything else.
3. If the excerpt is too short or garbled to tell, say so.

Document:
- URL: %s
- Content-Type: %s

Excerpt:
`, req.URL, req.URL, orUnknown(req.ContentType))
	b.WriteString(req.Excerpt)
	return b.String()
}

func orUnknown(s string) string {
	if s == "" {
		return "(unknown)"
	}
	return s
}
