package oracle

import (
	"context"
	"fmt"
	"strings"

	"capforge/internal/config"
	"capforge/internal/logging"

	"google.golang.org/genai"
)

// GeminiSynthesizer asks the Gemini API for capability source.
type GeminiSynthesizer struct {
	client *genai.Client
	model  string
}

// NewGeminiSynthesizer creates a Gemini-backed synthesizer.
func NewGeminiSynthesizer(ctx context.Context, cfg config.OracleConfig) (*GeminiSynthesizer, error) {
	if cfg.APIKey == "" {
		return nil, fmt.Errorf("oracle API key is required (set GEMINI_API_KEY)")
	}
	model := cfg.Model
	if model == "" {
		model = "gemini-2.0-flash"
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey: cfg.APIKey,
	})
	if err != nil {
		return nil, fmt.Errorf("create oracle client: %w", err)
	}
	return &GeminiSynthesizer{client: client, model: model}, nil
}

// Synthesize generates candidate source for the requirement.
func (g *GeminiSynthesizer) Synthesize(ctx context.Context, req Requirement) (string, error) {
	timer := logging.StartTimer(logging.CategoryOracle, "Synthesize")
	defer timer.Stop()

	prompt := buildPrompt(req)
	logging.OracleDebug("Synthesis prompt for %s (%d bytes)", req.Name, len(prompt))

	contents := []*genai.Content{
		genai.NewContentFromText(prompt, genai.RoleUser),
	}
	resp, err := g.client.Models.GenerateContent(ctx, g.model, contents, nil)
	if err != nil {
		return "", fmt.Errorf("oracle request failed: %w", err)
	}

	text := resp.Text()
	source := ExtractCodeBlock(text)
	if strings.TrimSpace(source) == "" {
		return "", ErrEmptyResponse
	}

	logging.Oracle("Synthesized %d bytes for %s", len(source), req.Name)
	return source, nil
}

func buildPrompt(req Requirement) string {
	var b strings.Builder
	b.WriteString("Write a single self-contained Go file implementing a capability.\n\n")
	fmt.Fprintf(&b, "Capability name: %s\n", req.Name)
	fmt.Fprintf(&b, "Purpose: %s\n", req.Description)
	fmt.Fprintf(&b, "User request it must satisfy: %q\n\n", req.Request)

	b.WriteString("Hard requirements:\n")
	b.WriteString("- package main\n")
	b.WriteString("- exactly one exported entrypoint: func Run(input string) (string, error)\n")
	fmt.Fprintf(&b, "- imports restricted to: %s\n", strings.Join(req.Imports, ", "))
	b.WriteString("- no subprocesses, no network, no filesystem writes outside the working directory\n")
	b.WriteString("- return errors instead of panicking\n")

	if req.Feedback != "" {
		b.WriteString("\nA previous attempt failed. Fix this problem:\n")
		b.WriteString(req.Feedback)
		b.WriteString("\n")
	}

	b.WriteString("\nRespond with only the Go source in a single ```go code block.\n")
	return b.String()
}

// ExtractCodeBlock pulls the first fenced code block out of a model
// response, tolerating a missing language tag and missing fences.
func ExtractCodeBlock(text string) string {
	start := strings.Index(text, "```")
	if start < 0 {
		// No fences at all; assume the whole response is code if it
		// looks like a Go file.
		if strings.Contains(text, "package main") {
			return strings.TrimSpace(text)
		}
		return ""
	}

	rest := text[start+3:]
	if nl := strings.IndexByte(rest, '\n'); nl >= 0 {
		// Drop the language tag line ("go", "golang" or empty).
		tag := strings.TrimSpace(rest[:nl])
		if tag == "" || tag == "go" || tag == "golang" {
			rest = rest[nl+1:]
		}
	}

	end := strings.Index(rest, "```")
	if end < 0 {
		return strings.TrimSpace(rest)
	}
	return strings.TrimSpace(rest[:end])
}
