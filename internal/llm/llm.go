package llm

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/joescharf/reviewd/internal/models"
)

// maxDiffBytes caps the diff sent for review; larger diffs are truncated.
const maxDiffBytes = 60000

// Client wraps the Anthropic API for reviews and finding analysis.
type Client struct {
	api       *anthropic.Client
	model     anthropic.Model
	deepModel anthropic.Model
}

// NewClient creates an LLM client. deepModel falls back to model when empty.
func NewClient(apiKey, model, deepModel string) *Client {
	opts := []option.RequestOption{}
	if apiKey != "" {
		opts = append(opts, option.WithAPIKey(apiKey))
	}
	client := anthropic.NewClient(opts...)
	if deepModel == "" {
		deepModel = model
	}
	return &Client{
		api:       &client,
		model:     anthropic.Model(model),
		deepModel: anthropic.Model(deepModel),
	}
}

// ReviewInput describes the change to review.
type ReviewInput struct {
	Repo   string
	Title  string
	Author string
	Diff   string
}

// Review is the model's verdict on a change.
type Review struct {
	Summary string   `json:"summary"`
	Risk    string   `json:"risk"`
	Issues  []string `json:"issues"`
	Body    string   `json:"body"`
}

func buildReviewPrompt(in ReviewInput) (system string, user string) {
	system = `You are a senior engineer reviewing a pull request. Return ONLY a JSON object with these fields:
- "summary": one sentence describing what the change does
- "risk": one of "low", "medium", "high"
- "issues": array of concrete problems found (bugs, security issues, missing error handling); empty array if none
- "body": the review comment in markdown, addressed to the author

Rules:
- Only report issues you can point to in the diff
- Do not restate the diff
- Return valid JSON only, no markdown fencing or explanation`

	diff := in.Diff
	truncated := false
	if len(diff) > maxDiffBytes {
		diff = diff[:maxDiffBytes]
		truncated = true
	}

	var sb strings.Builder
	fmt.Fprintf(&sb, "Repository: %s\n", in.Repo)
	if in.Title != "" {
		fmt.Fprintf(&sb, "Title: %s\n", in.Title)
	}
	if in.Author != "" {
		fmt.Fprintf(&sb, "Author: %s\n", in.Author)
	}
	sb.WriteString("\nDiff:\n")
	sb.WriteString(diff)
	if truncated {
		sb.WriteString("\n[diff truncated]\n")
	}
	user = sb.String()
	return
}

// ReviewChange asks the model to review a diff.
func (c *Client) ReviewChange(ctx context.Context, in ReviewInput) (*Review, error) {
	system, user := buildReviewPrompt(in)
	text, err := c.complete(ctx, c.model, 4096, system, user)
	if err != nil {
		return nil, err
	}
	var r Review
	if err := decodeJSON(text, &r); err != nil {
		return nil, err
	}
	return &r, nil
}

func buildTriagePrompt(f *models.Finding) (system string, user string) {
	system = `You triage dependency vulnerability alerts. Return ONLY a JSON object with these fields:
- "decision": "dismiss" if the alert is very likely not exploitable in this repository, otherwise "needs_review"
- "confidence": one of "low", "medium", "high"
- "reasoning": 1-3 sentences explaining the decision, suitable as a dismissal comment
- "needs_deeper_analysis": true if reading the repository's code would change the decision

Rules:
- Development-only and test-only dependencies are usually safe to dismiss
- Never dismiss critical severity alerts with low confidence
- Return valid JSON only, no markdown fencing or explanation`

	user = describeFinding(f)
	return
}

func describeFinding(f *models.Finding) string {
	var sb strings.Builder
	fmt.Fprintf(&sb, "Repository: %s\n", f.Repo)
	fmt.Fprintf(&sb, "Package: %s", f.Package)
	if f.Ecosystem != "" {
		fmt.Fprintf(&sb, " (%s)", f.Ecosystem)
	}
	sb.WriteString("\n")
	fmt.Fprintf(&sb, "Severity: %s\n", f.Severity)
	if f.AdvisoryID != "" {
		fmt.Fprintf(&sb, "Advisory: %s\n", f.AdvisoryID)
	}
	if f.ManifestPath != "" {
		fmt.Fprintf(&sb, "Manifest: %s\n", f.ManifestPath)
	}
	if f.Summary != "" {
		fmt.Fprintf(&sb, "Summary: %s\n", f.Summary)
	}
	return sb.String()
}

// Triage runs the fast first-tier analysis of a finding.
func (c *Client) Triage(ctx context.Context, f *models.Finding, model string) (*models.TriageVerdict, error) {
	system, user := buildTriagePrompt(f)
	m := c.model
	if model != "" {
		m = anthropic.Model(model)
	}
	text, err := c.complete(ctx, m, 1024, system, user)
	if err != nil {
		return nil, err
	}
	var v models.TriageVerdict
	if err := decodeJSON(text, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func buildDeepPrompt(f *models.Finding, triage *models.TriageVerdict, repoContext string) (system string, user string) {
	system = `You assess whether a dependency vulnerability is exploitable in a specific repository. Return ONLY a JSON object with these fields:
- "exploitable": true or false
- "confidence": one of "low", "medium", "high"
- "summary": 2-5 sentences explaining the assessment
- "evidence": array of short references to the code or configuration supporting it

Rules:
- Base the assessment on the provided repository context
- Return valid JSON only, no markdown fencing or explanation`

	var sb strings.Builder
	sb.WriteString(describeFinding(f))
	if triage != nil {
		fmt.Fprintf(&sb, "\nTriage: %s (%s confidence): %s\n", triage.Decision, triage.Confidence, triage.Reasoning)
	}
	if repoContext != "" {
		sb.WriteString("\nRepository context:\n")
		sb.WriteString(repoContext)
	}
	user = sb.String()
	return
}

// DeepAnalyze runs the second-tier analysis using the deep model.
func (c *Client) DeepAnalyze(ctx context.Context, f *models.Finding, triage *models.TriageVerdict, repoContext string) (*models.DeepVerdict, error) {
	system, user := buildDeepPrompt(f, triage, repoContext)
	text, err := c.complete(ctx, c.deepModel, 4096, system, user)
	if err != nil {
		return nil, err
	}
	var v models.DeepVerdict
	if err := decodeJSON(text, &v); err != nil {
		return nil, err
	}
	return &v, nil
}

func (c *Client) complete(ctx context.Context, model anthropic.Model, maxTokens int64, system, user string) (string, error) {
	msg, err := c.api.Messages.New(ctx, anthropic.MessageNewParams{
		Model:     model,
		MaxTokens: maxTokens,
		System: []anthropic.TextBlockParam{
			{Text: system},
		},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(user)),
		},
	})
	if err != nil {
		return "", fmt.Errorf("anthropic API call: %w", err)
	}

	for _, block := range msg.Content {
		if block.Type == "text" && block.Text != "" {
			return block.Text, nil
		}
	}
	return "", fmt.Errorf("no text content in API response")
}

// decodeJSON unmarshals a model response, stripping markdown fencing if present.
func decodeJSON(text string, v any) error {
	text = strings.TrimSpace(text)
	if strings.HasPrefix(text, "```") {
		lines := strings.SplitN(text, "\n", 2)
		if len(lines) > 1 {
			text = lines[1]
		}
		if idx := strings.LastIndex(text, "```"); idx >= 0 {
			text = text[:idx]
		}
		text = strings.TrimSpace(text)
	}
	if err := json.Unmarshal([]byte(text), v); err != nil {
		return fmt.Errorf("parse LLM response as JSON: %w\nraw response: %s", err, text)
	}
	return nil
}
