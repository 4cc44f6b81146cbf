package enhance

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"

	"github.com/quantvalue/qvf/internal/domain"
	"github.com/quantvalue/qvf/internal/logger"
)

const (
	// DefaultModel is the model used when none is configured.
	DefaultModel = "claude-sonnet-4-5-20250929"
	// DefaultMaxTokens bounds a single completion.
	DefaultMaxTokens = 2048
	// DefaultCallTimeout bounds a single model call.
	DefaultCallTimeout = 45 * time.Second

	// maxItemsPerCall keeps one prompt to a digestible batch.
	maxItemsPerCall = 20
	// maxDescriptionChars truncates long item descriptions in the prompt.
	maxDescriptionChars = 500
)

// DefaultEstimateFields are the criteria the model is asked to estimate when
// an item is missing them.
var DefaultEstimateFields = []string{
	"business_value",
	"time_criticality",
	"risk_reduction",
	"strategic_fit",
}

const systemPrompt = `You estimate prioritization criteria for portfolio work items.
For every item you receive, estimate each requested criterion on a 0-10 scale
using the item title and description. Respond with a JSON array only, one
element per item: {"item_id": "...", "fields": {"<criterion>": <number>}}.
Estimate only the criteria listed as missing for that item. No prose.`

// Config tunes the model-backed enhancer.
type Config struct {
	APIKey    string
	Model     string
	MaxTokens int64
	Timeout   time.Duration
}

func (c *Config) setDefaults() {
	if c.Model == "" {
		c.Model = DefaultModel
	}
	if c.MaxTokens <= 0 {
		c.MaxTokens = DefaultMaxTokens
	}
	if c.Timeout <= 0 {
		c.Timeout = DefaultCallTimeout
	}
}

// AnthropicEnhancer asks a Claude model to estimate missing criteria fields.
type AnthropicEnhancer struct {
	client     anthropic.Client
	cfg        Config
	fields     []string
	recordCall func()
	logger     logger.Logger
}

// Option customizes the enhancer.
type Option func(*AnthropicEnhancer)

// WithEstimateFields overrides which criteria the model estimates.
func WithEstimateFields(fields []string) Option {
	return func(e *AnthropicEnhancer) { e.fields = fields }
}

// WithCallRecorder registers a hook invoked once per outbound model call.
// Wired to the resource monitor's call window.
func WithCallRecorder(fn func()) Option {
	return func(e *AnthropicEnhancer) { e.recordCall = fn }
}

// NewAnthropicEnhancer creates the model-backed enhancer.
func NewAnthropicEnhancer(cfg Config, log logger.Logger, opts ...Option) *AnthropicEnhancer {
	cfg.setDefaults()
	e := &AnthropicEnhancer{
		client: anthropic.NewClient(option.WithAPIKey(cfg.APIKey)),
		cfg:    cfg,
		fields: DefaultEstimateFields,
		logger: log,
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Enhance estimates missing criteria for each item. Items already carrying
// every requested field pass through untouched and cost no model tokens.
func (e *AnthropicEnhancer) Enhance(ctx context.Context, items []domain.Item) ([]domain.Item, error) {
	out := make([]domain.Item, len(items))
	copy(out, items)

	pending := make([]int, 0, len(items))
	for i, item := range out {
		if len(missingFields(item, e.fields)) > 0 {
			pending = append(pending, i)
		}
	}
	if len(pending) == 0 {
		return out, nil
	}

	byID := make(map[string]int, len(pending))
	for _, idx := range pending {
		byID[out[idx].ID] = idx
	}

	for start := 0; start < len(pending); start += maxItemsPerCall {
		end := min(start+maxItemsPerCall, len(pending))
		batch := make([]domain.Item, 0, end-start)
		for _, idx := range pending[start:end] {
			batch = append(batch, out[idx])
		}

		estimates, err := e.estimateBatch(ctx, batch)
		if err != nil {
			return nil, fmt.Errorf("estimate batch: %w", err)
		}
		for _, est := range estimates {
			idx, ok := byID[est.ItemID]
			if !ok {
				e.logger.Warn("model returned unknown item id", logger.String("item_id", est.ItemID))
				continue
			}
			out[idx] = mergeFields(out[idx], est.Fields)
		}
	}

	e.logger.Debug("items enhanced",
		logger.Int("total", len(items)),
		logger.Int("estimated", len(pending)),
	)
	return out, nil
}

type estimate struct {
	ItemID string             `json:"item_id"`
	Fields map[string]float64 `json:"fields"`
}

type promptItem struct {
	ItemID      string   `json:"item_id"`
	Title       string   `json:"title"`
	Description string   `json:"description,omitempty"`
	Missing     []string `json:"missing_criteria"`
}

func (e *AnthropicEnhancer) estimateBatch(ctx context.Context, batch []domain.Item) ([]estimate, error) {
	prompt, err := e.buildPrompt(batch)
	if err != nil {
		return nil, err
	}

	callCtx, cancel := context.WithTimeout(ctx, e.cfg.Timeout)
	defer cancel()

	if e.recordCall != nil {
		e.recordCall()
	}
	message, err := e.client.Messages.New(callCtx, anthropic.MessageNewParams{
		Model:     anthropic.Model(e.cfg.Model),
		MaxTokens: e.cfg.MaxTokens,
		System:    []anthropic.TextBlockParam{{Text: systemPrompt}},
		Messages: []anthropic.MessageParam{
			anthropic.NewUserMessage(anthropic.NewTextBlock(prompt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("model call: %w", err)
	}

	var text strings.Builder
	for _, block := range message.Content {
		switch block := block.AsAny().(type) {
		case anthropic.TextBlock:
			text.WriteString(block.Text)
		}
	}
	return parseEstimates(text.String())
}

func (e *AnthropicEnhancer) buildPrompt(batch []domain.Item) (string, error) {
	entries := make([]promptItem, 0, len(batch))
	for _, item := range batch {
		desc := item.Description
		if len(desc) > maxDescriptionChars {
			desc = desc[:maxDescriptionChars]
		}
		entries = append(entries, promptItem{
			ItemID:      item.ID,
			Title:       item.Title,
			Description: desc,
			Missing:     missingFields(item, e.fields),
		})
	}
	payload, err := json.Marshal(entries)
	if err != nil {
		return "", fmt.Errorf("marshal prompt items: %w", err)
	}
	return string(payload), nil
}

// parseEstimates tolerates prose around the JSON array by slicing from the
// first '[' to the last ']'.
func parseEstimates(text string) ([]estimate, error) {
	start := strings.Index(text, "[")
	end := strings.LastIndex(text, "]")
	if start < 0 || end < start {
		return nil, fmt.Errorf("no JSON array in model response")
	}
	var estimates []estimate
	if err := json.Unmarshal([]byte(text[start:end+1]), &estimates); err != nil {
		return nil, fmt.Errorf("parse model response: %w", err)
	}
	return estimates, nil
}

func missingFields(item domain.Item, wanted []string) []string {
	var missing []string
	for _, field := range wanted {
		if _, ok := item.Fields[field]; !ok {
			missing = append(missing, field)
		}
	}
	return missing
}

// mergeFields copies the item and fills only fields it does not already have.
// Stored values always win over model estimates.
func mergeFields(item domain.Item, estimated map[string]float64) domain.Item {
	fields := make(map[string]any, len(item.Fields)+len(estimated))
	for k, v := range item.Fields {
		fields[k] = v
	}
	for k, v := range estimated {
		if _, ok := fields[k]; !ok {
			fields[k] = v
		}
	}
	item.Fields = fields
	return item
}
