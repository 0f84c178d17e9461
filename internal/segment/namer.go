package segment

import (
	"context"
	"fmt"
	"sort"
	"strings"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/takeru403/Ipoca-network/internal/logger"
)

// Namer assigns display names to clusters, keyed by cluster id.
type Namer interface {
	Name(ctx context.Context, clusters []Cluster) (map[int]string, error)
}

// StaticNamer names clusters "Cluster 1", "Cluster 2", ...
type StaticNamer struct{}

// Name implements Namer.
func (StaticNamer) Name(_ context.Context, clusters []Cluster) (map[int]string, error) {
	names := make(map[int]string, len(clusters))
	for _, c := range clusters {
		names[c.ID] = staticName(c.ID)
	}
	return names, nil
}

func staticName(id int) string {
	return fmt.Sprintf("Cluster %d", id+1)
}

const namingSystemPrompt = "You are a marketing analyst naming customer segments of a shopping mall."

// OpenAINamer asks a chat completion model for a short segment name per
// cluster, based on the cluster's feature means.
type OpenAINamer struct {
	client  *openai.Client
	model   string
	timeout time.Duration
}

// OpenAINamerConfig configures an OpenAINamer.
type OpenAINamerConfig struct {
	APIKey  string
	BaseURL string // empty uses the OpenAI endpoint
	Model   string
	Timeout time.Duration
}

// NewOpenAINamer creates a namer backed by the chat completions API.
func NewOpenAINamer(cfg OpenAINamerConfig) *OpenAINamer {
	clientConfig := openai.DefaultConfig(cfg.APIKey)
	if cfg.BaseURL != "" {
		clientConfig.BaseURL = cfg.BaseURL
	}
	model := cfg.Model
	if model == "" {
		model = openai.GPT4oMini
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &OpenAINamer{
		client:  openai.NewClientWithConfig(clientConfig),
		model:   model,
		timeout: timeout,
	}
}

// Name implements Namer. It stops at the first failed request.
func (n *OpenAINamer) Name(ctx context.Context, clusters []Cluster) (map[int]string, error) {
	names := make(map[int]string, len(clusters))
	for _, c := range clusters {
		name, err := n.nameOne(ctx, c)
		if err != nil {
			return names, fmt.Errorf("cluster %d: %w", c.ID, err)
		}
		names[c.ID] = name
	}
	return names, nil
}

func (n *OpenAINamer) nameOne(ctx context.Context, c Cluster) (string, error) {
	ctx, cancel := context.WithTimeout(ctx, n.timeout)
	defer cancel()

	req := openai.ChatCompletionRequest{
		Model:       n.model,
		MaxTokens:   40,
		Temperature: 0.7,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: namingSystemPrompt},
			{Role: openai.ChatMessageRoleUser, Content: describe(c)},
		},
	}

	start := time.Now()
	resp, err := n.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return "", fmt.Errorf("chat completion failed: %w", err)
	}
	if len(resp.Choices) == 0 {
		return "", fmt.Errorf("empty response from model")
	}

	name := strings.Trim(strings.TrimSpace(resp.Choices[0].Message.Content), `"「」`)
	logger.Debug("Named cluster %d %q in %s", c.ID, name, time.Since(start).Round(time.Millisecond))
	return name, nil
}

func describe(c Cluster) string {
	keys := make([]string, 0, len(c.Means))
	for k := range c.Means {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	var b strings.Builder
	fmt.Fprintf(&b, "Give one short, shareable name for a segment of %d customers with these average features:\n", c.Size)
	for _, k := range keys {
		fmt.Fprintf(&b, "- %s: %.2f\n", k, c.Means[k])
	}
	b.WriteString("Weekday is 0 for Monday through 6 for Sunday. Reply with the name only.")
	return b.String()
}
