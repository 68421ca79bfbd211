package gemini

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"
)

// Client communicates with the Gemini REST API for text generation and
// embeddings.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
}

// New creates a Client targeting the given API base URL.
func New(baseURL, apiKey string) *Client {
	return &Client{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 60 * time.Second,
		},
	}
}

// generateRequest is the JSON body for POST models/{model}:generateContent.
type generateRequest struct {
	Contents []content `json:"contents"`
}

type content struct {
	Parts []part `json:"parts"`
}

type part struct {
	Text string `json:"text"`
}

// generateResponse is the JSON returned by generateContent.
type generateResponse struct {
	Candidates []struct {
		Content content `json:"content"`
	} `json:"candidates"`
}

// GenerateText sends a prompt to the given model and returns the completion
// text. The response is untyped free text and may be empty; callers own any
// non-empty guarantees.
func (c *Client) GenerateText(ctx context.Context, model, prompt string) (string, error) {
	body, err := json.Marshal(generateRequest{
		Contents: []content{{Parts: []part{{Text: prompt}}}},
	})
	if err != nil {
		return "", err
	}

	url := fmt.Sprintf("%s/models/%s:generateContent", c.baseURL, model)
	raw, err := c.post(ctx, url, body)
	if err != nil {
		return "", fmt.Errorf("generate request: %w", err)
	}

	var result generateResponse
	if err := json.Unmarshal(raw, &result); err != nil {
		return "", fmt.Errorf("decoding generate response: %w", err)
	}

	var sb strings.Builder
	for _, cand := range result.Candidates {
		for _, p := range cand.Content.Parts {
			sb.WriteString(p.Text)
		}
		break // first candidate only
	}
	return strings.TrimSpace(sb.String()), nil
}

// embedRequest is the JSON body for POST models/{model}:embedContent.
type embedRequest struct {
	Model                string  `json:"model"`
	Content              content `json:"content"`
	TaskType             string  `json:"taskType,omitempty"`
	OutputDimensionality int     `json:"outputDimensionality,omitempty"`
}

// Embed returns the embedding vector for the given text at the requested
// dimensionality.
func (c *Client) Embed(ctx context.Context, model, text string, dim int) ([]float32, error) {
	body, err := json.Marshal(embedRequest{
		Model:                "models/" + model,
		Content:              content{Parts: []part{{Text: text}}},
		TaskType:             "RETRIEVAL_DOCUMENT",
		OutputDimensionality: dim,
	})
	if err != nil {
		return nil, err
	}

	url := fmt.Sprintf("%s/models/%s:embedContent", c.baseURL, model)
	raw, err := c.post(ctx, url, body)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}

	vec, err := normalizeEmbedding(raw)
	if err != nil {
		return nil, fmt.Errorf("embed response: %w", err)
	}
	return vec, nil
}

func (c *Client) post(ctx context.Context, url string, body []byte) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("creating request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("x-goog-api-key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	var buf bytes.Buffer
	if _, err := buf.ReadFrom(resp.Body); err != nil {
		return nil, fmt.Errorf("reading response: %w", err)
	}
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("unexpected status %d: %s", resp.StatusCode, truncate(buf.String(), 200))
	}
	return buf.Bytes(), nil
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}

// normalizeEmbedding is the single normalization boundary for embedding
// responses. The API has shipped three shapes over time and all are
// accepted:
//
//	[0.1, 0.2, ...]
//	{"embedding": {"values": [...]}} or {"embedding": [...]}
//	{"embeddings": [{"values": [...]}, ...]}
//
// The rest of the pipeline only ever sees a plain []float32.
func normalizeEmbedding(raw []byte) ([]float32, error) {
	// Shape 1: bare vector.
	var direct []float32
	if err := json.Unmarshal(raw, &direct); err == nil {
		if len(direct) == 0 {
			return nil, fmt.Errorf("empty embedding vector")
		}
		return direct, nil
	}

	var wrapper struct {
		Embedding  json.RawMessage   `json:"embedding"`
		Embeddings []json.RawMessage `json:"embeddings"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("unrecognized response shape: %w", err)
	}

	// Shape 2: single-embedding wrapper.
	if len(wrapper.Embedding) > 0 {
		return decodeValuesOrVector(wrapper.Embedding)
	}

	// Shape 3: list-of-embeddings wrapper; the first entry is the answer.
	if len(wrapper.Embeddings) > 0 {
		return decodeValuesOrVector(wrapper.Embeddings[0])
	}

	return nil, fmt.Errorf("no embedding in response")
}

// decodeValuesOrVector accepts either {"values": [...]} or a bare vector.
func decodeValuesOrVector(raw json.RawMessage) ([]float32, error) {
	var obj struct {
		Values []float32 `json:"values"`
	}
	if err := json.Unmarshal(raw, &obj); err == nil && len(obj.Values) > 0 {
		return obj.Values, nil
	}

	var vec []float32
	if err := json.Unmarshal(raw, &vec); err == nil && len(vec) > 0 {
		return vec, nil
	}

	return nil, fmt.Errorf("embedding entry has no values")
}
