package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"
)

const maxReplyBytes = 1 << 20

type chatRequest struct {
	Message string `json:"message"`
}

type chatResponse struct {
	Reply *string `json:"reply"`
}

// HTTPGateway posts {"message": text} to a chat endpoint and reads
// {"reply": text} back.
type HTTPGateway struct {
	endpoint string
	client   *http.Client
}

func NewHTTPGateway(endpoint string, timeout time.Duration) *HTTPGateway {
	return &HTTPGateway{
		endpoint: endpoint,
		client:   &http.Client{Timeout: timeout},
	}
}

func (g *HTTPGateway) Send(ctx context.Context, text string) (Reply, error) {
	body, err := json.Marshal(chatRequest{Message: text})
	if err != nil {
		return Reply{}, fmt.Errorf("encode chat request: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.endpoint, bytes.NewReader(body))
	if err != nil {
		return Reply{}, connectionFailure(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Accept", "application/json")

	resp, err := g.client.Do(req)
	if err != nil {
		return Reply{}, connectionFailure(err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		io.Copy(io.Discard, io.LimitReader(resp.Body, maxReplyBytes))
		return Reply{}, connectionFailure(fmt.Errorf("status %d", resp.StatusCode))
	}

	var decoded chatResponse
	if err := json.NewDecoder(io.LimitReader(resp.Body, maxReplyBytes)).Decode(&decoded); err != nil {
		return Reply{}, connectionFailure(fmt.Errorf("decode reply: %w", err))
	}
	if decoded.Reply == nil {
		return Reply{}, nil
	}
	return Reply{Text: *decoded.Reply}, nil
}
