package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/cloudwego/eino/components/model"
	"github.com/cloudwego/eino/schema"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"medchat/internal/config"
)

func chatServer(t *testing.T, handler func(w http.ResponseWriter, msg string)) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost {
			t.Errorf("unexpected method %s", r.Method)
		}
		var req chatRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Errorf("decode request: %v", err)
		}
		handler(w, req.Message)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestHTTPGatewayReply(t *testing.T) {
	srv := chatServer(t, func(w http.ResponseWriter, msg string) {
		w.Header().Set("Content-Type", "application/json")
		json.NewEncoder(w).Encode(map[string]string{"reply": "echo: " + msg})
	})

	reply, err := NewHTTPGateway(srv.URL, time.Second).Send(context.Background(), "hi")
	require.NoError(t, err)
	assert.Equal(t, "echo: hi", reply.Text)
}

func TestHTTPGatewayEmptyReplyIsSuccess(t *testing.T) {
	cases := map[string]string{
		"missing": `{}`,
		"null":    `{"reply": null}`,
		"empty":   `{"reply": ""}`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			srv := chatServer(t, func(w http.ResponseWriter, _ string) {
				w.Write([]byte(body))
			})
			reply, err := NewHTTPGateway(srv.URL, time.Second).Send(context.Background(), "hi")
			require.NoError(t, err)
			assert.Empty(t, reply.Text)
		})
	}
}

func TestHTTPGatewayFailures(t *testing.T) {
	t.Run("status", func(t *testing.T) {
		srv := chatServer(t, func(w http.ResponseWriter, _ string) {
			http.Error(w, "boom", http.StatusInternalServerError)
		})
		_, err := NewHTTPGateway(srv.URL, time.Second).Send(context.Background(), "hi")
		assert.ErrorIs(t, err, ErrConnectionFailure)
	})
	t.Run("body", func(t *testing.T) {
		srv := chatServer(t, func(w http.ResponseWriter, _ string) {
			w.Write([]byte("<html>"))
		})
		_, err := NewHTTPGateway(srv.URL, time.Second).Send(context.Background(), "hi")
		assert.ErrorIs(t, err, ErrConnectionFailure)
	})
	t.Run("unreachable", func(t *testing.T) {
		srv := httptest.NewServer(http.NotFoundHandler())
		url := srv.URL
		srv.Close()
		_, err := NewHTTPGateway(url, time.Second).Send(context.Background(), "hi")
		assert.ErrorIs(t, err, ErrConnectionFailure)
	})
	t.Run("timeout", func(t *testing.T) {
		srv := stalledServer(t)
		start := time.Now()
		_, err := NewHTTPGateway(srv.URL, 50*time.Millisecond).Send(context.Background(), "hi")
		assert.ErrorIs(t, err, ErrConnectionFailure)
		assert.Less(t, time.Since(start), 2*time.Second)
	})
	t.Run("cancelled", func(t *testing.T) {
		srv := stalledServer(t)
		ctx, cancel := context.WithCancel(context.Background())
		time.AfterFunc(50*time.Millisecond, cancel)
		_, err := NewHTTPGateway(srv.URL, 0).Send(ctx, "hi")
		assert.ErrorIs(t, err, ErrConnectionFailure)
		assert.ErrorIs(t, err, context.Canceled)
	})
}

// stalledServer accepts requests and never answers until the client gives up.
func stalledServer(t *testing.T) *httptest.Server {
	t.Helper()
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	t.Cleanup(func() {
		close(release)
		srv.Close()
	})
	return srv
}

type fakeChatModel struct {
	chunks []string
	err    error
	got    []*schema.Message
}

func (f *fakeChatModel) Generate(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.Message, error) {
	return nil, errors.New("not used")
}

func (f *fakeChatModel) Stream(ctx context.Context, input []*schema.Message, _ ...model.Option) (*schema.StreamReader[*schema.Message], error) {
	f.got = input
	if f.err != nil {
		return nil, f.err
	}
	msgs := make([]*schema.Message, 0, len(f.chunks))
	for _, c := range f.chunks {
		msgs = append(msgs, schema.AssistantMessage(c, nil))
	}
	return schema.StreamReaderFromArray(msgs), nil
}

func TestProviderGatewayConcatenatesStream(t *testing.T) {
	fake := &fakeChatModel{chunks: []string{"Drink ", "water ", "and rest."}}
	g := newProviderGateway(fake, "be brief", time.Second)

	reply, err := g.Send(context.Background(), "I have a headache")
	require.NoError(t, err)
	assert.Equal(t, "Drink water and rest.", reply.Text)
	require.Len(t, fake.got, 2)
	assert.Equal(t, schema.System, fake.got[0].Role)
	assert.Equal(t, "I have a headache", fake.got[1].Content)
}

func TestProviderGatewayError(t *testing.T) {
	g := newProviderGateway(&fakeChatModel{err: errors.New("quota")}, "x", 0)
	_, err := g.Send(context.Background(), "hi")
	assert.ErrorIs(t, err, ErrConnectionFailure)
}

func TestNewRejectsUnknownMode(t *testing.T) {
	cfg := &config.Config{Gateway: config.GatewayConfig{Mode: "carrier-pigeon"}}
	_, err := New(context.Background(), cfg)
	assert.Error(t, err)
}
