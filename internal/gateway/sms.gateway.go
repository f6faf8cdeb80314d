package gateway

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/quizwire/trivia-gateway/internal/model"
	"github.com/quizwire/trivia-gateway/pkg/logger"
	"github.com/valyala/fasthttp"
)

type Config struct {
	URL             string
	APIKey          string
	ReplyWebhookURL string
	Timeout         time.Duration
	MaxConns        int
}

// SendResponse is the gateway's acknowledgment for one send attempt.
// Success false is a rejected send, not a transport error.
type SendResponse struct {
	Success bool
	TextID  string
	Error   string
}

type sendResult struct {
	Success bool   `json:"success"`
	TextID  textID `json:"textId"`
	Error   string `json:"error"`
}

// textID tolerates both the numeric and the string form the gateway
// has been observed to return.
type textID string

func (t *textID) UnmarshalJSON(b []byte) error {
	if len(b) > 0 && b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*t = textID(s)
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*t = textID(n.String())
	return nil
}

// Client sends SMS through a Textbelt-style HTTP gateway. Replies come
// back out-of-band on the webhook the gateway was given at send time.
type Client struct {
	config *Config
	client *fasthttp.Client
}

func NewClient(config *Config) (*Client, error) {
	if config == nil {
		return nil, errors.New("config is required")
	}
	if config.URL == "" {
		return nil, errors.New("gateway url is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = 10 * time.Second
	}
	maxConns := config.MaxConns
	if maxConns <= 0 {
		maxConns = 100
	}

	return &Client{
		config: config,
		client: &fasthttp.Client{
			MaxConnsPerHost:     maxConns,
			ReadTimeout:         config.Timeout,
			WriteTimeout:        config.Timeout,
			MaxIdleConnDuration: 60 * time.Second,
		},
	}, nil
}

// Send posts one message. When meta is non-nil the gateway is asked to
// deliver replies to our webhook with the metadata echoed verbatim;
// follow-up messages pass nil since they expect no reply.
func (c *Client) Send(ctx context.Context, phone, body string, meta *model.ReplyMeta) (*SendResponse, error) {
	args := fasthttp.AcquireArgs()
	defer fasthttp.ReleaseArgs(args)

	args.Set("phone", phone)
	args.Set("message", body)
	args.Set("key", c.config.APIKey)
	if meta != nil {
		data, err := json.Marshal(meta)
		if err != nil {
			return nil, fmt.Errorf("failed to marshal reply metadata: %w", err)
		}
		args.Set("replyWebhookUrl", c.config.ReplyWebhookURL)
		args.Set("webhookData", string(data))
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.config.URL + "/text")
	req.Header.SetMethod(fasthttp.MethodPost)
	req.Header.SetContentType("application/x-www-form-urlencoded")
	req.SetBody(args.QueryString())

	deadline, ok := ctx.Deadline()
	if !ok {
		deadline = time.Now().Add(c.config.Timeout)
	}

	if err := c.client.DoDeadline(req, resp, deadline); err != nil {
		return nil, fmt.Errorf("gateway request failed: %w", err)
	}

	statusCode := resp.StatusCode()
	if statusCode != fasthttp.StatusOK {
		return nil, fmt.Errorf("unexpected gateway status code: %d, body: %s", statusCode, resp.Body())
	}

	var result sendResult
	if err := json.Unmarshal(resp.Body(), &result); err != nil {
		return nil, fmt.Errorf("failed to unmarshal gateway response: %w", err)
	}

	out := &SendResponse{
		Success: result.Success,
		TextID:  string(result.TextID),
		Error:   result.Error,
	}
	if out.TextID == "" {
		logger.Debug("gateway returned no message id", "phone", phone, "success", out.Success)
	}
	return out, nil
}
