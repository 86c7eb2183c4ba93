package onebot

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/xaenox/onebot-agent/internal/metrics"
	"github.com/xaenox/onebot-agent/internal/models"
	"go.uber.org/zap"
)

// Client sends messages through the gateway's HTTP API.
type Client struct {
	baseURL     string
	accessToken string
	http        *http.Client
	logger      *zap.Logger
}

func NewClient(baseURL, accessToken string, timeout time.Duration, logger *zap.Logger) *Client {
	return &Client{
		baseURL:     strings.TrimRight(baseURL, "/"),
		accessToken: accessToken,
		http:        &http.Client{Timeout: timeout},
		logger:      logger,
	}
}

type apiResponse struct {
	Status  string          `json:"status"`
	RetCode int             `json:"retcode"`
	Data    json.RawMessage `json:"data"`
	Message string          `json:"message"`
	Wording string          `json:"wording"`
}

// Send delivers text to the conversation identified by scope. In group
// scope a non-nil mention is rendered as an at segment before the text.
func (c *Client) Send(ctx context.Context, scope models.Scope, text string, mention *int64) error {
	var err error
	if scope.IsGroup() {
		var atList []int64
		if mention != nil {
			atList = append(atList, *mention)
		}
		err = c.SendGroupMessage(ctx, scope.GroupID, text, atList...)
	} else {
		err = c.SendPrivateMessage(ctx, scope.UserID, text)
	}

	status := "ok"
	if err != nil {
		status = "error"
	}
	metrics.RecordOutbound(string(scope.Kind), status)
	return err
}

// SendGroupMessage posts to /send_group_msg with one at segment per entry
// of atList followed by the text.
func (c *Client) SendGroupMessage(ctx context.Context, groupID int64, text string, atList ...int64) error {
	segments := make([]Segment, 0, len(atList)+1)
	for _, id := range atList {
		segments = append(segments, AtSegment(id))
	}
	if len(atList) > 0 {
		text = " " + text
	}
	segments = append(segments, TextSegment(text))

	return c.call(ctx, "/send_group_msg", map[string]any{
		"group_id": groupID,
		"message":  segments,
	})
}

// SendPrivateMessage posts to /send_private_msg.
func (c *Client) SendPrivateMessage(ctx context.Context, userID int64, text string) error {
	return c.call(ctx, "/send_private_msg", map[string]any{
		"user_id": userID,
		"message": []Segment{TextSegment(text)},
	})
}

func (c *Client) call(ctx context.Context, action string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("encode %s: %w", action, err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+action, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("build %s request: %w", action, err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.accessToken != "" {
		req.Header.Set("Authorization", "Bearer "+c.accessToken)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("%s: %w", action, err)
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return fmt.Errorf("%s: read response: %w", action, err)
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return fmt.Errorf("%s: unexpected status %d: %s", action, resp.StatusCode, strings.TrimSpace(string(raw)))
	}

	var out apiResponse
	if err := json.Unmarshal(raw, &out); err != nil {
		return fmt.Errorf("%s: decode response: %w", action, err)
	}
	if out.Status != "ok" {
		reason := out.Wording
		if reason == "" {
			reason = out.Message
		}
		return fmt.Errorf("%s: status %q retcode %d: %s", action, out.Status, out.RetCode, reason)
	}

	c.logger.Debug("OneBot action succeeded", zap.String("action", action))
	return nil
}
