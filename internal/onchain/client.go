// Package onchain 是链上交易后端的 HTTP 客户端。交易的构建、签名校验与广播
// 都在后端完成，这里只负责请求与错误归类。
package onchain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"time"

	xerrors "github.com/MartianFinance/core/internal/errors"
)

const CodeUpstreamServiceError xerrors.Code = "UPSTREAM_SERVICE_ERROR"

// ErrUpstream 表示后端返回了非 2xx 或无法解析的响应。
var ErrUpstream = xerrors.New(CodeUpstreamServiceError, "upstream service error")

func init() {
	xerrors.Register(CodeUpstreamServiceError, xerrors.Attributes{
		Message:       "upstream service error",
		ClientMessage: "The blockchain service is unavailable. Please try again.",
		Severity:      xerrors.SeverityWarning,
		Retryable:     true,
	})
}

const (
	defaultBaseURL = "http://localhost:3001"
	defaultTimeout = 30 * time.Second
	maxErrorBody   = 2048
)

// Config 描述后端地址。
type Config struct {
	BaseURL string
	Timeout time.Duration
}

// Client 通过 HTTP 调用交易后端。
type Client struct {
	baseURL    string
	httpClient *http.Client
}

// Option 定义可选配置。
type Option func(*Client)

// WithHTTPClient 替换底层 HTTP 客户端。
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		if hc != nil {
			c.httpClient = hc
		}
	}
}

// NewClient 创建客户端。
func NewClient(cfg Config, opts ...Option) *Client {
	baseURL := strings.TrimRight(strings.TrimSpace(cfg.BaseURL), "/")
	if baseURL == "" {
		baseURL = defaultBaseURL
	}
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	c := &Client{baseURL: baseURL, httpClient: &http.Client{Timeout: timeout}}
	for _, opt := range opts {
		if opt != nil {
			opt(c)
		}
	}
	return c
}

// BuildRequest 对应 POST /build-transaction。
type BuildRequest struct {
	StrategyID          string `json:"strategyId"`
	StrategyDescription string `json:"strategyDescription"`
	FeePayer            string `json:"feePayer,omitempty"`
}

type buildResponse struct {
	OptimizedTxPayload string `json:"optimizedTxPayload"`
	Error              string `json:"error"`
}

// SendRequest 对应 POST /send-signed-transaction。
type SendRequest struct {
	SignedTxPayload string `json:"signedTxPayload"`
	StrategyID      string `json:"strategyId"`
}

type sendResponse struct {
	TransactionHash string `json:"transactionHash"`
	Error           string `json:"error"`
}

// BuildTransaction 请求后端构建待签名交易。
func (c *Client) BuildTransaction(ctx context.Context, req BuildRequest) (string, error) {
	var resp buildResponse
	if err := c.do(ctx, http.MethodPost, "/build-transaction", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", upstreamError("/build-transaction", http.StatusOK, resp.Error)
	}
	if resp.OptimizedTxPayload == "" {
		return "", upstreamError("/build-transaction", http.StatusOK, "response has no optimizedTxPayload")
	}
	return resp.OptimizedTxPayload, nil
}

// SendSignedTransaction 广播已签名交易并返回哈希。
func (c *Client) SendSignedTransaction(ctx context.Context, req SendRequest) (string, error) {
	var resp sendResponse
	if err := c.do(ctx, http.MethodPost, "/send-signed-transaction", req, &resp); err != nil {
		return "", err
	}
	if resp.Error != "" {
		return "", upstreamError("/send-signed-transaction", http.StatusOK, resp.Error)
	}
	if resp.TransactionHash == "" {
		return "", upstreamError("/send-signed-transaction", http.StatusOK, "response has no transactionHash")
	}
	return resp.TransactionHash, nil
}

// MarketData 获取后端提供的市场快照。
func (c *Client) MarketData(ctx context.Context) (map[string]any, error) {
	var data map[string]any
	if err := c.do(ctx, http.MethodGet, "/market-data", nil, &data); err != nil {
		return nil, err
	}
	return data, nil
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader io.Reader
	if body != nil {
		encoded, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("序列化请求失败: %w", err)
		}
		reader = bytes.NewReader(encoded)
	}
	httpReq, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return fmt.Errorf("构建请求失败: %w", err)
	}
	if body != nil {
		httpReq.Header.Set("Content-Type", "application/json")
	}
	httpReq.Header.Set("Accept", "application/json")

	resp, err := c.httpClient.Do(httpReq)
	if err != nil {
		return xerrors.Wrap(CodeUpstreamServiceError, err, "request "+path+" failed", xerrors.WithMetadata("path", path))
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		detail := strings.TrimSpace(string(raw))
		var decoded struct {
			Error string `json:"error"`
		}
		if json.Unmarshal(raw, &decoded) == nil && decoded.Error != "" {
			detail = decoded.Error
		}
		return upstreamError(path, resp.StatusCode, detail)
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return upstreamError(path, resp.StatusCode, "empty response body")
		}
		return xerrors.Wrap(CodeUpstreamServiceError, err, "decode "+path+" response", xerrors.WithMetadata("path", path))
	}
	return nil
}

func upstreamError(path string, status int, detail string) error {
	msg := fmt.Sprintf("%s returned %d", path, status)
	if detail != "" {
		msg += ": " + detail
	}
	return xerrors.New(CodeUpstreamServiceError, msg,
		xerrors.WithMetadata("path", path),
		xerrors.WithMetadata("status", strconv.Itoa(status)),
	)
}
