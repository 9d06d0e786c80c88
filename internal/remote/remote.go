// Package remote 与外部服务交互：获取默认扫描区间、回传运行清单。
package remote

import (
	"context"
	"net/http"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/go-resty/resty/v2"

	"primescan/pkg/contract"
)

// DefaultTimeout: 单次请求超时。
const DefaultTimeout = 10 * time.Second

// Client: 基于 resty 的 HTTP 客户端（不重试，错误直接上抛）。
type Client struct {
	r *resty.Client
}

// New 创建客户端；timeout<=0 使用默认值。
func New(timeout time.Duration) *Client {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	r := resty.New().
		SetTimeout(timeout).
		SetHeader("Accept", "application/json").
		SetHeader("User-Agent", "primescan")
	return &Client{r: r}
}

// rangeBody: 区间接口的响应体；缺失字段视为无效。
type rangeBody struct {
	Start *uint64 `json:"start"`
	End   *uint64 `json:"end"`
}

// FetchRange GET url 并解析 {"start":u64,"end":u64}。
// 任何失败都归为 ConfigError：区间无法获得，扫描不能开始。
func (c *Client) FetchRange(ctx context.Context, url string) (contract.Interval, error) {
	var body rangeBody
	resp, err := c.r.R().SetContext(ctx).SetResult(&body).Get(url)
	if err != nil {
		return contract.Interval{}, errors.Mark(errors.Wrapf(err, "fetch range %s", url), contract.ErrConfig)
	}
	if resp.StatusCode() != http.StatusOK {
		return contract.Interval{}, contract.ConfigErrorf("fetch range %s: http %d", url, resp.StatusCode())
	}
	if body.Start == nil || body.End == nil {
		return contract.Interval{}, contract.ConfigErrorf("fetch range %s: response missing start/end", url)
	}
	iv := contract.Interval{Start: *body.Start, End: *body.End}
	if err := iv.Validate(); err != nil {
		return contract.Interval{}, errors.Wrapf(err, "fetch range %s", url)
	}
	return iv, nil
}

// PostSummary 以 JSON POST 运行清单；非 2xx 视为失败。
func (c *Client) PostSummary(ctx context.Context, url string, s contract.Summary) error {
	resp, err := c.r.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(s).
		Post(url)
	if err != nil {
		return errors.Wrapf(err, "post summary %s", url)
	}
	if !resp.IsSuccess() {
		return errors.Newf("post summary %s: http %d", url, resp.StatusCode())
	}
	return nil
}
