package rpc

import (
	"context"
	"fmt"
	"net/url"
	"time"

	jsoniter "github.com/json-iterator/go"
	"github.com/pkg/errors"
	"github.com/valyala/fasthttp"

	"go-qearn-stats/model"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

const (
	querySmartContractPath = "/v1/querySmartContract"
	tickInfoPath           = "/v1/tick-info"
	balancesPath           = "/v1/balances/"
	latestStatsPath        = "/v1/latest-stats"

	maxErrorBody = 200
)

// StatusError is returned for any non-2xx response.
type StatusError struct {
	Code   int
	Status string
	Body   string
}

func (e *StatusError) Error() string {
	if e.Body == "" {
		return fmt.Sprintf("http status %d %s", e.Code, e.Status)
	}
	return fmt.Sprintf("http status %d %s: %s", e.Code, e.Status, e.Body)
}

func (e *StatusError) RateLimited() bool {
	return e.Code == fasthttp.StatusTooManyRequests
}

type Options struct {
	Endpoint   string
	Timeout    time.Duration
	HTTPClient *fasthttp.Client
}

// Client talks JSON to the RPC endpoint. Each method issues exactly one request.
type Client struct {
	endpoint string
	timeout  time.Duration
	client   *fasthttp.Client
	now      func() time.Time
}

func NewClient(o Options) *Client {
	if o.Timeout <= 0 {
		o.Timeout = 15 * time.Second
	}
	client := o.HTTPClient
	if client == nil {
		client = &fasthttp.Client{
			Name:                "qearn-stats",
			MaxConnsPerHost:     10,
			MaxIdleConnDuration: 30 * time.Second,
			ReadTimeout:         o.Timeout,
			WriteTimeout:        o.Timeout,
		}
	}
	return &Client{
		endpoint: o.Endpoint,
		timeout:  o.Timeout,
		client:   client,
		now:      time.Now,
	}
}

/*
QuerySmartContract posts a contract query and returns the raw response payload.
A 429 surfaces as a *StatusError with RateLimited() true; retrying is left to the caller.
*/
func (c *Client) QuerySmartContract(ctx context.Context, query model.Query) (*model.QueryResult, error) {
	var result model.QueryResult
	if err := c.doJSON(ctx, fasthttp.MethodPost, querySmartContractPath, query, &result); err != nil {
		return nil, err
	}
	return &result, nil
}

func (c *Client) FetchTickInfo(ctx context.Context) (*model.TickInfo, error) {
	var resp struct {
		TickInfo *model.TickInfo `json:"tickInfo"`
	}
	if err := c.doJSON(ctx, fasthttp.MethodGet, c.noCache(tickInfoPath), nil, &resp); err != nil {
		return nil, err
	}
	if resp.TickInfo == nil {
		return nil, errors.New("tick-info: response has no tickInfo")
	}
	return resp.TickInfo, nil
}

func (c *Client) FetchBalance(ctx context.Context, publicID string) (*model.Balance, error) {
	var resp struct {
		Balance *model.Balance `json:"balance"`
	}
	path := c.noCache(balancesPath + url.PathEscape(publicID))
	if err := c.doJSON(ctx, fasthttp.MethodGet, path, nil, &resp); err != nil {
		return nil, err
	}
	if resp.Balance == nil {
		return nil, errors.Errorf("balances: response for %s has no balance", publicID)
	}
	return resp.Balance, nil
}

func (c *Client) FetchLatestStats(ctx context.Context) (*model.LatestStats, error) {
	var resp struct {
		Data *model.LatestStats `json:"data"`
	}
	if err := c.doJSON(ctx, fasthttp.MethodGet, c.noCache(latestStatsPath), nil, &resp); err != nil {
		return nil, err
	}
	if resp.Data == nil {
		return nil, errors.New("latest-stats: response has no data")
	}
	return resp.Data, nil
}

func (c *Client) noCache(path string) string {
	return fmt.Sprintf("%s?no-cache=%d", path, c.now().UnixMilli())
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	if err := ctx.Err(); err != nil {
		return err
	}

	req := fasthttp.AcquireRequest()
	resp := fasthttp.AcquireResponse()
	defer fasthttp.ReleaseRequest(req)
	defer fasthttp.ReleaseResponse(resp)

	req.SetRequestURI(c.endpoint + path)
	req.Header.SetMethod(method)
	if payload != nil {
		body, err := json.Marshal(payload)
		if err != nil {
			return errors.Wrap(err, "marshal request")
		}
		req.Header.SetContentType("application/json")
		req.SetBodyRaw(body)
	}

	timeout := c.timeout
	if deadline, ok := ctx.Deadline(); ok {
		if d := time.Until(deadline); d < timeout {
			timeout = d
		}
	}
	if timeout <= 0 {
		return context.DeadlineExceeded
	}

	if err := c.client.DoTimeout(req, resp, timeout); err != nil {
		return errors.Wrapf(err, "%s %s", method, path)
	}

	code := resp.StatusCode()
	if code < 200 || code >= 300 {
		body := resp.Body()
		if len(body) > maxErrorBody {
			body = body[:maxErrorBody]
		}
		return &StatusError{Code: code, Status: fasthttp.StatusMessage(code), Body: string(body)}
	}

	if out == nil {
		return nil
	}
	if err := json.Unmarshal(resp.Body(), out); err != nil {
		return errors.Wrapf(err, "decode %s", path)
	}
	return nil
}
