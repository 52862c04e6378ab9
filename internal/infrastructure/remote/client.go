package remote

import (
	"context"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/sirupsen/logrus"

	marketdata "marketprices/internal/domain/entity/marketdata"
)

const (
	quotesPath        = "/api/v1/quotes"
	defaultTimeout    = 10 * time.Second
	defaultRetryCount = 2
)

// Client asks the remote quote service for aggregated quotes of many items
// of one region in a single request.
type Client struct {
	http   *resty.Client
	logger logrus.FieldLogger
}

func NewClient(baseURL string, timeout time.Duration, logger logrus.FieldLogger) *Client {
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	rc := resty.New().
		SetBaseURL(strings.TrimRight(baseURL, "/")).
		SetTimeout(timeout).
		SetRetryCount(defaultRetryCount).
		SetRetryWaitTime(200 * time.Millisecond).
		SetHeader("Accept", "application/json")
	return &Client{
		http:   rc,
		logger: logger.WithField("component", "remote_client"),
	}
}

// Send returns the raw response body. Any status above 399 is an error.
func (c *Client) Send(ctx context.Context, region marketdata.RegionID, side marketdata.QuerySide, items []marketdata.ItemID) ([]byte, error) {
	if len(items) == 0 {
		return nil, fmt.Errorf("%w: no items to request", marketdata.ErrInvalidArgument)
	}
	ids := make([]string, len(items))
	for i, item := range items {
		ids[i] = strconv.FormatInt(int64(item), 10)
	}

	start := time.Now()
	resp, err := c.http.R().
		SetContext(ctx).
		SetQueryParams(map[string]string{
			"region": strconv.FormatInt(int64(region), 10),
			"side":   sideParam(side),
			"types":  strings.Join(ids, ","),
		}).
		Get(quotesPath)
	if err != nil {
		return nil, fmt.Errorf("request quotes: %w", err)
	}
	if resp.IsError() {
		return nil, fmt.Errorf("quote service responded %s", resp.Status())
	}

	c.logger.WithFields(logrus.Fields{
		"region":  region,
		"items":   len(items),
		"took_ms": time.Since(start).Milliseconds(),
	}).Debug("fetched remote quotes")
	return resp.Body(), nil
}

func sideParam(side marketdata.QuerySide) string {
	switch side {
	case marketdata.QueryBuy:
		return "buy"
	case marketdata.QuerySell:
		return "sell"
	default:
		return "all"
	}
}
