package http

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	domain "marketprices/internal/domain/entity/marketdata"

	"github.com/gin-gonic/gin"
	"github.com/redis/go-redis/v9"
	"github.com/sirupsen/logrus"
)

const responseKeyPrefix = "prices:"

// ResponseCache keeps GET responses in Redis per region. Every key embeds the
// region's generation counter; a price change bumps the counter, so responses
// rendered before the change are never served again and expire by TTL.
// It satisfies interfaces.ChangeListener.
type ResponseCache struct {
	client *redis.Client
	ttl    time.Duration
	logger logrus.FieldLogger
}

func NewResponseCache(client *redis.Client, ttl time.Duration, logger logrus.FieldLogger) *ResponseCache {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &ResponseCache{
		client: client,
		ttl:    ttl,
		logger: logger.WithField("component", "response_cache"),
	}
}

// OnPriceChanged retires every cached response of region.
func (rc *ResponseCache) OnPriceChanged(ctx context.Context, region domain.RegionID, items []domain.ItemID) {
	if err := rc.client.Incr(ctx, generationKey(fmt.Sprint(int64(region)))).Err(); err != nil {
		rc.logger.WithError(err).WithFields(logrus.Fields{
			"region": region,
			"items":  len(items),
		}).Warn("invalidate cached responses failed")
	}
}

func (rc *ResponseCache) generation(ctx context.Context, region string) (int64, error) {
	gen, err := rc.client.Get(ctx, generationKey(region)).Int64()
	if errors.Is(err, redis.Nil) {
		return 0, nil
	}
	return gen, err
}

func generationKey(region string) string {
	return responseKeyPrefix + region + ":gen"
}

// middleware caches successful GET responses. Requests without a region and
// the offline flag bypass the cache.
func (rc *ResponseCache) middleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		region := c.Query("region")
		if c.Request.Method != http.MethodGet || region == "" || c.FullPath() == pricesBasePath+"/offline" {
			c.Next()
			return
		}

		ctx := c.Request.Context()
		// Read before the handler runs: a change that lands while the
		// response is rendered moves the generation past this key.
		gen, err := rc.generation(ctx, region)
		if err != nil {
			rc.logger.WithError(err).Warn("read cache generation failed")
			c.Next()
			return
		}
		key := fmt.Sprintf("%s%s:%d:%s:%s?%s", responseKeyPrefix, region, gen, c.Request.Method, c.FullPath(), c.Request.URL.RawQuery)

		if cached, err := rc.client.Get(ctx, key).Result(); err == nil {
			c.Data(http.StatusOK, "application/json", []byte(cached))
			c.Abort()
			return
		}

		recorder := &responseRecorder{
			ResponseWriter: c.Writer,
			status:         http.StatusOK,
			body:           &bytes.Buffer{},
		}
		c.Writer = recorder

		c.Next()

		if recorder.status >= 200 && recorder.status < 300 && recorder.body.Len() > 0 {
			_ = rc.client.Set(ctx, key, recorder.body.Bytes(), rc.ttl).Err()
		}
	}
}

type responseRecorder struct {
	gin.ResponseWriter
	body   *bytes.Buffer
	status int
}

func (r *responseRecorder) WriteHeader(code int) {
	r.status = code
	r.ResponseWriter.WriteHeader(code)
}

func (r *responseRecorder) Write(data []byte) (int, error) {
	if len(data) > 0 {
		r.body.Write(data)
	}
	return r.ResponseWriter.Write(data)
}
