package enrichment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kursadbilgin/due-notifier/internal/domain"
	"github.com/kursadbilgin/due-notifier/internal/observability"
	goredis "github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const (
	DefaultCacheTTL = 10 * time.Minute
	cacheKeyPrefix  = "enrichment:attachments:"
)

type cachedAttachment struct {
	FileName string `json:"fileName"`
	FileRef  string `json:"fileRef"`
}

// CachedLookup is a cache-aside decorator over another Lookup. Cache failures are
// logged and fall through to the source.
type CachedLookup struct {
	source  Lookup
	client  *goredis.Client
	ttl     time.Duration
	logger  *zap.Logger
	metrics *observability.Metrics
}

var _ Lookup = (*CachedLookup)(nil)

func NewCachedLookup(source Lookup, client *goredis.Client, ttl time.Duration, logger *zap.Logger) (*CachedLookup, error) {
	if source == nil {
		return nil, fmt.Errorf("source lookup is required")
	}
	if client == nil {
		return nil, fmt.Errorf("redis client is required")
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	return &CachedLookup{
		source: source,
		client: client,
		ttl:    ttl,
		logger: logger,
	}, nil
}

func (c *CachedLookup) SetMetrics(metrics *observability.Metrics) {
	if c == nil {
		return
	}
	c.metrics = metrics
}

func (c *CachedLookup) Lookup(ctx context.Context, referenceNumber string) ([]domain.Attachment, error) {
	referenceNumber = strings.TrimSpace(referenceNumber)
	if referenceNumber == "" {
		return nil, nil
	}

	key := cacheKeyPrefix + referenceNumber

	raw, err := c.client.Get(ctx, key).Bytes()
	switch {
	case err == nil:
		attachments, decodeErr := decodeAttachments(raw)
		if decodeErr == nil {
			c.metrics.IncEnrichmentLookup("hit")
			return attachments, nil
		}
		c.logger.Warn("discarding unreadable enrichment cache entry",
			zap.String("referenceNumber", referenceNumber),
			zap.Error(decodeErr),
		)
	case errors.Is(err, goredis.Nil):
	default:
		c.logger.Warn("enrichment cache read failed, using source",
			zap.String("referenceNumber", referenceNumber),
			zap.Error(err),
		)
	}

	c.metrics.IncEnrichmentLookup("miss")
	attachments, err := c.source.Lookup(ctx, referenceNumber)
	if err != nil {
		return nil, err
	}

	encoded, err := encodeAttachments(attachments)
	if err == nil {
		err = c.client.Set(ctx, key, encoded, c.ttl).Err()
	}
	if err != nil {
		c.logger.Warn("enrichment cache write failed",
			zap.String("referenceNumber", referenceNumber),
			zap.Error(err),
		)
	}

	return attachments, nil
}

// Invalidate drops the cached attachments for referenceNumber.
func (c *CachedLookup) Invalidate(ctx context.Context, referenceNumber string) error {
	return c.client.Del(ctx, cacheKeyPrefix+strings.TrimSpace(referenceNumber)).Err()
}

func encodeAttachments(attachments []domain.Attachment) ([]byte, error) {
	cached := make([]cachedAttachment, 0, len(attachments))
	for _, a := range attachments {
		cached = append(cached, cachedAttachment{FileName: a.FileName, FileRef: a.FileRef})
	}
	return json.Marshal(cached)
}

func decodeAttachments(raw []byte) ([]domain.Attachment, error) {
	var cached []cachedAttachment
	if err := json.Unmarshal(raw, &cached); err != nil {
		return nil, err
	}

	attachments := make([]domain.Attachment, 0, len(cached))
	for _, a := range cached {
		attachments = append(attachments, domain.Attachment{FileName: a.FileName, FileRef: a.FileRef})
	}
	return attachments, nil
}
