// Package nudity wraps the optional external NSFW-classification
// side-channel behind a narrow interface, retrying transient failures
// with backoff and caching verdicts per caller-supplied snapshot key so a
// periodic check doesn't invoke the classifier more often than necessary.
package nudity

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jellydator/ttlcache/v3"
)

// Classifier is the narrow external collaborator interface: given the
// current full-canvas PNG, decide whether it looks like nudity.
type Classifier interface {
	ClassifyPNG(ctx context.Context, png []byte) (nude bool, err error)
}

// Config configures a Checker.
type Config struct {
	Logger     *slog.Logger
	Classifier Classifier
	CacheTTL   time.Duration
	MaxRetries uint
}

func (c *Config) validate() error {
	if c.Classifier == nil {
		return errors.New("nudity: Classifier is required")
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	if c.CacheTTL <= 0 {
		c.CacheTTL = 5 * time.Second
	}
	if c.MaxRetries == 0 {
		c.MaxRetries = 3
	}
	return nil
}

// Checker caches the classifier's verdict for a given PNG snapshot so
// repeated identical canvases don't re-invoke the external service.
type Checker struct {
	log        *slog.Logger
	classifier Classifier
	maxRetries uint
	cache      *ttlcache.Cache[string, bool]
}

// New constructs a Checker. It starts the underlying cache's janitor
// goroutine; call Close to stop it.
func New(cfg Config) (*Checker, error) {
	if err := cfg.validate(); err != nil {
		return nil, err
	}
	cache := ttlcache.New[string, bool](
		ttlcache.WithTTL[string, bool](cfg.CacheTTL),
	)
	go cache.Start()

	return &Checker{
		log:        cfg.Logger,
		classifier: cfg.Classifier,
		maxRetries: cfg.MaxRetries,
		cache:      cache,
	}, nil
}

// Close stops the cache janitor goroutine.
func (c *Checker) Close() {
	c.cache.Stop()
}

// Check returns whether png looks like nudity, consulting the cache
// first and falling back to the classifier (with retry) on a miss. The
// key is supplied by the caller (typically a hash of png) so the cache
// doesn't have to re-hash large buffers itself.
func (c *Checker) Check(ctx context.Context, key string, png []byte) (bool, error) {
	if item := c.cache.Get(key); item != nil {
		return item.Value(), nil
	}

	attempt := 0
	nude, err := backoff.Retry(ctx, func() (bool, error) {
		if attempt > 0 {
			c.log.Warn("nudity: classification failed, retrying", "attempt", attempt)
		}
		attempt++
		return c.classifier.ClassifyPNG(ctx, png)
	}, backoff.WithBackOff(backoff.NewExponentialBackOff()), backoff.WithMaxTries(c.maxRetries))
	if err != nil {
		return false, fmt.Errorf("nudity: classification failed after retries: %w", err)
	}

	c.cache.Set(key, nude, ttlcache.DefaultTTL)
	return nude, nil
}
