package cache

import (
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/Brownie44l1/traffic-sign-api/internal/model"
)

// Predictions remembers verdicts by upload digest. The model never changes
// after startup, so identical bytes always produce the same verdict.
// A nil *Predictions is a disabled cache.
type Predictions struct {
	c *gocache.Cache
}

// New returns nil when ttl is not positive.
func New(ttl, cleanup time.Duration) *Predictions {
	if ttl <= 0 {
		return nil
	}
	if cleanup <= 0 {
		cleanup = 2 * ttl
	}
	return &Predictions{c: gocache.New(ttl, cleanup)}
}

func (p *Predictions) Get(digest string) (model.Prediction, bool) {
	if p == nil || digest == "" {
		return model.Prediction{}, false
	}
	v, ok := p.c.Get(digest)
	if !ok {
		return model.Prediction{}, false
	}
	pred, ok := v.(model.Prediction)
	return pred, ok
}

func (p *Predictions) Set(digest string, pred model.Prediction) {
	if p == nil || digest == "" {
		return
	}
	p.c.SetDefault(digest, pred)
}

func (p *Predictions) Len() int {
	if p == nil {
		return 0
	}
	return p.c.ItemCount()
}
