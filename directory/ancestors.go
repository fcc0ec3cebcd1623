package directory

import (
	"context"
	"sync"

	"golang.org/x/sync/singleflight"

	"github.com/menmos/menmos/errors"
	"github.com/menmos/menmos/metastore"
)

const maxParentDepth = 1024

// ancestorCache memoizes the transitive parent closure per blob. The
// cache is dropped wholesale whenever any parent pointer changes, since
// an edit invalidates the closure of every descendant.
type ancestorCache struct {
	meta *metastore.Store

	mu sync.RWMutex
	m  map[string][]string
	sf singleflight.Group
}

func newAncestorCache(meta *metastore.Store) *ancestorCache {
	return &ancestorCache{meta: meta, m: make(map[string][]string)}
}

// closureOf returns startID followed by its ancestors, walking parent
// pointers up to the root.
func (c *ancestorCache) closureOf(ctx context.Context, startID string) ([]string, error) {
	c.mu.RLock()
	cached, ok := c.m[startID]
	c.mu.RUnlock()
	if ok {
		return cached, nil
	}

	v, err, _ := c.sf.Do(startID, func() (interface{}, error) {
		var chain []string
		seen := make(map[string]bool)
		cur := startID
		for cur != "" {
			if seen[cur] || len(chain) > maxParentDepth {
				return nil, errors.ErrParentCycle
			}
			seen[cur] = true
			chain = append(chain, cur)

			rec, err := c.meta.GetMeta(ctx, cur)
			if err != nil {
				if errors.KindOf(err) == errors.KindNotFound {
					return nil, errors.ErrParentMissing
				}
				return nil, err
			}
			cur = rec.Info.Meta.ParentID
		}

		c.mu.Lock()
		c.m[startID] = chain
		c.mu.Unlock()
		return chain, nil
	})
	if err != nil {
		return nil, err
	}
	return v.([]string), nil
}

func (c *ancestorCache) invalidate() {
	c.mu.Lock()
	c.m = make(map[string][]string)
	c.mu.Unlock()
}

// ancestorsForChild validates parentID as the parent of childID and
// returns the child's ancestor closure. The child must not appear in
// the parent's chain, and the parent must exist and share the owner.
func (d *Directory) ancestorsForChild(ctx context.Context, childID, parentID, owner string) ([]string, error) {
	if parentID == "" {
		return nil, nil
	}
	if parentID == childID {
		return nil, errors.ErrParentCycle
	}

	parentRec, err := d.meta.GetMeta(ctx, parentID)
	if err != nil {
		if errors.KindOf(err) == errors.KindNotFound {
			return nil, errors.ErrParentMissing
		}
		return nil, err
	}
	if parentRec.Info.Owner != owner {
		return nil, errors.ErrParentOwner
	}

	chain, err := d.ancestors.closureOf(ctx, parentID)
	if err != nil {
		return nil, err
	}
	for _, id := range chain {
		if id == childID {
			return nil, errors.ErrParentCycle
		}
	}
	return chain, nil
}
