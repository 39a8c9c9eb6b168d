package index

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// CachedClient remembers connector types per data source. A data source's
// connector type is fixed at creation, so entries never go stale.
type CachedClient struct {
	Client
	connectors *lru.Cache[DataSourceRef, string]
}

// NewCachedClient wraps client with an LRU of size entries.
func NewCachedClient(client Client, size int) (*CachedClient, error) {
	cache, err := lru.New[DataSourceRef, string](size)
	if err != nil {
		return nil, fmt.Errorf("creating connector cache: %w", err)
	}
	return &CachedClient{Client: client, connectors: cache}, nil
}

func (c *CachedClient) ConnectorType(ctx context.Context, ref DataSourceRef) (string, error) {
	if t, ok := c.connectors.Get(ref); ok {
		return t, nil
	}
	t, err := c.Client.ConnectorType(ctx, ref)
	if err != nil {
		return "", err
	}
	c.connectors.Add(ref, t)
	return t, nil
}

var _ Client = (*CachedClient)(nil)
