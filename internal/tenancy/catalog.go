package tenancy

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"sync"
	"time"

	"github.com/nextlevelbuilder/agentmemory/internal/apierr"
)

// catalogTTL is the model-catalog cache lifetime (spec.md §4.11: "cached 60s").
const catalogTTL = 60 * time.Second

// ModelCatalog fetches and caches the embedding-model allowlist from the
// external AI gateway, speaking the same AI_GATEWAY_BASE_URL contract as
// embedqueue.gatewayProvider (GET {base}/models -> {data:[{id}]}); no SDK
// in the example corpus models this gateway's wire shape, so it is
// implemented directly against net/http, matching that package's choice.
// The cache is process-wide with a single expiry, per spec.md §5.
type ModelCatalog struct {
	baseURL string
	apiKey  string
	client  *http.Client
	now     func() time.Time

	mu        sync.Mutex
	fetchedAt time.Time
	ids       []string
}

// NewModelCatalog builds a ModelCatalog against the AI gateway at baseURL.
func NewModelCatalog(baseURL, apiKey string) *ModelCatalog {
	return &ModelCatalog{
		baseURL: baseURL,
		apiKey:  apiKey,
		client:  &http.Client{Timeout: 10 * time.Second},
		now:     time.Now,
	}
}

type catalogResponse struct {
	Data []struct {
		ID string `json:"id"`
	} `json:"data"`
}

// fetch returns the cached catalog if it is younger than catalogTTL,
// otherwise refetches from the gateway.
func (c *ModelCatalog) fetch(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	if c.ids != nil && c.now().Sub(c.fetchedAt) < catalogTTL {
		ids := c.ids
		c.mu.Unlock()
		return ids, nil
	}
	c.mu.Unlock()

	ids, err := c.fetchLive(ctx)
	if err != nil {
		return nil, apierr.EmbeddingModelCatalogFetchFailed(err)
	}

	c.mu.Lock()
	c.ids = ids
	c.fetchedAt = c.now()
	c.mu.Unlock()
	return ids, nil
}

func (c *ModelCatalog) fetchLive(ctx context.Context) ([]string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+"/models", nil)
	if err != nil {
		return nil, fmt.Errorf("tenancy: build catalog request: %w", err)
	}
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("tenancy: fetch model catalog: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("tenancy: read catalog response: %w", err)
	}
	if resp.StatusCode >= 400 {
		return nil, fmt.Errorf("tenancy: catalog status %d", resp.StatusCode)
	}

	var parsed catalogResponse
	if err := json.Unmarshal(body, &parsed); err != nil {
		return nil, fmt.Errorf("tenancy: decode catalog response: %w", err)
	}

	ids := make([]string, 0, len(parsed.Data))
	for _, m := range parsed.Data {
		ids = append(ids, m.ID)
	}
	return ids, nil
}
