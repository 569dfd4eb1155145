//go:build e2e

package e2e

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var (
	baseURL    = getEnv("TENANTVAULT_API_URL", "http://127.0.0.1:8080")
	adminToken = getEnv("TENANTVAULT_ADMIN_TOKEN", "")
)

func getEnv(key, fallback string) string {
	if value, ok := os.LookupEnv(key); ok {
		return value
	}
	return fallback
}

type TestClient struct {
	httpClient *http.Client
	tenantID   string
	actorID    string
	bearer     string
}

func NewTestClient(tenantID, actorID string) *TestClient {
	return &TestClient{
		httpClient: &http.Client{Timeout: 10 * time.Second},
		tenantID:   tenantID,
		actorID:    actorID,
	}
}

func NewAdminClient() *TestClient {
	c := NewTestClient("", "operator")
	c.bearer = adminToken
	return c
}

func (c *TestClient) Do(method, path string, body any) (*http.Response, error) {
	var bodyReader io.Reader
	if body != nil {
		jsonBody, _ := json.Marshal(body)
		bodyReader = bytes.NewBuffer(jsonBody)
	}

	req, _ := http.NewRequest(method, baseURL+path, bodyReader)
	req.Header.Set("Content-Type", "application/json")
	if c.tenantID != "" {
		req.Header.Set("X-Tenant-ID", c.tenantID)
	}
	if c.actorID != "" {
		req.Header.Set("X-Actor-ID", c.actorID)
	}
	if c.bearer != "" {
		req.Header.Set("Authorization", "Bearer "+c.bearer)
	}

	return c.httpClient.Do(req)
}

func decode[T any](t *testing.T, resp *http.Response) T {
	t.Helper()
	defer resp.Body.Close()
	var v T
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&v))
	return v
}

func TestE2E_Workflows(t *testing.T) {
	// State shared between subtests
	var (
		tenantA  string
		tenantB  string
		recordID string
	)

	// 1. Operator Flow
	t.Run("Operator Flow", func(t *testing.T) {
		admin := NewAdminClient()
		suffix := time.Now().Unix()

		tenantA = fmt.Sprintf("e2e-a-%d", suffix)
		tenantB = fmt.Sprintf("e2e-b-%d", suffix)
		for _, id := range []string{tenantA, tenantB} {
			resp, err := admin.Do("POST", "/tenants", map[string]any{
				"tenant_id":   id,
				"name":        "E2E " + id,
				"tier":        "sme",
				"max_storage": "50MB",
			})
			require.NoError(t, err)
			require.Equal(t, http.StatusCreated, resp.StatusCode)
			resp.Body.Close()
		}

		resp, err := admin.Do("POST", "/tenants", map[string]any{"tenant_id": tenantA, "name": "again"})
		require.NoError(t, err)
		assert.Equal(t, http.StatusConflict, resp.StatusCode)
		resp.Body.Close()

		t.Logf("Created tenants %s and %s", tenantA, tenantB)
	})

	// 2. Data Flow
	t.Run("Data Flow", func(t *testing.T) {
		require.NotEmpty(t, tenantA)
		client := NewTestClient(tenantA, "alice")

		resp, err := client.Do("POST", "/data/finance/invoice", map[string]any{
			"classification": "confidential",
			"payload":        map[string]any{"amount": 42, "customer": "acme"},
		})
		require.NoError(t, err)
		require.Equal(t, http.StatusCreated, resp.StatusCode)
		receipt := decode[map[string]any](t, resp)
		recordID, _ = receipt["record_id"].(string)
		require.NotEmpty(t, recordID)

		resp, err = client.Do("GET", "/data/finance/invoice/"+recordID, nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		rec := decode[map[string]any](t, resp)
		assert.Equal(t, true, rec["encrypted"])
		assert.Equal(t, tenantA, rec["tenant_id"])
	})

	// 3. Isolation Flow
	t.Run("Isolation Flow", func(t *testing.T) {
		require.NotEmpty(t, recordID)
		intruder := NewTestClient(tenantB, "mallory")

		resp, err := intruder.Do("GET", "/data/finance/invoice", nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		listing := decode[map[string]any](t, resp)
		assert.EqualValues(t, 0, listing["count"])

		resp, err = intruder.Do("GET", "/data/finance/invoice/"+recordID, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusNotFound, resp.StatusCode)
		resp.Body.Close()

		resp, err = intruder.Do("GET", "/audit/"+tenantA, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp.Body.Close()
	})

	// 4. Insight Flow
	t.Run("Insight Flow", func(t *testing.T) {
		require.NotEmpty(t, tenantA)
		client := NewTestClient(tenantA, "alice")

		resp, err := client.Do("GET", "/metrics/"+tenantA, nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		metrics := decode[map[string]any](t, resp)
		assert.EqualValues(t, 1, metrics["stored_records"])

		resp, err = client.Do("GET", "/audit/"+tenantA+"?limit=20", nil)
		require.NoError(t, err)
		require.Equal(t, http.StatusOK, resp.StatusCode)
		entries := decode[[]map[string]any](t, resp)
		require.NotEmpty(t, entries)

		mismatch := false
		for _, e := range entries {
			assert.Equal(t, tenantA, e["tenant_id"])
			if e["reason"] == "TenantMismatch" {
				mismatch = true
			}
		}
		assert.True(t, mismatch, "the intruder's attempt must be in the owner's trail")
	})

	// 5. Decommission Flow
	t.Run("Decommission Flow", func(t *testing.T) {
		require.NotEmpty(t, tenantB)
		admin := NewAdminClient()

		resp, err := admin.Do("DELETE", "/tenants/"+tenantB, nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		resp.Body.Close()

		resp, err = NewTestClient(tenantB, "bob").Do("GET", "/data/finance/invoice", nil)
		require.NoError(t, err)
		assert.Equal(t, http.StatusForbidden, resp.StatusCode)
		resp.Body.Close()
	})
}
