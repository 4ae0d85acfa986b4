package core

import (
	"context"
	"net/http"
	"path/filepath"
	"testing"
	"time"

	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/JonMunkholm/reconcile/internal/media"
	"github.com/JonMunkholm/reconcile/internal/schema"
	"github.com/JonMunkholm/reconcile/internal/storage/sqlite"
)

func TestUploadEntity_MaterializesMedia(t *testing.T) {
	sch, err := schema.LoadFile(filepath.Join("testdata", "schema.yaml"))
	require.NoError(t, err)
	store, err := sqlite.Open(filepath.Join(t.TempDir(), "media.db"))
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureSchema(context.Background(), sch))

	ms := media.NewService(&http.Client{}, &media.LocalBlobStore{Root: t.TempDir()}, media.Options{})
	httpmock.ActivateNonDefault(ms.Client())
	t.Cleanup(httpmock.DeactivateAndReset)

	httpmock.RegisterResponder(http.MethodGet, "https://cdn.example.com/dlh.png", func(*http.Request) (*http.Response, error) {
		resp := httpmock.NewStringResponse(http.StatusOK, "png-bytes")
		resp.Header.Set("Content-Type", "image/png")
		return resp, nil
	})
	httpmock.RegisterResponder(http.MethodGet, "https://cdn.example.com/cfg.png",
		httpmock.NewStringResponder(http.StatusNotFound, ""))

	svc := NewService(store, sch, nil, ms, nil, Options{OperationWait: time.Second})
	payload := `[
  {"name": "Lufthansa", "logo": "https://cdn.example.com/dlh.png"},
  {"name": "Condor", "logo": "https://cdn.example.com/cfg.png"},
  {"name": "Eurowings", "logo": "01HZX3Q9K7V2M4N8P6R5S0T1W2"}
]`
	res, err := svc.UploadEntity(context.Background(), "Operator", []byte(payload), DefaultLoadOptions())
	require.NoError(t, err)

	assert.Equal(t, 3, res.Loaded, "media failures never skip a row")
	require.Len(t, res.MediaErrors, 1)
	assert.Equal(t, 2, res.MediaErrors[0].Row)
	assert.Equal(t, "logo", res.MediaErrors[0].Field)

	op, _ := sch.Entity("Operator")
	rows, err := store.Rows(context.Background(), op)
	require.NoError(t, err)
	require.Len(t, rows, 3)

	assetID, _ := rows[0]["logo"].(string)
	assert.Len(t, assetID, 26)
	rc, asset, err := ms.Open(assetID)
	require.NoError(t, err)
	rc.Close()
	assert.Equal(t, "Operator", asset.Entity)
	assert.Equal(t, "image/png", asset.ContentType)

	assert.Nil(t, rows[1]["logo"])
	assert.Equal(t, "01HZX3Q9K7V2M4N8P6R5S0T1W2", rows[2]["logo"], "non-URL values pass through")
}
