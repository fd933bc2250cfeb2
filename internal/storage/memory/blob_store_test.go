package memory

import (
	"bytes"
	"context"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestBlobStorePutObjectCopiesData(t *testing.T) {
	t.Parallel()

	store := NewBlobStore()
	payload := []byte(`{"asin":"B08N5WRWNW"}`)
	uri, err := store.PutObject(context.Background(), "raw/2025/01/01/abc.json", "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	require.Equal(t, "memory://raw/2025/01/01/abc.json", uri)

	payload[0] = '['
	obj, ok := store.Get("raw/2025/01/01/abc.json")
	require.True(t, ok)
	require.Equal(t, `{"asin":"B08N5WRWNW"}`, string(obj.Data))
	require.Equal(t, "application/json", obj.ContentType)
	require.Equal(t, []string{"raw/2025/01/01/abc.json"}, store.Paths())

	_, err = store.PutObject(context.Background(), "", "", strings.NewReader("x"))
	require.Error(t, err)
}
