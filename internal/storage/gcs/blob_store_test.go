package gcs

import (
	"context"
	"testing"

	"cloud.google.com/go/storage"
	"github.com/stretchr/testify/require"
	"google.golang.org/api/option"
)

func TestNewValidation(t *testing.T) {
	t.Parallel()

	_, err := New(nil, Config{Bucket: "b"})
	require.Error(t, err)

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	_, err = New(client, Config{})
	require.Error(t, err)
}

func TestObjectName(t *testing.T) {
	t.Parallel()

	client, err := storage.NewClient(context.Background(), option.WithoutAuthentication())
	require.NoError(t, err)
	t.Cleanup(func() { _ = client.Close() })

	store, err := New(client, Config{Bucket: "archive", Prefix: "/scraper/"})
	require.NoError(t, err)
	require.Equal(t, "scraper/raw/2025/01/02/x.json", store.ObjectName("/raw/2025/01/02/x.json"))

	bare, err := New(client, Config{Bucket: "archive"})
	require.NoError(t, err)
	require.Equal(t, "raw/x.json", bare.ObjectName("raw/x.json"))

	_, err = bare.PutObject(context.Background(), " ", "", nil)
	require.Error(t, err)
}
