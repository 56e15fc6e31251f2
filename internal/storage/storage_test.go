package storage

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/DukeRupert/ppewatch/internal/domain"
	"github.com/aws/smithy-go"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func newLocal(t *testing.T) *LocalStorage {
	t.Helper()
	s, err := NewLocalStorage(LocalConfig{BasePath: t.TempDir(), BaseURL: "http://localhost:8080/exports/"}, discard())
	require.NoError(t, err)
	return s
}

func TestExportKey(t *testing.T) {
	id := uuid.MustParse("123e4567-e89b-12d3-a456-426614174000")
	at := time.Date(2026, 3, 12, 15, 4, 5, 0, time.FixedZone("MST", -7*3600))

	key := ExportKey(id, at, ".csv")
	assert.True(t, strings.HasPrefix(key, "exports/123e4567-e89b-12d3-a456-426614174000/20260312T220405Z-"), key)
	assert.True(t, strings.HasSuffix(key, ".csv"))
	assert.NoError(t, validateKey(key))
	assert.NotEqual(t, key, ExportKey(id, at, "csv"))
}

func TestValidateKey(t *testing.T) {
	for _, key := range []string{"", "/abs", "../up", "a/../../b", "a//b", "a/./b"} {
		assert.ErrorIs(t, validateKey(key), ErrInvalidKey, key)
	}
	assert.NoError(t, validateKey("exports/s/a.json"))
}

func TestLocalStorage_RoundTrip(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()

	require.NoError(t, s.Put(ctx, "exports/s/a.json", strings.NewReader(`{"a":1}`), PutOptions{}))

	ok, err := s.Exists(ctx, "exports/s/a.json")
	require.NoError(t, err)
	assert.True(t, ok)

	rc, info, err := s.Get(ctx, "exports/s/a.json")
	require.NoError(t, err)
	body, _ := io.ReadAll(rc)
	rc.Close()
	assert.Equal(t, `{"a":1}`, string(body))
	assert.Equal(t, int64(7), info.Size)
	assert.Equal(t, "application/json", info.ContentType)

	url, err := s.URL(ctx, "exports/s/a.json", 0)
	require.NoError(t, err)
	assert.Equal(t, "http://localhost:8080/exports/exports/s/a.json", url)

	err = s.Put(ctx, "exports/s/a.json", strings.NewReader("x"), PutOptions{})
	assert.ErrorIs(t, err, ErrKeyExists)
	require.NoError(t, s.Put(ctx, "exports/s/a.json", strings.NewReader("x"), PutOptions{Overwrite: true}))

	require.NoError(t, s.Delete(ctx, "exports/s/a.json"))
	require.NoError(t, s.Delete(ctx, "exports/s/a.json"))
	_, _, err = s.Get(ctx, "exports/s/a.json")
	assert.True(t, IsNotFound(err))
}

func TestLocalStorage_TooLargeLeavesNothing(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()

	err := s.Put(ctx, "exports/big.csv", strings.NewReader("0123456789"), PutOptions{MaxSize: 4})
	assert.ErrorIs(t, err, ErrTooLarge)

	entries, err := os.ReadDir(filepath.Join(s.basePath, "exports"))
	require.NoError(t, err)
	assert.Empty(t, entries)
}

func TestLocalStorage_RejectsTraversal(t *testing.T) {
	s := newLocal(t)
	err := s.Put(context.Background(), "../escape.json", strings.NewReader("x"), PutOptions{})
	assert.ErrorIs(t, err, ErrInvalidKey)
}

func TestLocalStorage_List(t *testing.T) {
	s := newLocal(t)
	ctx := context.Background()

	objects, err := s.List(ctx, "exports/none/")
	require.NoError(t, err)
	assert.Empty(t, objects)

	require.NoError(t, s.Put(ctx, "exports/s1/old.json", strings.NewReader("1"), PutOptions{}))
	require.NoError(t, s.Put(ctx, "exports/s1/new.csv", strings.NewReader("22"), PutOptions{}))
	require.NoError(t, s.Put(ctx, "exports/s2/other.json", strings.NewReader("3"), PutOptions{}))

	past := time.Now().Add(-time.Hour)
	require.NoError(t, os.Chtimes(filepath.Join(s.basePath, "exports/s1/old.json"), past, past))

	objects, err = s.List(ctx, "exports/s1/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "exports/s1/new.csv", objects[0].Key)
	assert.Equal(t, "exports/s1/old.json", objects[1].Key)
	assert.Equal(t, "text/csv; charset=utf-8", objects[0].ContentType)

	all, err := s.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 3)
}

func TestContentType(t *testing.T) {
	assert.Equal(t, "application/json", ContentType("a/b.JSON"))
	assert.Equal(t, "text/csv; charset=utf-8", ContentType("a.csv"))
	assert.Equal(t, "application/yaml", ContentType("a.yml"))
	assert.Equal(t, "application/octet-stream", ContentType("noext"))
}

func TestToDomain(t *testing.T) {
	wrap := func(err error) error { return &StorageError{Op: "get", Key: "k", Err: err} }

	assert.Nil(t, ToDomain(nil, "op"))
	assert.Equal(t, domain.ENOTFOUND, domain.ErrorCode(ToDomain(wrap(ErrNotFound), "op")))
	assert.Equal(t, domain.EINVALID, domain.ErrorCode(ToDomain(wrap(ErrInvalidKey), "op")))
	assert.Equal(t, domain.ECONFIG, domain.ErrorCode(ToDomain(wrap(ErrAccessDenied), "op")))
	assert.Equal(t, domain.EINTERNAL, domain.ErrorCode(ToDomain(errors.New("disk"), "op")))
}

func TestWrapS3Error(t *testing.T) {
	assert.ErrorIs(t, wrapS3Error(&smithy.GenericAPIError{Code: "NoSuchKey"}), ErrNotFound)
	assert.ErrorIs(t, wrapS3Error(&smithy.GenericAPIError{Code: "AccessDenied"}), ErrAccessDenied)

	err := wrapS3Error(errors.New("socket closed"))
	assert.NotErrorIs(t, err, ErrNotFound)
	assert.Contains(t, err.Error(), "socket closed")
}

func TestNew(t *testing.T) {
	_, err := New(Config{Provider: "ftp"}, discard())
	assert.Equal(t, domain.ECONFIG, domain.ErrorCode(err))

	s, err := New(Config{Provider: ProviderLocal, Local: LocalConfig{BasePath: t.TempDir()}}, discard())
	require.NoError(t, err)
	assert.IsType(t, &LocalStorage{}, s)

	_, err = New(Config{Provider: ProviderR2, R2: R2Config{AccountID: "acct"}}, discard())
	assert.Equal(t, domain.ECONFIG, domain.ErrorCode(err))
}

func TestR2Endpoint(t *testing.T) {
	assert.Equal(t, "https://acct.r2.cloudflarestorage.com", r2Endpoint(R2Config{AccountID: "acct"}))
	assert.Equal(t, "http://minio:9000", r2Endpoint(R2Config{AccountID: "acct", Endpoint: "http://minio:9000/"}))
}

func TestR2Storage_ExistsAndList(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch {
		case r.Method == http.MethodHead && r.URL.Path == "/bucket/exports/s/a.json":
			w.WriteHeader(http.StatusOK)
		case r.Method == http.MethodHead:
			w.WriteHeader(http.StatusNotFound)
		case r.Method == http.MethodGet && r.URL.Path == "/bucket" && r.URL.Query().Get("list-type") == "2":
			assert.Equal(t, "exports/s/", r.URL.Query().Get("prefix"))
			w.Header().Set("Content-Type", "application/xml")
			io.WriteString(w, `<?xml version="1.0" encoding="UTF-8"?>
<ListBucketResult xmlns="http://s3.amazonaws.com/doc/2006-03-01/">
  <Name>bucket</Name>
  <Prefix>exports/s/</Prefix>
  <KeyCount>2</KeyCount>
  <MaxKeys>1000</MaxKeys>
  <IsTruncated>false</IsTruncated>
  <Contents><Key>exports/s/a.json</Key><LastModified>2026-03-12T10:00:00.000Z</LastModified><ETag>"a"</ETag><Size>12</Size></Contents>
  <Contents><Key>exports/s/b.csv</Key><LastModified>2026-03-12T11:00:00.000Z</LastModified><ETag>"b"</ETag><Size>30</Size></Contents>
</ListBucketResult>`)
		default:
			http.Error(w, "unexpected", http.StatusBadRequest)
		}
	}))
	defer srv.Close()

	s, err := NewR2Storage(R2Config{
		Endpoint:        srv.URL,
		AccessKeyID:     "key",
		SecretAccessKey: "secret",
		BucketName:      "bucket",
	}, discard())
	require.NoError(t, err)
	ctx := context.Background()

	ok, err := s.Exists(ctx, "exports/s/a.json")
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = s.Exists(ctx, "exports/s/missing.json")
	require.NoError(t, err)
	assert.False(t, ok)

	objects, err := s.List(ctx, "exports/s/")
	require.NoError(t, err)
	require.Len(t, objects, 2)
	assert.Equal(t, "exports/s/b.csv", objects[0].Key)
	assert.Equal(t, int64(30), objects[0].Size)
	assert.Equal(t, "exports/s/a.json", objects[1].Key)
}
