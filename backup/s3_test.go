package backup

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"regexp"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"stockroom/config"
)

type fakeObjects struct {
	objects map[string][]byte
	putErr  error
}

func newFakeObjects() *fakeObjects {
	return &fakeObjects{objects: map[string][]byte{}}
}

func (f *fakeObjects) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.putErr != nil {
		return nil, f.putErr
	}
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeObjects) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	data, ok := f.objects[aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeObjects) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	out := &s3.ListObjectsV2Output{IsTruncated: aws.Bool(false)}
	for k := range f.objects {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestUploadDownload(t *testing.T) {
	objs := newFakeObjects()
	sink := newSink(objs, "shop-backups", "/stockroom/")
	sink.now = func() time.Time { return time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC) }

	dir := t.TempDir()
	src := filepath.Join(dir, "users.json")
	content := []byte(`{"admin":{"username":"admin","role":"admin"}}`)
	require.NoError(t, os.WriteFile(src, content, 0o600))

	key, err := sink.Upload(context.Background(), src)
	require.NoError(t, err)
	assert.Regexp(t, regexp.MustCompile(`^stockroom/users-20250314_093000-[0-9a-f-]{36}\.json$`), key)
	assert.Equal(t, content, objs.objects[key])

	dst := filepath.Join(dir, "restored", "users.json")
	require.NoError(t, sink.Download(context.Background(), key, dst))
	got, err := os.ReadFile(dst)
	require.NoError(t, err)
	assert.Equal(t, content, got)

	info, err := os.Stat(dst)
	require.NoError(t, err)
	assert.Equal(t, os.FileMode(0o600), info.Mode().Perm())
}

func TestUploadErrors(t *testing.T) {
	objs := newFakeObjects()
	sink := newSink(objs, "b", "")

	_, err := sink.Upload(context.Background(), filepath.Join(t.TempDir(), "missing.json"))
	assert.ErrorIs(t, err, os.ErrNotExist)

	src := filepath.Join(t.TempDir(), "users.json")
	require.NoError(t, os.WriteFile(src, []byte("{}"), 0o600))
	objs.putErr = errors.New("access denied")
	_, err = sink.Upload(context.Background(), src)
	assert.ErrorContains(t, err, "access denied")

	err = sink.Download(context.Background(), "nope.json", filepath.Join(t.TempDir(), "x.json"))
	var noKey *types.NoSuchKey
	assert.ErrorAs(t, err, &noKey)
	assert.ErrorIs(t, err, ErrObjectNotFound)
}

func TestListNewestFirst(t *testing.T) {
	objs := newFakeObjects()
	objs.objects["p/users-20250101_000000-a.json"] = nil
	objs.objects["p/users-20250314_093000-b.json"] = nil
	objs.objects["p/users-20240601_120000-c.json"] = nil
	sink := newSink(objs, "b", "p")

	keys, err := sink.List(context.Background())
	require.NoError(t, err)
	assert.Equal(t, []string{
		"p/users-20250314_093000-b.json",
		"p/users-20250101_000000-a.json",
		"p/users-20240601_120000-c.json",
	}, keys)
}

func TestNewS3SinkRequiresBucket(t *testing.T) {
	_, err := NewS3Sink(context.Background(), config.Backup{})
	assert.ErrorIs(t, err, ErrNotConfigured)
}

func TestNewS3SinkStaticCredentials(t *testing.T) {
	sink, err := NewS3Sink(context.Background(), config.Backup{
		S3Bucket:    "shop-backups",
		S3Endpoint:  "http://127.0.0.1:9000",
		S3AccessKey: "minio",
		S3SecretKey: "minio-secret",
		S3Prefix:    "stockroom",
	})
	require.NoError(t, err)
	assert.Equal(t, "shop-backups", sink.Bucket())
	assert.Equal(t, "stockroom", sink.prefix)
}

func TestSnapshotNameUniqueWithinSecond(t *testing.T) {
	at := time.Date(2025, 3, 14, 9, 30, 0, 0, time.UTC)
	a, b := SnapshotName(at), SnapshotName(at)
	assert.NotEqual(t, a, b)
	assert.Regexp(t, `^users-20250314_093000-[0-9a-f-]{36}\.json$`, a)
}
