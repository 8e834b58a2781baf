package storage

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"io"
	"os"
	"path/filepath"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/aws/smithy-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeS3 struct {
	objects map[string]map[string]string
	bodies  map[string][]byte
	headErr error
	puts    int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: map[string]map[string]string{}, bodies: map[string][]byte{}}
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	f.puts++
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	key := aws.ToString(in.Bucket) + "/" + aws.ToString(in.Key)
	f.objects[key] = in.Metadata
	f.bodies[key] = body
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) HeadObject(_ context.Context, in *s3.HeadObjectInput, _ ...func(*s3.Options)) (*s3.HeadObjectOutput, error) {
	if f.headErr != nil {
		return nil, f.headErr
	}
	meta, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NotFound{}
	}
	return &s3.HeadObjectOutput{Metadata: meta}, nil
}

func writeArtifact(t *testing.T, body []byte) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "R-4.0.0.zip")
	require.NoError(t, os.WriteFile(p, body, 0644))
	return p
}

func TestPublish(t *testing.T) {
	api := newFakeS3()
	c := New(api, "artifacts", "r-builds")
	body := []byte("artifact bytes")
	local := writeArtifact(t, body)

	res, err := c.Publish(context.Background(), local, "4.0.0/R.zip")
	require.NoError(t, err)

	sum := sha256.Sum256(body)
	assert.Equal(t, "s3://artifacts/r-builds/4.0.0/R.zip", res.URI)
	assert.Equal(t, hex.EncodeToString(sum[:]), res.SHA256)
	assert.Equal(t, int64(len(body)), res.Size)
	assert.False(t, res.Skipped)
	assert.Equal(t, body, api.bodies["artifacts/r-builds/4.0.0/R.zip"])
	assert.Equal(t, res.SHA256, api.objects["artifacts/r-builds/4.0.0/R.zip"]["sha256"])
}

func TestPublish_SkipsUnchanged(t *testing.T) {
	api := newFakeS3()
	c := New(api, "artifacts", "")
	local := writeArtifact(t, []byte("same"))

	_, err := c.Publish(context.Background(), local, "R.zip")
	require.NoError(t, err)
	res, err := c.Publish(context.Background(), local, "R.zip")
	require.NoError(t, err)

	assert.True(t, res.Skipped)
	assert.Equal(t, 1, api.puts)
}

func TestPublish_HeadFailure(t *testing.T) {
	api := newFakeS3()
	api.headErr = &smithy.GenericAPIError{Code: "AccessDenied", Message: "denied"}
	c := New(api, "artifacts", "")

	_, err := c.Publish(context.Background(), writeArtifact(t, []byte("x")), "R.zip")
	require.Error(t, err)
	assert.Equal(t, 0, api.puts)
}

func TestPublish_MissingFile(t *testing.T) {
	c := New(newFakeS3(), "artifacts", "")
	_, err := c.Publish(context.Background(), filepath.Join(t.TempDir(), "missing"), "R.zip")
	assert.Error(t, err)
}

func TestExists(t *testing.T) {
	api := newFakeS3()
	c := New(api, "artifacts", "builds")

	exists, err := c.Exists(context.Background(), "R.zip")
	require.NoError(t, err)
	assert.False(t, exists)

	_, err = c.Publish(context.Background(), writeArtifact(t, []byte("x")), "R.zip")
	require.NoError(t, err)

	exists, err = c.Exists(context.Background(), "R.zip")
	require.NoError(t, err)
	assert.True(t, exists)
}
