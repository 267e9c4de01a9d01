package s3

import (
	"bytes"
	"context"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"

	"github.com/aws/aws-sdk-go/aws"
	"github.com/aws/aws-sdk-go/aws/awserr"
	"github.com/aws/aws-sdk-go/aws/request"
	"github.com/aws/aws-sdk-go/service/s3"
	"github.com/aws/aws-sdk-go/service/s3/s3iface"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/inferloop/fldp/internal/utils/encoding"
	"github.com/inferloop/fldp/pkg/errors"
	"github.com/inferloop/fldp/pkg/models"
)

// memoryS3 implements the subset of the S3 API the store uses.
type memoryS3 struct {
	s3iface.S3API
	mu      sync.Mutex
	bucket  string
	objects map[string][]byte
	headErr error
}

func newMemoryS3(bucket string) *memoryS3 {
	return &memoryS3{bucket: bucket, objects: make(map[string][]byte)}
}

func (m *memoryS3) HeadBucketWithContext(_ aws.Context, in *s3.HeadBucketInput, _ ...request.Option) (*s3.HeadBucketOutput, error) {
	if m.headErr != nil {
		return nil, m.headErr
	}
	return &s3.HeadBucketOutput{}, nil
}

func (m *memoryS3) ListObjectsV2PagesWithContext(_ aws.Context, in *s3.ListObjectsV2Input, fn func(*s3.ListObjectsV2Output, bool) bool, _ ...request.Option) error {
	m.mu.Lock()
	keys := make([]string, 0, len(m.objects))
	for key := range m.objects {
		if strings.HasPrefix(key, aws.StringValue(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	m.mu.Unlock()
	sort.Strings(keys)

	page := &s3.ListObjectsV2Output{}
	for _, key := range keys {
		page.Contents = append(page.Contents, &s3.Object{Key: aws.String(key)})
	}
	fn(page, true)
	return nil
}

func (m *memoryS3) GetObjectWithContext(_ aws.Context, in *s3.GetObjectInput, _ ...request.Option) (*s3.GetObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[aws.StringValue(in.Key)]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (m *memoryS3) PutObjectWithContext(_ aws.Context, in *s3.PutObjectInput, _ ...request.Option) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[aws.StringValue(in.Key)] = data
	return &s3.PutObjectOutput{}, nil
}

func (m *memoryS3) CopyObjectWithContext(_ aws.Context, in *s3.CopyObjectInput, _ ...request.Option) (*s3.CopyObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	source := strings.TrimPrefix(aws.StringValue(in.CopySource), m.bucket+"/")
	data, ok := m.objects[source]
	if !ok {
		return nil, awserr.New(s3.ErrCodeNoSuchKey, "no such key", nil)
	}
	m.objects[aws.StringValue(in.Key)] = data
	return &s3.CopyObjectOutput{}, nil
}

func (m *memoryS3) DeleteObjectWithContext(_ aws.Context, in *s3.DeleteObjectInput, _ ...request.Option) (*s3.DeleteObjectOutput, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, aws.StringValue(in.Key))
	return &s3.DeleteObjectOutput{}, nil
}

func (m *memoryS3) put(t *testing.T, key string, env *models.UpdateEnvelope) {
	t.Helper()
	data, err := encoding.EncodeEnvelope(env, strings.HasSuffix(key, ".gz"))
	require.NoError(t, err)
	m.objects[key] = data
}

func TestNewStore(t *testing.T) {
	_, err := NewStore(nil, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "config cannot be nil")

	_, err = NewStore(&Config{}, logrus.New())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bucket is required")

	store, err := NewStore(&Config{Bucket: "updates"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "us-east-1", store.config.Region)
	assert.Equal(t, 3, store.config.MaxRetries)
}

func TestGenerateKey(t *testing.T) {
	store, err := NewStore(&Config{Bucket: "updates", Prefix: "/fl/site-1/"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "fl/site-1/incoming/u.json", store.generateKey(FolderIncoming, "u.json"))
	assert.Equal(t, "fl/site-1/outgoing", store.generateKey(FolderOutgoing, ""))

	store, err = NewStore(&Config{Bucket: "updates"}, nil)
	require.NoError(t, err)
	assert.Equal(t, "processed/u.json", store.generateKey(FolderProcessed, "u.json"))
}

func TestStoreRequiresConnect(t *testing.T) {
	store, err := NewStore(&Config{Bucket: "updates"}, nil)
	require.NoError(t, err)

	_, err = store.List(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not connected")
}

func TestConnectBucketFailure(t *testing.T) {
	client := newMemoryS3("updates")
	client.headErr = awserr.New("NotFound", "bucket missing", nil)
	store, err := NewStoreWithClient(&Config{Bucket: "updates"}, client, nil)
	require.NoError(t, err)

	err = store.Connect(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "BUCKET_ACCESS_FAILED")
}

func TestStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	client := newMemoryS3("updates")
	store, err := NewStoreWithClient(&Config{Bucket: "updates", Prefix: "fl", Compression: true}, client, logrus.New())
	require.NoError(t, err)
	require.NoError(t, store.Connect(ctx))

	env := &models.UpdateEnvelope{
		Round:  2,
		Params: models.ParameterUpdate{"w": models.NewTensor([]int{2}, []float64{0.25, -0.5})},
	}
	client.put(t, "fl/incoming/u2.json", env)
	client.put(t, "fl/incoming/u1.json.gz", env)
	client.put(t, "fl/incoming/nested/u3.json", env)
	client.put(t, "fl/outgoing/old.json", env)

	keys, err := store.List(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"u1.json.gz", "u2.json"}, keys)

	loaded, err := store.Load(ctx, "u1.json.gz")
	require.NoError(t, err)
	assert.Equal(t, "u1", loaded.ID)
	assert.Equal(t, []float64{0.25, -0.5}, loaded.Params["w"].Data)

	name, err := store.Save(ctx, loaded)
	require.NoError(t, err)
	assert.Equal(t, "u1.json.gz", name)
	require.Contains(t, client.objects, "fl/outgoing/u1.json.gz")

	require.NoError(t, store.Complete(ctx, "u1.json.gz"))
	assert.Contains(t, client.objects, "fl/processed/u1.json.gz")
	assert.NotContains(t, client.objects, "fl/incoming/u1.json.gz")

	require.NoError(t, store.Fail(ctx, "u2.json"))
	assert.Contains(t, client.objects, "fl/failed/u2.json")

	_, err = store.Load(ctx, "u2.json")
	require.Error(t, err)
	assert.True(t, errors.Is(err, errors.NewStorageError(errors.CodeDataNotFound, "")))

	require.NoError(t, store.Close())
	_, err = store.List(ctx)
	assert.Error(t, err)
}
