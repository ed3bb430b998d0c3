package backends

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/juju/clock/testclock"
)

type fakeObject struct {
	body     []byte
	metadata map[string]string
}

// fakeS3 is an in-memory stand-in for the S3 API.
type fakeS3 struct {
	mu      sync.Mutex
	objects map[string]fakeObject
	deletes int
}

func newFakeS3() *fakeS3 {
	return &fakeS3{objects: make(map[string]fakeObject)}
}

func (f *fakeS3) GetObject(_ context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	obj, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{
		Body:     io.NopCloser(bytes.NewReader(obj.body)),
		Metadata: obj.metadata,
	}, nil
}

func (f *fakeS3) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.mu.Lock()
	defer f.mu.Unlock()
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = fakeObject{body: body, metadata: in.Metadata}
	return &s3.PutObjectOutput{}, nil
}

func (f *fakeS3) DeleteObject(_ context.Context, in *s3.DeleteObjectInput, _ ...func(*s3.Options)) (*s3.DeleteObjectOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.objects, aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key))
	f.deletes++
	return &s3.DeleteObjectOutput{}, nil
}

func (f *fakeS3) ListObjectsV2(_ context.Context, in *s3.ListObjectsV2Input, _ ...func(*s3.Options)) (*s3.ListObjectsV2Output, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	bucketPrefix := aws.ToString(in.Bucket) + "/"
	var keys []string
	for k := range f.objects {
		if !strings.HasPrefix(k, bucketPrefix) {
			continue
		}
		key := strings.TrimPrefix(k, bucketPrefix)
		if strings.HasPrefix(key, aws.ToString(in.Prefix)) {
			keys = append(keys, key)
		}
	}
	sort.Strings(keys)
	out := &s3.ListObjectsV2Output{}
	for _, k := range keys {
		out.Contents = append(out.Contents, types.Object{Key: aws.String(k)})
	}
	return out, nil
}

func TestS3Backend(t *testing.T) {
	clk := testclock.NewClock(epoch)
	testBackendContract(t, NewS3(newFakeS3(), "cache-bucket", "plugit", clk, nil), clk)
}

func TestS3BackendClearKeepsOtherPrefixes(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	clk := testclock.NewClock(epoch)

	mine := NewS3(fake, "cache-bucket", "plugit/", clk, nil)
	other := NewS3(fake, "cache-bucket", "other", clk, nil)

	mine.Set(ctx, "k", []byte("mine"), NoExpiration)
	other.Set(ctx, "k", []byte("other"), NoExpiration)

	if err := mine.Clear(); err != nil {
		t.Fatalf("Clear: %v", err)
	}
	if _, miss, _ := mine.Get(ctx, "k"); !miss {
		t.Errorf("Expected cleared entry to miss")
	}
	if value, miss, _ := other.Get(ctx, "k"); miss || string(value) != "other" {
		t.Errorf("Expected other prefix untouched, got miss=%v value=%q", miss, value)
	}
}

func TestS3BackendDeletesExpiredObjects(t *testing.T) {
	ctx := context.Background()
	fake := newFakeS3()
	clk := testclock.NewClock(epoch)
	b := NewS3(fake, "cache-bucket", "", clk, nil)

	b.Set(ctx, "k", []byte("v"), time.Minute)
	clk.Advance(2 * time.Minute)

	if _, miss, err := b.Get(ctx, "k"); err != nil || !miss {
		t.Fatalf("Expected miss, got miss=%v err=%v", miss, err)
	}
	if fake.deletes != 1 {
		t.Errorf("Expected expired object to be deleted, saw %d deletes", fake.deletes)
	}
}

func TestDebugBackendLogs(t *testing.T) {
	ctx := context.Background()
	var buf bytes.Buffer
	logger := slog.New(slog.NewTextHandler(&buf, &slog.HandlerOptions{Level: slog.LevelDebug}))

	inner, err := NewMemory(4, nil)
	if err != nil {
		t.Fatalf("NewMemory: %v", err)
	}
	d := NewDebug(inner, logger)

	d.Get(ctx, "k")
	d.Set(ctx, "k", []byte("v"), NoExpiration)
	d.Get(ctx, "k")

	out := buf.String()
	for _, want := range []string{"cache miss", "cache set", "ttl=forever", "cache hit"} {
		if !strings.Contains(out, want) {
			t.Errorf("Expected log output to contain %q, got:\n%s", want, out)
		}
	}
}
