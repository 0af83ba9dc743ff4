package progress

import (
	"bytes"
	"context"
	"errors"
	"io"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/aws/aws-sdk-go-v2/service/s3/types"
	"github.com/ignite/lead-drip/internal/drip"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func sampleState() *drip.State {
	st := drip.NewState()
	signup := time.Date(2026, 3, 1, 9, 0, 0, 0, time.UTC)
	rec, _ := st.Track("lead@example.com", signup)
	rec.Segment = "active_hedger"
	rec.Sends = append(rec.Sends, drip.SendEntry{Stage: 1, StageKey: "welcome", MessageID: "m1", SentAt: signup, Status: drip.StatusDelivered})
	rec.Advance(1, signup)
	st.TotalSent = 1
	st.Runs = append(st.Runs, drip.RunRecord{ID: "run-1", Action: "run", Sent: 1})
	return st
}

func TestFileStore(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "state.json")
	store := NewFileStore(path)
	ctx := context.Background()

	st, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, st.Empty())

	require.NoError(t, store.Save(ctx, sampleState()))
	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleState(), got)

	entries, err := os.ReadDir(filepath.Dir(path))
	require.NoError(t, err)
	assert.Len(t, entries, 1, "temp files are cleaned up")
}

func TestFileStore_CorruptFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "state.json")
	require.NoError(t, os.WriteFile(path, []byte("{not json"), 0644))

	_, err := NewFileStore(path).Load(context.Background())
	assert.Error(t, err)
}

type fakeS3 struct {
	objects map[string][]byte
	getErr  error
	puts    int
}

func (f *fakeS3) GetObject(ctx context.Context, in *s3.GetObjectInput, _ ...func(*s3.Options)) (*s3.GetObjectOutput, error) {
	if f.getErr != nil {
		return nil, f.getErr
	}
	data, ok := f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)]
	if !ok {
		return nil, &types.NoSuchKey{}
	}
	return &s3.GetObjectOutput{Body: io.NopCloser(bytes.NewReader(data))}, nil
}

func (f *fakeS3) PutObject(ctx context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	data, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[aws.ToString(in.Bucket)+"/"+aws.ToString(in.Key)] = data
	f.puts++
	return &s3.PutObjectOutput{}, nil
}

func TestS3Store(t *testing.T) {
	api := &fakeS3{objects: make(map[string][]byte)}
	store := newS3Store(api, "drip-state", "lead-drip/state.json")
	ctx := context.Background()

	st, err := store.Load(ctx)
	require.NoError(t, err)
	assert.True(t, st.Empty())

	require.NoError(t, store.Save(ctx, sampleState()))
	assert.Equal(t, 1, api.puts)
	assert.Contains(t, api.objects, "drip-state/lead-drip/state.json")

	got, err := store.Load(ctx)
	require.NoError(t, err)
	assert.Equal(t, sampleState(), got)
}

func TestS3Store_LoadError(t *testing.T) {
	api := &fakeS3{objects: make(map[string][]byte), getErr: errors.New("access denied")}
	_, err := newS3Store(api, "b", "k").Load(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "s3://b/k")
}
