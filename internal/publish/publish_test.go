package publish

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/aws/aws-sdk-go-v2/service/s3"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zaptest"

	"github.com/Kocoro-lab/briefing/internal/assembly"
)

func testDocument(t *testing.T) *assembly.Document {
	t.Helper()
	a := assembly.NewAssembler(
		[]assembly.Section{{Name: "script", Key: "audioScript", Critical: true}},
		[]assembly.RequiredField{{Key: "date", Default: func(time.Time) any { return "2026-10-17" }}},
		nil, zaptest.NewLogger(t),
	)
	doc, err := a.Assemble(context.Background(), map[string]any{"script": "hello"}, nil, nil)
	require.NoError(t, err)
	return doc
}

type fakePutter struct {
	objects map[string][]byte
	err     error
}

func (f *fakePutter) PutObject(_ context.Context, in *s3.PutObjectInput, _ ...func(*s3.Options)) (*s3.PutObjectOutput, error) {
	if f.err != nil {
		return nil, f.err
	}
	body, err := io.ReadAll(in.Body)
	if err != nil {
		return nil, err
	}
	f.objects[*in.Bucket+"/"+*in.Key] = body
	return &s3.PutObjectOutput{}, nil
}

func TestS3PublisherWritesDatedAndLatest(t *testing.T) {
	putter := &fakePutter{objects: map[string][]byte{}}
	p := NewS3Publisher(putter, "news", "", zaptest.NewLogger(t))

	require.NoError(t, p.Publish(context.Background(), "run-1", testDocument(t)))
	require.Contains(t, putter.objects, "news/briefings/2026-10-17/run-1.json")
	require.Contains(t, putter.objects, "news/briefings/latest.json")

	var decoded map[string]any
	require.NoError(t, json.Unmarshal(putter.objects["news/briefings/latest.json"], &decoded))
	assert.Equal(t, "hello", decoded["audioScript"])
}

func TestRedisPublisherStoresAndAnnounces(t *testing.T) {
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	p := NewRedisPublisher(client, time.Hour, zaptest.NewLogger(t))
	t.Cleanup(func() { _ = p.Close() })

	sub := client.Subscribe(context.Background(), UpdateChannel)
	t.Cleanup(func() { _ = sub.Close() })
	_, err := sub.Receive(context.Background())
	require.NoError(t, err)

	require.NoError(t, p.Publish(context.Background(), "run-7", testDocument(t)))

	raw, err := p.Latest(context.Background())
	require.NoError(t, err)
	assert.Contains(t, string(raw), `"audioScript":"hello"`)
	assert.True(t, mr.Exists(RunKey("run-7")))
	assert.Equal(t, time.Hour, mr.TTL(LatestKey))

	msg, err := sub.ReceiveMessage(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "run-7", msg.Payload)
}

type stubPublisher struct {
	name  string
	err   error
	calls int
}

func (s *stubPublisher) Name() string { return s.name }
func (s *stubPublisher) Publish(context.Context, string, *assembly.Document) error {
	s.calls++
	return s.err
}

func TestMultiContinuesPastFailures(t *testing.T) {
	boom := errors.New("bucket unavailable")
	first := &stubPublisher{name: "s3", err: boom}
	second := &stubPublisher{name: "redis"}
	m := NewMulti(zaptest.NewLogger(t), first, second)

	err := m.Publish(context.Background(), "run-1", testDocument(t))
	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 2, m.Len())

	assert.NoError(t, NewMulti(nil).Publish(context.Background(), "run-1", testDocument(t)))
}
