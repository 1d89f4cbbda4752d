package eventlog

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/segmentio/kafka-go"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/agentworkforce/canvasrelay/internal/membership"
	"github.com/agentworkforce/canvasrelay/internal/store"
)

type fakeSource struct {
	mu        sync.Mutex
	pending   []kafka.Message
	committed []kafka.Message
	closed    bool
}

func (s *fakeSource) FetchMessage(ctx context.Context) (kafka.Message, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if len(s.pending) == 0 {
		return kafka.Message{}, io.EOF
	}
	msg := s.pending[0]
	s.pending = s.pending[1:]
	return msg, nil
}

func (s *fakeSource) CommitMessages(ctx context.Context, msgs ...kafka.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.committed = append(s.committed, msgs...)
	return nil
}

func (s *fakeSource) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type flakyApplier struct {
	failures int
	calls    int
	inner    Applier
}

func (a *flakyApplier) Apply(ctx context.Context, topic string, value []byte) error {
	a.calls++
	if a.calls <= a.failures {
		return errors.New("database is locked")
	}
	return a.inner.Apply(ctx, topic, value)
}

func message(topic string, offset int64, value string) kafka.Message {
	return kafka.Message{Topic: topic, Offset: offset, Value: []byte(value)}
}

func TestConsumerAppliesAndCommitsInOrder(t *testing.T) {
	projects := store.NewMemoryStore()
	mirror := membership.NewMirror(projects, zerolog.Nop())
	source := &fakeSource{pending: []kafka.Message{
		message(membership.TopicProjects, 0, `{"event":"PROJECT_CREATED","data":{"id":"p1","name":"Poster","owner_id":7}}`),
		message(membership.TopicCollaborators, 0, `{"event":"COLLABORATOR_ADDED","data":{"projectId":"p1","userId":"u2","role":"viewer"}}`),
		message(membership.TopicCollaborators, 1, `{"event":"COLLABORATOR_ROLE_UPDATED","data":{"projectId":"p1","userId":"u2","newRole":"editor"}}`),
	}}

	c := NewConsumerFromSource(source, mirror, Options{Logger: zerolog.Nop()})
	require.NoError(t, c.Run(context.Background()))

	require.Len(t, source.committed, 3)
	project, err := projects.GetProject(context.Background(), "p1")
	require.NoError(t, err)
	require.Equal(t, store.RoleOwner, project.RoleOf("7"))
	require.Equal(t, store.RoleEditor, project.RoleOf("u2"))
}

func TestConsumerCommitsMalformedMessages(t *testing.T) {
	projects := store.NewMemoryStore()
	source := &fakeSource{pending: []kafka.Message{
		message(membership.TopicProjects, 0, `not json`),
		message(membership.TopicProjects, 1, `{"event":"PROJECT_CREATED","data":{"id":"p2","name":"Deck","owner_id":"u1"}}`),
	}}

	c := NewConsumerFromSource(source, membership.NewMirror(projects, zerolog.Nop()), Options{Logger: zerolog.Nop()})
	require.NoError(t, c.Run(context.Background()))

	require.Len(t, source.committed, 2)
	_, err := projects.GetProject(context.Background(), "p2")
	require.NoError(t, err)
}

func TestConsumerRetriesTransientFailures(t *testing.T) {
	projects := store.NewMemoryStore()
	applier := &flakyApplier{failures: 2, inner: membership.NewMirror(projects, zerolog.Nop())}
	source := &fakeSource{pending: []kafka.Message{
		message(membership.TopicProjects, 0, `{"event":"PROJECT_CREATED","data":{"id":"p3","name":"Zine","owner_id":"u1"}}`),
	}}

	c := NewConsumerFromSource(source, applier, Options{Logger: zerolog.Nop(), BaseDelay: time.Millisecond, MaxDelay: 2 * time.Millisecond})
	require.NoError(t, c.Run(context.Background()))

	assert.Equal(t, 3, applier.calls)
	assert.Len(t, source.committed, 1)
}

func TestConsumerStopsRetryingOnCancel(t *testing.T) {
	applier := &flakyApplier{failures: 1 << 30}
	source := &fakeSource{pending: []kafka.Message{message(membership.TopicProjects, 0, `{}`)}}
	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()

	c := NewConsumerFromSource(source, applier, Options{Logger: zerolog.Nop(), BaseDelay: time.Millisecond, MaxDelay: 5 * time.Millisecond})
	require.NoError(t, c.Run(ctx))
	assert.Empty(t, source.committed)
}

func TestRetryDelayCaps(t *testing.T) {
	c := NewConsumerFromSource(&fakeSource{}, nil, Options{BaseDelay: 100 * time.Millisecond, MaxDelay: time.Second})
	assert.Equal(t, 100*time.Millisecond, c.retryDelay(1))
	assert.Equal(t, 400*time.Millisecond, c.retryDelay(3))
	assert.Equal(t, time.Second, c.retryDelay(10))
}

func TestDialReportsUnreachableBrokers(t *testing.T) {
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	require.NoError(t, err)
	addr := ln.Addr().String()
	require.NoError(t, ln.Close())

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()
	err = Dial(ctx, Options{Brokers: []string{addr}, DialTimeout: 200 * time.Millisecond})
	require.ErrorContains(t, err, fmt.Sprintf("brokers unreachable: %s", addr))

	require.Error(t, Dial(ctx, Options{}))
}

func TestNewConsumerRequiresGroup(t *testing.T) {
	_, err := NewConsumer(Options{Brokers: []string{"localhost:9092"}}, nil)
	require.ErrorContains(t, err, "group id is required")
}
