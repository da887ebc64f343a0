package runtime

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/leo-huovi/remdis/internal/bus"
	"github.com/leo-huovi/remdis/internal/iu"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingModule struct {
	name        string
	in, out     []Topic
	mu          sync.Mutex
	received    []iu.IU
	started     bool
	shutdownSeq *[]string
}

func (m *recordingModule) Name() string                    { return m.name }
func (m *recordingModule) Topics() ([]Topic, []Topic)       { return m.in, m.out }
func (m *recordingModule) OnStart(ctx context.Context) error {
	m.started = true
	return nil
}
func (m *recordingModule) OnIU(ctx context.Context, topic Topic, msg iu.IU) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.received = append(m.received, msg)
	return nil
}
func (m *recordingModule) OnShutdown(ctx context.Context) error {
	if m.shutdownSeq != nil {
		*m.shutdownSeq = append(*m.shutdownSeq, m.name)
	}
	return nil
}

func TestHostDispatchesSequentially(t *testing.T) {
	b := bus.New()
	defer b.Close()

	logger := zerolog.Nop()
	h := NewHost(b, logger)

	mod := &recordingModule{name: "sink", in: []Topic{"asr.partial"}}
	h.Register(mod)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	// Give the subscription goroutines a moment to register.
	time.Sleep(20 * time.Millisecond)

	root := iu.New("asr", iu.AsrToken, []byte("h"), nil)
	next := iu.NewRevision("asr", root, []byte("he"), nil)
	require.NoError(t, b.Publish(ctx, "asr.partial", root))
	require.NoError(t, b.Publish(ctx, "asr.partial", next))

	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)

	mod.mu.Lock()
	defer mod.mu.Unlock()
	require.Len(t, mod.received, 2)
	assert.Equal(t, root.ID, mod.received[0].ID)
	assert.Equal(t, next.ID, mod.received[1].ID)
	assert.True(t, mod.started)
}

func TestHostDropsIUFailingRevisionProtocol(t *testing.T) {
	b := bus.New()
	defer b.Close()

	h := NewHost(b, zerolog.Nop())

	mod := &recordingModule{name: "sink", in: []Topic{"asr.partial"}}
	h.Register(mod)

	ctx, cancel := context.WithCancel(context.Background())
	go h.Run(ctx)

	time.Sleep(20 * time.Millisecond)

	orphan := iu.IU{ID: "x", PreviousID: "does-not-exist", UpdateType: iu.Add, DataType: iu.AsrToken}
	require.NoError(t, b.Publish(ctx, "asr.partial", orphan))

	root := iu.New("asr", iu.AsrToken, []byte("h"), nil)
	commit := iu.NewCommit("asr", root, nil)
	lateAdd := iu.NewRevision("asr", root, []byte("h again"), nil)
	require.NoError(t, b.Publish(ctx, "asr.partial", root))
	require.NoError(t, b.Publish(ctx, "asr.partial", commit))
	require.NoError(t, b.Publish(ctx, "asr.partial", lateAdd))

	time.Sleep(50 * time.Millisecond)
	cancel()
	time.Sleep(50 * time.Millisecond)

	mod.mu.Lock()
	defer mod.mu.Unlock()
	require.Len(t, mod.received, 2, "the unknown-previous_id orphan and the late ADD after COMMIT must both be dropped")
	assert.Equal(t, root.ID, mod.received[0].ID)
	assert.Equal(t, commit.ID, mod.received[1].ID)
}

func TestHostShutsDownInReverseOrder(t *testing.T) {
	b := bus.New()
	defer b.Close()

	h := NewHost(b, zerolog.Nop())

	var seq []string
	first := &recordingModule{name: "first", shutdownSeq: &seq}
	second := &recordingModule{name: "second", shutdownSeq: &seq}
	h.Register(first)
	h.Register(second)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		_ = h.Run(ctx)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("Run did not return after cancel")
	}

	require.Equal(t, []string{"second", "first"}, seq)
}
