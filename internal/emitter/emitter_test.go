package emitter

import (
	"context"
	"errors"
	"testing"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yairfalse/podsync/observer"
	"github.com/yairfalse/podsync/storage"
)

// mockEmitter implements Emitter for testing.
type mockEmitter struct {
	emitCalls  int
	closeCalls int
	emitErr    error
	closeErr   error
	views      []observer.View
}

func (m *mockEmitter) Emit(_ context.Context, v observer.View) error {
	m.emitCalls++
	m.views = append(m.views, v)
	return m.emitErr
}

func (m *mockEmitter) Close() error {
	m.closeCalls++
	return m.closeErr
}

func TestMultiEmitter_Emit(t *testing.T) {
	e1 := &mockEmitter{}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Emit(context.Background(), observer.View{Snapshot: storage.Snapshot{Revision: 7}})

	require.NoError(t, err)
	assert.Equal(t, 1, e1.emitCalls)
	assert.Equal(t, 1, e2.emitCalls)
	require.Len(t, e2.views, 1)
	assert.Equal(t, int64(7), e2.views[0].Revision)
}

func TestMultiEmitter_Emit_Error(t *testing.T) {
	e1 := &mockEmitter{emitErr: errors.New("emit failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	err := multi.Emit(context.Background(), observer.View{})

	assert.Error(t, err)
	assert.Equal(t, 1, e1.emitCalls)
	assert.Equal(t, 0, e2.emitCalls) // stops on first error
}

func TestMultiEmitter_Close(t *testing.T) {
	e1 := &mockEmitter{}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	require.NoError(t, multi.Close())
	assert.Equal(t, 1, e1.closeCalls)
	assert.Equal(t, 1, e2.closeCalls)
}

func TestMultiEmitter_Close_Error(t *testing.T) {
	e1 := &mockEmitter{closeErr: errors.New("close failed")}
	e2 := &mockEmitter{}
	multi := NewMultiEmitter(e1, e2)

	assert.Error(t, multi.Close())
	assert.Equal(t, 1, e1.closeCalls)
	assert.Equal(t, 0, e2.closeCalls)
}

func TestMultiEmitter_Empty(t *testing.T) {
	multi := NewMultiEmitter()

	require.NoError(t, multi.Emit(context.Background(), observer.View{}))
	require.NoError(t, multi.Close())
}

func TestAsObserver_SwallowsErrors(t *testing.T) {
	e := &mockEmitter{emitErr: errors.New("backend down")}
	obs := AsObserver(context.Background(), e, zerolog.Nop())

	assert.NotPanics(t, func() { obs.OnSnapshot(observer.View{}) })
	assert.Equal(t, 1, e.emitCalls)
}
