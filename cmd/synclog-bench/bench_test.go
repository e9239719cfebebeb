package main

import (
	"context"
	"errors"
	"sync"
	"testing"

	"github.com/INLOpen/synclog/config"
	"github.com/INLOpen/synclog/core"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type recordingEnqueuer struct {
	mu  sync.Mutex
	ids []uint64
	err error
}

func (r *recordingEnqueuer) Enqueue(req *core.Request) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.err != nil {
		return r.err
	}
	r.ids = append(r.ids, req.TxnID())
	return nil
}

func TestRunProducers_IDsAreIncreasing(t *testing.T) {
	target := &recordingEnqueuer{}
	seq := &sequencer{nextID: 100, target: target}
	require.NoError(t, runProducers(context.Background(), seq, benchParams{producers: 8, perProducer: 250, payload: 16}))

	require.Len(t, target.ids, 2000)
	for i, id := range target.ids {
		assert.Equal(t, uint64(100+i), id)
	}
}

func TestRunProducers_StopsOnError(t *testing.T) {
	target := &recordingEnqueuer{err: core.ErrProcessorClosed}
	seq := &sequencer{nextID: 1, target: target}
	err := runProducers(context.Background(), seq, benchParams{producers: 2, perProducer: 10})
	assert.True(t, errors.Is(err, core.ErrProcessorClosed))
	assert.Equal(t, uint64(1), seq.nextID, "failed submissions do not consume ids")
}

func TestBenchSink(t *testing.T) {
	s := newBenchSink()
	assert.Zero(t, s.avgLatency())
	s.ProcessRequest(core.NewTxnRequest(core.TxnHeader{TxnID: 1}, nil))
	s.ProcessRequest(&core.Request{})
	assert.Equal(t, int64(2), s.forwarded.Load())
	s.Shutdown()
	s.Shutdown()
	<-s.done
}

func TestCreateLogger(t *testing.T) {
	logger, closer, err := createLogger(config.LoggingConfig{Level: "warn", Output: "none"})
	require.NoError(t, err)
	assert.NotNil(t, logger)
	assert.Nil(t, closer)

	_, _, err = createLogger(config.LoggingConfig{Level: "loud", Output: "stdout"})
	assert.Error(t, err)
	_, _, err = createLogger(config.LoggingConfig{Level: "info", Output: "file"})
	assert.Error(t, err)

	_, closer, err = createLogger(config.LoggingConfig{Level: "debug", Output: "file", File: t.TempDir() + "/bench.log"})
	require.NoError(t, err)
	require.NotNil(t, closer)
	assert.NoError(t, closer.Close())
}
