package cache

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/require"

	"github.com/estoque-live/estoque-live/internal/catalog"
	"github.com/estoque-live/estoque-live/internal/remote"
)

type scriptedStore struct {
	mu      sync.Mutex
	results []func(p remote.QueryParams) (remote.QueryResult, error)
	params  []remote.QueryParams
}

func (s *scriptedStore) QueryRows(ctx context.Context, p remote.QueryParams) (remote.QueryResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.params = append(s.params, p)
	if len(s.results) == 0 {
		return remote.QueryResult{Rows: []catalog.Row{}, Count: -1}, nil
	}
	next := s.results[0]
	s.results = s.results[1:]
	return next(p)
}

func (s *scriptedStore) calls() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.params)
}

func fail(err error) func(remote.QueryParams) (remote.QueryResult, error) {
	return func(remote.QueryParams) (remote.QueryResult, error) {
		return remote.QueryResult{}, err
	}
}

func succeed(rows int, count int64) func(remote.QueryParams) (remote.QueryResult, error) {
	return func(remote.QueryParams) (remote.QueryResult, error) {
		res := remote.QueryResult{Rows: make([]catalog.Row, 0, rows), Count: count}
		for i := 0; i < rows; i++ {
			res.Rows = append(res.Rows, catalog.Row{ID: uuid.New(), Fields: catalog.Fields{}})
		}
		return res, nil
	}
}

func fastConfig(attempts int) FetcherConfig {
	return FetcherConfig{
		Timeout:     time.Second,
		MaxAttempts: attempts,
		BaseDelay:   time.Millisecond,
		MaxDelay:    4 * time.Millisecond,
	}
}

func TestFetchSucceedsOnThirdAttempt(t *testing.T) {
	store := &scriptedStore{results: []func(remote.QueryParams) (remote.QueryResult, error){
		fail(errors.New("transient")),
		fail(errors.New("transient")),
		succeed(2, 2),
	}}
	f := NewFetcher(store, fastConfig(3), nil, nil)

	res, err := f.FetchPage(context.Background(), uuid.New(), 0, 50)
	require.NoError(t, err)
	require.Len(t, res.Rows, 2)
	require.Equal(t, 3, store.calls())
}

func TestFetchGivesUpAfterMaxAttempts(t *testing.T) {
	boom := errors.New("down")
	store := &scriptedStore{results: []func(remote.QueryParams) (remote.QueryResult, error){
		fail(boom), fail(boom), fail(boom),
	}}
	f := NewFetcher(store, fastConfig(3), nil, nil)

	_, err := f.FetchPage(context.Background(), uuid.New(), 1, 50)
	require.ErrorIs(t, err, boom)
	require.Equal(t, 3, store.calls())
}

func TestFetchAbortsOnCancelledContext(t *testing.T) {
	store := &scriptedStore{results: []func(remote.QueryParams) (remote.QueryResult, error){
		fail(context.Canceled),
	}}
	f := NewFetcher(store, fastConfig(3), nil, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	_, err := f.FetchPage(ctx, uuid.New(), 0, 50)
	require.ErrorIs(t, err, ErrAborted)
	require.Zero(t, store.calls())
}

func TestFetchAbortsWhenCancelledMidRetry(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	store := &scriptedStore{results: []func(remote.QueryParams) (remote.QueryResult, error){
		func(remote.QueryParams) (remote.QueryResult, error) {
			cancel()
			return remote.QueryResult{}, errors.New("transient")
		},
	}}
	f := NewFetcher(store, fastConfig(3), nil, nil)

	_, err := f.FetchPage(ctx, uuid.New(), 0, 50)
	require.ErrorIs(t, err, ErrAborted)
	require.Equal(t, 1, store.calls())
}

func TestFetchRejectsMalformedResponse(t *testing.T) {
	store := &scriptedStore{results: []func(remote.QueryParams) (remote.QueryResult, error){
		func(remote.QueryParams) (remote.QueryResult, error) {
			return remote.QueryResult{Rows: nil, Count: 0}, nil
		},
	}}
	f := NewFetcher(store, fastConfig(1), nil, nil)

	_, err := f.FetchPage(context.Background(), uuid.New(), 0, 50)
	require.ErrorIs(t, err, ErrBadResponse)
}

func TestFetchRequestsCountOnlyForFirstPage(t *testing.T) {
	store := &scriptedStore{results: []func(remote.QueryParams) (remote.QueryResult, error){
		succeed(1, 1), succeed(1, -1),
	}}
	f := NewFetcher(store, fastConfig(1), nil, nil)

	_, err := f.FetchPage(context.Background(), uuid.New(), 0, 50)
	require.NoError(t, err)
	_, err = f.FetchPage(context.Background(), uuid.New(), 1, 50)
	require.NoError(t, err)

	require.True(t, store.params[0].WithCount)
	require.Zero(t, store.params[0].Offset)
	require.False(t, store.params[1].WithCount)
	require.Equal(t, 50, store.params[1].Offset)
}
