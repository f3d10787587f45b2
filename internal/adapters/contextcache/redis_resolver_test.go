package contextcache

import (
	"context"
	"errors"
	"sort"
	"testing"

	"github.com/alicebob/miniredis/v2"
	"github.com/go-redis/redis/v8"
	"github.com/stretchr/testify/require"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/ports"
)

func newTestResolver(t *testing.T) (*Resolver, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr(), MaxRetries: -1})
	t.Cleanup(func() { _ = rdb.Close() })
	return NewWithClient(rdb, Config{}, nopObs{}), mr
}

func TestResolveHit(t *testing.T) {
	r, mr := newTestResolver(t)
	mr.Set("context:QM-BATCH-1", `{"product":"WIDGET-A","batch":7}`)

	res := r.Resolve(context.Background(), "QM-BATCH-1")
	require.Equal(t, ports.LookupHit, res.Status)
	require.NoError(t, res.Err)
	require.True(t, res.Payload.Hit)
	require.Equal(t, "WIDGET-A", res.Payload.Data["product"])
	require.Equal(t, float64(7), res.Payload.Data["batch"])
	require.False(t, res.Payload.ResolvedAt.IsZero())
}

func TestResolveMiss(t *testing.T) {
	r, _ := newTestResolver(t)

	res := r.Resolve(context.Background(), "unknown")
	require.Equal(t, ports.LookupMiss, res.Status)
	require.ErrorIs(t, res.Err, domain.ErrContextNotFound)
	require.False(t, res.Payload.Hit)
	require.Equal(t, "unknown", res.Payload.Identifier)
}

func TestResolveMalformedPayloadIsMiss(t *testing.T) {
	r, mr := newTestResolver(t)
	mr.Set("context:bad", `{"product":`)
	mr.Set("context:list", `[1,2,3]`)

	for _, id := range []string{"bad", "list"} {
		res := r.Resolve(context.Background(), id)
		require.Equal(t, ports.LookupMiss, res.Status, id)
		require.ErrorIs(t, res.Err, domain.ErrContextNotFound)
	}
}

func TestResolveUnavailable(t *testing.T) {
	r, mr := newTestResolver(t)
	mr.Close()

	res := r.Resolve(context.Background(), "QM-BATCH-1")
	require.Equal(t, ports.LookupUnavailable, res.Status)
	require.ErrorIs(t, res.Err, domain.ErrContextUnavailable)
}

func TestResolveHonoursNamespace(t *testing.T) {
	mr := miniredis.RunT(t)
	rdb := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	defer rdb.Close()
	r := NewWithClient(rdb, Config{Namespace: "cid"}, nopObs{})
	mr.Set("cid:A", `{"line":"3"}`)

	require.Equal(t, ports.LookupHit, r.Resolve(context.Background(), "A").Status)
}

func TestRuntimeKeysScansByDevice(t *testing.T) {
	r, mr := newTestResolver(t)
	mr.Set("runtime:press-1:cycle", "1")
	mr.Set("runtime:press-1:mode", "auto")
	mr.Set("runtime:oven-2:mode", "idle")
	mr.Set("context:press-1", "{}")

	keys, next, err := r.RuntimeKeys(context.Background(), "press-1", 0)
	require.NoError(t, err)
	require.Zero(t, next)
	sort.Strings(keys)
	require.Equal(t, []string{"runtime:press-1:cycle", "runtime:press-1:mode"}, keys)
}

func TestScanCountIsBounded(t *testing.T) {
	r := NewWithClient(nil, Config{ScanCount: 10_000}, nopObs{})
	require.EqualValues(t, maxScanCount, r.scanCount)
	r = NewWithClient(nil, Config{}, nopObs{})
	require.EqualValues(t, defaultScanCount, r.scanCount)
}

func TestIteratorResumesFromCursor(t *testing.T) {
	sc := &pagedScanner{pages: map[uint64]page{
		0:  {keys: []string{"a", "b"}, next: 17},
		17: {keys: nil, next: 42},
		42: {keys: []string{"c"}, next: 0},
	}}

	it := NewIterator(sc, "runtime:x:*", 0)
	keys, err := it.Next(context.Background())
	require.NoError(t, err)
	require.Equal(t, []string{"a", "b"}, keys)
	require.False(t, it.Done())

	resumed := NewIterator(sc, "runtime:x:*", it.Cursor())
	var all []string
	for !resumed.Done() {
		page, err := resumed.Next(context.Background())
		require.NoError(t, err)
		all = append(all, page...)
	}
	require.Equal(t, []string{"c"}, all)
	require.Equal(t, 3, sc.calls)

	sc.err = errors.New("boom")
	_, err = NewIterator(sc, "x", 0).Next(context.Background())
	require.Error(t, err)
}

type page struct {
	keys []string
	next uint64
}

type pagedScanner struct {
	pages map[uint64]page
	calls int
	err   error
}

func (p *pagedScanner) ScanPage(_ context.Context, _ string, cursor uint64) ([]string, uint64, error) {
	if p.err != nil {
		return nil, 0, p.err
	}
	p.calls++
	pg := p.pages[cursor]
	return pg.keys, pg.next, nil
}

type nopObs struct{}

func (nopObs) LogInfo(string, ...ports.Field)            {}
func (nopObs) LogWarn(string, ...ports.Field)            {}
func (nopObs) LogError(string, error, ...ports.Field)    {}
func (nopObs) LogCritical(string, error, ...ports.Field) {}
func (nopObs) IncCounter(string, float64)                {}
func (nopObs) ObserveLatency(string, float64)            {}
func (nopObs) SetGauge(string, float64)                  {}
func (nopObs) SetDeviceState(string, domain.ConnState)   {}
