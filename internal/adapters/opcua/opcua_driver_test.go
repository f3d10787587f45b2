package opcua

import (
	"context"
	"io"
	"testing"

	"github.com/gopcua/opcua/ua"
	"github.com/stretchr/testify/require"

	"github.com/Context-Injection-Edge/Context-Edge-sub001/internal/domain"
)

func testDevice() domain.Device {
	return domain.Device{
		ID:       "oven-3",
		Protocol: domain.ProtocolOPCUA,
		Endpoint: "opc.tcp://oven-3:4840",
		Sensors: map[string]domain.SensorConfig{
			"pressure": {Address: "ns=2;s=Oven.Pressure"},
			"temp":     {Address: "ns=2;s=Oven.Temp", Scale: 10},
		},
	}
}

func TestNewDriverRejectsBadNodeID(t *testing.T) {
	dev := testDevice()
	dev.Sensors["broken"] = domain.SensorConfig{Address: "not a node"}
	_, err := NewDriver(dev)
	require.ErrorIs(t, err, domain.ErrConfig)
}

func TestDriverReadBatchesAllNodes(t *testing.T) {
	fake := &fakeSession{resp: &ua.ReadResponse{Results: []*ua.DataValue{
		{Status: ua.StatusBadNodeIDUnknown},
		{Status: ua.StatusOK, Value: ua.MustVariant(int32(850))},
	}}}
	d := connected(t, fake)

	vals, err := d.Read(context.Background(), testDevice().Sensors)
	require.NoError(t, err)
	require.Equal(t, 1, fake.calls)
	require.Len(t, fake.last.NodesToRead, 2)

	require.Equal(t, "pressure", vals[0].Name)
	require.Error(t, vals[0].Err)
	require.Equal(t, "temp", vals[1].Name)
	require.NoError(t, vals[1].Err)
	require.Equal(t, 850.0, vals[1].Value)
}

func TestDriverReadClassifiesErrors(t *testing.T) {
	d := connected(t, &fakeSession{err: io.EOF})
	_, err := d.Read(context.Background(), testDevice().Sensors)
	require.ErrorIs(t, err, domain.ErrConnection)

	d = connected(t, &fakeSession{err: context.DeadlineExceeded})
	_, err = d.Read(context.Background(), testDevice().Sensors)
	require.ErrorIs(t, err, domain.ErrReadTimeout)
}

func TestDriverReadWithoutSession(t *testing.T) {
	d, err := NewDriver(testDevice())
	require.NoError(t, err)
	_, err = d.Read(context.Background(), testDevice().Sensors)
	require.ErrorIs(t, err, domain.ErrConnection)
}

func TestVariantToFloat(t *testing.T) {
	for _, in := range []any{float32(2), float64(2), int16(2), uint32(2), int64(2)} {
		v, ok := variantToFloat(ua.MustVariant(in))
		require.True(t, ok, "%T", in)
		require.Equal(t, 2.0, v)
	}
	v, ok := variantToFloat(ua.MustVariant(true))
	require.True(t, ok)
	require.Equal(t, 1.0, v)

	_, ok = variantToFloat(ua.MustVariant("text"))
	require.False(t, ok)
	_, ok = variantToFloat(nil)
	require.False(t, ok)
}

func TestNormalizeSecurityMode(t *testing.T) {
	require.Equal(t, "Sign", normalizeSecurityMode("sign"))
	require.Equal(t, "SignAndEncrypt", normalizeSecurityMode("sign+encrypt"))
	require.Equal(t, "None", normalizeSecurityMode(""))
	require.Equal(t, "None", normalizeSecurityPolicy(""))
}

func connected(t *testing.T, s *fakeSession) *Driver {
	t.Helper()
	d, err := NewDriver(testDevice())
	require.NoError(t, err)
	d.dial = func(context.Context) (session, error) { return s, nil }
	require.NoError(t, d.Connect(context.Background()))
	return d
}

type fakeSession struct {
	resp  *ua.ReadResponse
	err   error
	calls int
	last  *ua.ReadRequest
}

func (f *fakeSession) Read(_ context.Context, req *ua.ReadRequest) (*ua.ReadResponse, error) {
	f.calls++
	f.last = req
	return f.resp, f.err
}

func (f *fakeSession) Close(context.Context) error { return nil }
