package i2c

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"gobot.io/x/gobot/v2/drivers/i2c"
)

type MockConnector struct {
	i2c.Connector
	mock.Mock
}

func (m *MockConnector) GetI2cConnection(address int, busNr int) (i2c.Connection, error) {
	args := m.Called(address, busNr)
	c, _ := args.Get(0).(i2c.Connection)
	return c, args.Error(1)
}

func (m *MockConnector) DefaultI2cBus() int {
	return m.Called().Int(0)
}

type MockConnection struct {
	i2c.Connection
	mock.Mock
}

func (m *MockConnection) Write(b []byte) (int, error) {
	args := m.Called(b)
	return args.Int(0), args.Error(1)
}

func (m *MockConnection) Read(b []byte) (int, error) {
	args := m.Called(b)
	if fill, ok := args.Get(2).([]byte); ok {
		copy(b, fill)
	}
	return args.Int(0), args.Error(1)
}

func (m *MockConnection) Close() error {
	return m.Called().Error(0)
}

func TestGobotBus_OpensOneConnectionPerAddress(t *testing.T) {
	conn := &MockConnection{}
	conn.On("Write", []byte{0x01, 0x0F}).Return(2, nil).Twice()
	conn.On("Read", mock.Anything).Return(2, nil, []byte{0xEA, 0xCC}).Once()
	adaptor := &MockConnector{}
	adaptor.On("DefaultI2cBus").Return(1)
	adaptor.On("GetI2cConnection", 0x29, 1).Return(conn, nil).Once()

	bus := NewGobotBus(adaptor, -1)
	ctx := context.Background()
	require.NoError(t, bus.WriteToAddr(ctx, 0x29, []byte{0x01, 0x0F}))
	require.NoError(t, bus.WriteToAddr(ctx, 0x29, []byte{0x01, 0x0F}))
	buf := make([]byte, 2)
	require.NoError(t, bus.ReadFromAddr(ctx, 0x29, buf))
	assert.Equal(t, []byte{0xEA, 0xCC}, buf)
	adaptor.AssertExpectations(t)
	conn.AssertExpectations(t)
}

func TestGobotBus_ShortTransfers(t *testing.T) {
	conn := &MockConnection{}
	conn.On("Write", mock.Anything).Return(1, nil)
	conn.On("Read", mock.Anything).Return(0, nil, nil)
	adaptor := &MockConnector{}
	adaptor.On("GetI2cConnection", 0x30, 0).Return(conn, nil)

	bus := NewGobotBus(adaptor, 0)
	ctx := context.Background()
	assert.ErrorContains(t, bus.WriteToAddr(ctx, 0x30, []byte{0x00, 0x01}), "short write")
	assert.ErrorContains(t, bus.ReadFromAddr(ctx, 0x30, make([]byte, 1)), "short read")
}

func TestGobotBus_ConnectionError(t *testing.T) {
	errOpen := errors.New("no such device")
	adaptor := &MockConnector{}
	adaptor.On("GetI2cConnection", 0x30, 0).Return(nil, errOpen)
	err := NewGobotBus(adaptor, 0).WriteToAddr(context.Background(), 0x30, []byte{0x00})
	assert.ErrorIs(t, err, errOpen)
}

func TestGobotBus_CloseCombinesErrors(t *testing.T) {
	errClose := errors.New("close")
	a, b := &MockConnection{}, &MockConnection{}
	a.On("Write", mock.Anything).Return(1, nil)
	b.On("Write", mock.Anything).Return(1, nil)
	a.On("Close").Return(errClose)
	b.On("Close").Return(nil)
	adaptor := &MockConnector{}
	adaptor.On("GetI2cConnection", 0x30, 0).Return(a, nil)
	adaptor.On("GetI2cConnection", 0x31, 0).Return(b, nil)

	bus := NewGobotBus(adaptor, 0)
	ctx := context.Background()
	require.NoError(t, bus.WriteToAddr(ctx, 0x30, []byte{0x00}))
	require.NoError(t, bus.WriteToAddr(ctx, 0x31, []byte{0x00}))
	assert.ErrorIs(t, bus.Close(), errClose)
	b.AssertCalled(t, "Close")
}
