// Package transporttest provides test doubles for the transport contract.
package transporttest

import (
	"time"

	"github.com/stretchr/testify/mock"

	"github.com/chainport/chainport-go/pkg/transport"
)

// NewMockTransport creates a new instance of MockTransport. It also registers
// a testing interface on the mock and a cleanup function to assert the mocks
// expectations.
func NewMockTransport(t interface {
	mock.TestingT
	Cleanup(func())
}) *MockTransport {
	m := &MockTransport{}
	m.Mock.Test(t)

	t.Cleanup(func() { m.AssertExpectations(t) })

	return m
}

// MockTransport is a mock implementation of transport.Transport.
type MockTransport struct {
	mock.Mock
}

// Connect provides a mock function with given fields: host, port, timeout
func (m *MockTransport) Connect(host string, port int, timeout time.Duration) error {
	ret := m.Called(host, port, timeout)
	return ret.Error(0)
}

// ConnectAsync provides a mock function with given fields: host, port, timeout
func (m *MockTransport) ConnectAsync(host string, port int, timeout time.Duration) (transport.ConnectStatus, error) {
	ret := m.Called(host, port, timeout)
	return ret.Get(0).(transport.ConnectStatus), ret.Error(1)
}

// Read provides a mock function with given fields: p, timeout.
// A string or []byte first return value is copied into p.
func (m *MockTransport) Read(p []byte, timeout time.Duration) (int, error) {
	ret := m.Called(p, timeout)
	switch data := ret.Get(0).(type) {
	case []byte:
		return copy(p, data), ret.Error(1)
	case string:
		return copy(p, data), ret.Error(1)
	default:
		return ret.Int(0), ret.Error(1)
	}
}

// Write provides a mock function with given fields: p, timeout
func (m *MockTransport) Write(p []byte, timeout time.Duration) (int, error) {
	ret := m.Called(append([]byte(nil), p...), timeout)
	return ret.Int(0), ret.Error(1)
}

// PollRead provides a mock function with given fields: timeout
func (m *MockTransport) PollRead(timeout time.Duration) (bool, error) {
	ret := m.Called(timeout)
	return ret.Bool(0), ret.Error(1)
}

// PollWrite provides a mock function with given fields: timeout
func (m *MockTransport) PollWrite(timeout time.Duration) (bool, error) {
	ret := m.Called(timeout)
	return ret.Bool(0), ret.Error(1)
}

// Close provides a mock function with no fields
func (m *MockTransport) Close() error {
	ret := m.Called()
	return ret.Error(0)
}

// Destroy provides a mock function with no fields
func (m *MockTransport) Destroy() error {
	ret := m.Called()
	return ret.Error(0)
}

// DefaultPort provides a mock function with no fields
func (m *MockTransport) DefaultPort() int {
	ret := m.Called()
	return ret.Int(0)
}

var _ transport.Transport = (*MockTransport)(nil)
