package testutil

import (
	"github.com/go-logr/logr"
	"github.com/stretchr/testify/mock"
)

// MockLoggerSink records log calls so tests can assert on what was logged.
type MockLoggerSink struct {
	mock.Mock
}

// NewMockLogger returns a logger backed by a MockLoggerSink that accepts Init, Enabled and
// WithValues/WithName calls. Tests set expectations for Info and Error themselves.
func NewMockLogger() (logr.Logger, *MockLoggerSink) {
	sink := &MockLoggerSink{}
	sink.On("Init", mock.Anything).Return()
	sink.On("Enabled", mock.Anything).Return(true).Maybe()
	sink.On("WithName", mock.Anything).Return(sink).Maybe()
	sink.On("WithValues", mock.Anything).Return(sink).Maybe()
	return logr.New(sink), sink
}

func (m *MockLoggerSink) Enabled(level int) bool {
	args := m.Called(level)
	return args.Bool(0)
}

func (m *MockLoggerSink) Error(err error, msg string, keysAndValues ...interface{}) {
	m.Called(err, msg, keysAndValues)
}

func (m *MockLoggerSink) Info(level int, msg string, keysAndValues ...interface{}) {
	m.Called(level, msg, keysAndValues)
}

func (m *MockLoggerSink) Init(info logr.RuntimeInfo) {
	m.Called(info)
}

func (m *MockLoggerSink) WithName(name string) logr.LogSink {
	args := m.Called(name)
	return args.Get(0).(logr.LogSink)
}

func (m *MockLoggerSink) WithValues(keysAndValues ...interface{}) logr.LogSink {
	args := m.Called(keysAndValues)
	return args.Get(0).(logr.LogSink)
}

var _ logr.LogSink = (*MockLoggerSink)(nil)
