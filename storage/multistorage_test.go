package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"testing"

	"github.com/ruteri/tee-secret-recovery/interfaces"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

// MockStorageBackend implements interfaces.StorageBackend for testing
type MockStorageBackend struct {
	mock.Mock
	name string
}

func (m *MockStorageBackend) Fetch(ctx context.Context, uid interfaces.UserID) ([]byte, error) {
	args := m.Called(ctx, uid)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]byte), args.Error(1)
}

func (m *MockStorageBackend) Store(ctx context.Context, uid interfaces.UserID, data []byte) error {
	args := m.Called(ctx, uid, data)
	return args.Error(0)
}

func (m *MockStorageBackend) Delete(ctx context.Context, uid interfaces.UserID) error {
	args := m.Called(ctx, uid)
	return args.Error(0)
}

func (m *MockStorageBackend) Available(ctx context.Context) bool {
	args := m.Called(ctx)
	return args.Bool(0)
}

func (m *MockStorageBackend) Name() string {
	return m.name
}

func (m *MockStorageBackend) LocationURI() string {
	return "mock:"
}

var (
	testUID  = interfaces.UserID{1, 2, 3, 4}
	testData = []byte("share set")
	testErr  = errors.New("test error")
	quietLog = slog.New(slog.NewTextHandler(io.Discard, nil))
)

func TestMultiStorageBackend_Available(t *testing.T) {
	tests := []struct {
		name     string
		backends []bool
		expected bool
	}{
		{
			name:     "all backends available",
			backends: []bool{true, true, true},
			expected: true,
		},
		{
			name:     "some backends available",
			backends: []bool{false, true, false},
			expected: true,
		},
		{
			name:     "no backends available",
			backends: []bool{false, false, false},
			expected: false,
		},
		{
			name:     "no backends",
			backends: []bool{},
			expected: false,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var backends []interfaces.StorageBackend
			for i, available := range tt.backends {
				mockStorage := &MockStorageBackend{name: fmt.Sprintf("mock-A%x", i)}
				mockStorage.On("Available", mock.Anything).Return(available).Maybe()
				backends = append(backends, mockStorage)
			}

			multi := NewMultiStorageBackend(backends, quietLog)
			assert.Equal(t, tt.expected, multi.Available(context.Background()))

			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Fetch(t *testing.T) {
	tests := []struct {
		name          string
		setupMocks    func() []interfaces.StorageBackend
		expectedData  []byte
		expectedError error
	}{
		{
			name: "first backend successful",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testUID).Return(testData, nil)

				mock2 := &MockStorageBackend{name: "mock-B"}

				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "first backend fails, second succeeds",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testUID).Return(nil, testErr)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, testUID).Return(testData, nil)

				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedData: testData,
		},
		{
			name: "missing everywhere",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testUID).Return(nil, interfaces.ErrShareSetNotFound)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, testUID).Return(nil, interfaces.ErrShareSetNotFound)

				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedError: interfaces.ErrShareSetNotFound,
		},
		{
			name: "missing on one backend, other unavailable",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testUID).Return(nil, interfaces.ErrShareSetNotFound)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(false)

				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedError: interfaces.ErrBackendUnavailable,
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Fetch", mock.Anything, testUID).Return(nil, testErr)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, testUID).Return(nil, testErr)

				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedError: testErr,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Fetch", mock.Anything, testUID).Return(testData, nil)

				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedData: testData,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, quietLog)

			data, err := multi.Fetch(context.Background(), testUID)
			if tt.expectedError != nil {
				assert.ErrorIs(t, err, tt.expectedError)
			} else {
				assert.NoError(t, err)
			}
			assert.Equal(t, tt.expectedData, data)

			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Store(t *testing.T) {
	tests := []struct {
		name          string
		setupMocks    func() []interfaces.StorageBackend
		expectedError bool
	}{
		{
			name: "all backends successful",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, testUID, testData).Return(nil)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, testUID, testData).Return(nil)

				return []interfaces.StorageBackend{mock1, mock2}
			},
		},
		{
			name: "some backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, testUID, testData).Return(nil)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, testUID, testData).Return(testErr)

				return []interfaces.StorageBackend{mock1, mock2}
			},
		},
		{
			name: "all backends fail",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(true)
				mock1.On("Store", mock.Anything, testUID, testData).Return(testErr)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, testUID, testData).Return(testErr)

				return []interfaces.StorageBackend{mock1, mock2}
			},
			expectedError: true,
		},
		{
			name: "unavailable backends are skipped",
			setupMocks: func() []interfaces.StorageBackend {
				mock1 := &MockStorageBackend{name: "mock-A"}
				mock1.On("Available", mock.Anything).Return(false)

				mock2 := &MockStorageBackend{name: "mock-B"}
				mock2.On("Available", mock.Anything).Return(true)
				mock2.On("Store", mock.Anything, testUID, testData).Return(nil)

				return []interfaces.StorageBackend{mock1, mock2}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			backends := tt.setupMocks()
			multi := NewMultiStorageBackend(backends, quietLog)

			err := multi.Store(context.Background(), testUID, testData)
			if tt.expectedError {
				assert.Error(t, err)
			} else {
				assert.NoError(t, err)
			}

			for _, backend := range backends {
				backend.(*MockStorageBackend).AssertExpectations(t)
			}
		})
	}
}

func TestMultiStorageBackend_Delete(t *testing.T) {
	mock1 := &MockStorageBackend{name: "mock-A"}
	mock1.On("Available", mock.Anything).Return(true)
	mock1.On("Delete", mock.Anything, testUID).Return(nil)

	mock2 := &MockStorageBackend{name: "mock-B"}
	mock2.On("Available", mock.Anything).Return(false)

	multi := NewMultiStorageBackend([]interfaces.StorageBackend{mock1, mock2}, quietLog)
	err := multi.Delete(context.Background(), testUID)
	require.Error(t, err)
	assert.ErrorIs(t, err, interfaces.ErrBackendUnavailable)
	assert.Contains(t, err.Error(), "mock-B")

	mock1.AssertExpectations(t)
	mock2.AssertExpectations(t)
}
