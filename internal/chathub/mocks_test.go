package chathub_test

import (
	"context"

	"meetzap/backend/internal/models"

	"github.com/stretchr/testify/mock"
)

// MockSessions mocks the matchmaker calls made by the hub.
type MockSessions struct {
	mock.Mock
}

func (m *MockSessions) Session(ctx context.Context, id string) (*models.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Session), args.Error(1)
}

func (m *MockSessions) Heartbeat(ctx context.Context, id string) (*models.Session, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*models.Session), args.Error(1)
}

type MockSignals struct {
	mock.Mock
}

func (m *MockSignals) SendSignal(ctx context.Context, sig *models.Signal) error {
	return m.Called(ctx, sig).Error(0)
}

type MockChat struct {
	mock.Mock
}

func (m *MockChat) Send(ctx context.Context, msg *models.ChatMessage) error {
	return m.Called(ctx, msg).Error(0)
}
