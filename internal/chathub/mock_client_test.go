package chathub_test

import (
	"sync"
	"testing"
	"time"

	"meetzap/backend/internal/chathub"
)

type MockClient struct {
	userID string

	mu        sync.Mutex
	sessionID string
	closed    bool
	runs      int

	RecvChannel chan chathub.Frame
}

func newMockClient(userID string) *MockClient {
	return &MockClient{
		userID:      userID,
		RecvChannel: make(chan chathub.Frame, 16),
	}
}

func (c *MockClient) GetUserID() string { return c.userID }

func (c *MockClient) GetSessionID() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sessionID
}

func (c *MockClient) SetSessionID(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sessionID = id
}

func (c *MockClient) GetSendChannel() chan<- chathub.Frame { return c.RecvChannel }

func (c *MockClient) Run() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.runs++
}

func (c *MockClient) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
}

func (c *MockClient) Closed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *MockClient) recv(t *testing.T) chathub.Frame {
	t.Helper()
	select {
	case f := <-c.RecvChannel:
		return f
	case <-time.After(time.Second):
		t.Fatalf("client %s received nothing", c.userID)
		return chathub.Frame{}
	}
}
