package notify

import (
	"github.com/mercatoapp/mercato-server/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockNotifier struct {
	mock.Mock
}

func (m *MockNotifier) NotifyNewMessage(user types.User, msg types.Message) error {
	args := m.Called(user, msg)
	return args.Error(0)
}

func (m *MockNotifier) NotifyMissedCall(user types.User, call types.Call) error {
	args := m.Called(user, call)
	return args.Error(0)
}
