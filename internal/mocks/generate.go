// Package mocks provides mock implementations for testing the fnrouter scheduling system.
//
// This package uses go.uber.org/mock (gomock) to generate type-safe mocks for our repository interfaces.
// The mocks are generated using go:generate directives and provide a fluent API for setting up test expectations.
//
// To regenerate mocks after interface changes, run:
//
//	go generate ./internal/mocks
//
// Usage in tests:
//
//	ctrl := gomock.NewController(t)
//	defer ctrl.Finish()
//	mockRepo := mocks.NewMockScheduleRepository(ctrl)
//	mockRepo.EXPECT().Create(gomock.Any(), gomock.Any()).Return(schedule, nil)
package mocks

// Generate mock for ScheduleRepository interface from internal/core package.
// This creates MockScheduleRepository with methods for all ScheduleRepository interface methods.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=schedule_repository_mock.go github.com/fnrouter/fnrouter/internal/core ScheduleRepository

// Generate mock for TaskRepository interface from internal/core package.
// This creates MockTaskRepository with methods for all TaskRepository interface methods.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=task_repository_mock.go github.com/fnrouter/fnrouter/internal/core TaskRepository

// Generate mock for JobQueue interface from internal/core package.
// This creates MockJobQueue with methods for all JobQueue interface methods.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=job_queue_mock.go github.com/fnrouter/fnrouter/internal/core JobQueue

// Generate mock for CompletionStream interface from internal/core package.
// This creates MockCompletionStream with methods for all CompletionStream interface methods.
//go:generate go run go.uber.org/mock/mockgen@v0.6.0 -package=mocks -destination=completion_stream_mock.go github.com/fnrouter/fnrouter/internal/core CompletionStream
