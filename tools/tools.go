//go:build tools
// +build tools

// Package tools documents development tool dependencies.
// These tools run through `go run tool@version` from go:generate directives,
// so they are pinned here rather than tracked in go.mod.
package tools

// Development tools:
//
// mockgen - generates the interface mocks under internal/mocks
//   Run: go generate ./internal/mocks
//   Version: go.uber.org/mock/mockgen@v0.6.0 (pinned in generate.go)
//   Docs: https://github.com/uber-go/mock
