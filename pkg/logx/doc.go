// Package logx wraps zerolog behind a small Logger value type so components
// can log through a stable API while sinks and levels are swapped at runtime
// on config reload.
package logx
