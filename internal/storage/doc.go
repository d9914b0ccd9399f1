// Package storage provides the durable append/read store behind the
// scheduler and task queue:
//
//   - schedule firing state (last/next fire per schedule)
//   - an append-only task transition log, replayed on startup
package storage
