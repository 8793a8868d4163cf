// Package handlers provides HTTP handlers for the runledger server.
//
// Each handler is in its own file and implements http.Handler.
// Handlers use interfaces to access server dependencies, avoiding
// circular imports.
package handlers

import (
	"context"
	"time"

	"github.com/nomis52/runledger/config"
	"github.com/nomis52/runledger/query"
	"github.com/nomis52/runledger/runlog"
	"github.com/nomis52/runledger/server/types"
)

// ConfigProvider provides access to the current configuration.
type ConfigProvider interface {
	Config() *config.ServerConfig
}

// Reloader can reload its configuration.
type Reloader interface {
	Reload() error
}

// RunQuerier answers run history queries. *query.Engine implements it.
type RunQuerier interface {
	RecentRange() runlog.TimeRange
	Since(from time.Time) runlog.TimeRange
	ListRuns(ctx context.Context, tr runlog.TimeRange, full, detail bool, lo runlog.LimitOffset) (query.RunList, error)
	GetRunDetail(ctx context.Context, id int64, lo runlog.LimitOffset) (query.RunDetail, error)
}

// StatusProvider provides the data behind the status endpoint.
type StatusProvider interface {
	Properties() types.ServerProperties
	Config() *config.ServerConfig
	NextPrune() *time.Time
}
