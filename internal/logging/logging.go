// Package logging bridges eventbus events to slog. Components never
// log directly; they publish typed events and this subscriber decides
// what is worth a record and at which level.
package logging

import (
	"context"
	"log/slog"

	eventbus "github.com/graphgate/graphgate/internal/eventbus"
	events "github.com/graphgate/graphgate/internal/events"
	reqid "github.com/graphgate/graphgate/internal/reqid"
)

// Subscribe registers log handlers for every gateway event on the
// global bus and returns a function that removes them all. A nil
// logger falls back to slog.Default().
func Subscribe(logger *slog.Logger) (unsubscribe func()) {
	if logger == nil {
		logger = slog.Default()
	}
	s := &subscriber{logger: logger}

	unsubs := []func(){
		eventbus.Subscribe(s.httpFinish),
		eventbus.Subscribe(s.operationFinish),
		eventbus.Subscribe(s.hookFailure),
		eventbus.Subscribe(s.analysisFailure),
		eventbus.Subscribe(s.complexityRejected),
		eventbus.Subscribe(s.persistedRegistered),
		eventbus.Subscribe(s.persistedRejected),
		eventbus.Subscribe(s.connectionReady),
		eventbus.Subscribe(s.connectionFinish),
		eventbus.Subscribe(s.subscriptionStart),
		eventbus.Subscribe(s.subscriptionFinish),
	}
	return func() {
		for _, u := range unsubs {
			u()
		}
	}
}

type subscriber struct {
	logger *slog.Logger
}

// with attaches the request or connection id when the context has one.
func (s *subscriber) with(ctx context.Context) *slog.Logger {
	if id, ok := reqid.FromContext(ctx); ok {
		return s.logger.With("request_id", id)
	}
	return s.logger
}

func (s *subscriber) httpFinish(ctx context.Context, e events.HTTPFinish) {
	s.with(ctx).Info("http request",
		"method", e.Request.Method,
		"path", e.Request.URL.Path,
		"status", e.Status,
		"duration", e.Duration)
}

func (s *subscriber) operationFinish(ctx context.Context, e events.OperationFinish) {
	s.with(ctx).Debug("operation finished",
		"operation", e.OperationName,
		"type", e.OperationType,
		"errors", len(e.Errors),
		"duration", e.Duration)
}

func (s *subscriber) hookFailure(ctx context.Context, e events.HookFailure) {
	s.with(ctx).Warn("lifecycle hook failed",
		"hook", e.Hook,
		"phase", e.Phase,
		"error", e.Err)
}

func (s *subscriber) analysisFailure(ctx context.Context, e events.AnalysisFailure) {
	s.with(ctx).Warn("complexity analysis failed, request not governed",
		"operation", e.OperationName,
		"error", e.Err)
}

func (s *subscriber) complexityRejected(ctx context.Context, e events.ComplexityRejected) {
	s.with(ctx).Warn("complexity limit exceeded",
		"operation", e.OperationName,
		"limit_type", e.LimitType,
		"limit", e.Limit,
		"actual", e.Actual)
}

func (s *subscriber) persistedRegistered(ctx context.Context, e events.PersistedRegistered) {
	s.with(ctx).Debug("persisted query registered",
		"hash", e.Hash,
		"size", e.Size)
}

func (s *subscriber) persistedRejected(ctx context.Context, e events.PersistedRejected) {
	s.with(ctx).Warn("persisted query rejected",
		"hash", e.Hash,
		"code", e.Code)
}

func (s *subscriber) connectionReady(ctx context.Context, e events.ConnectionReady) {
	s.logger.Info("subscription connection ready", "connection", e.ConnectionID)
}

func (s *subscriber) connectionFinish(ctx context.Context, e events.ConnectionFinish) {
	s.logger.Info("subscription connection closed",
		"connection", e.ConnectionID,
		"code", e.Code,
		"reason", e.Reason,
		"duration", e.Duration)
}

func (s *subscriber) subscriptionStart(ctx context.Context, e events.SubscriptionStart) {
	s.logger.Debug("subscription started",
		"connection", e.ConnectionID,
		"operation_id", e.OperationID,
		"operation", e.OperationName)
}

func (s *subscriber) subscriptionFinish(ctx context.Context, e events.SubscriptionFinish) {
	log := s.logger
	if e.Err != nil {
		log.Warn("subscription ended with error",
			"connection", e.ConnectionID,
			"operation_id", e.OperationID,
			"error", e.Err,
			"events", e.Events,
			"duration", e.Duration)
		return
	}
	log.Debug("subscription finished",
		"connection", e.ConnectionID,
		"operation_id", e.OperationID,
		"events", e.Events,
		"duration", e.Duration)
}
