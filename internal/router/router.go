// Package router computes the request topic subscriptions and maps request
// topics to response topics.
package router

import (
	"errors"
	"log/slog"
	"strings"

	"github.com/mattjoyce/edgecmd/internal/bus"
	"github.com/mattjoyce/edgecmd/internal/config"
	"github.com/mattjoyce/edgecmd/internal/log"
)

// ErrNoRequestTopic is returned when no request root is configured.
var ErrNoRequestTopic = errors.New("request topic root is required")

const (
	broadcastLevel = "_broadcast"
	edgeLevel      = "_edge"
)

// Router is immutable after New and safe for concurrent use.
type Router struct {
	topics  config.TopicsConfig
	filters []string
	logger  *slog.Logger
}

var _ Gate = (*Router)(nil)

// New builds a router for the configured topics. Batch mode additionally
// listens on the broadcast and edge-scoped sub-topics.
func New(topics config.TopicsConfig, mode config.Mode) (*Router, error) {
	root := strings.TrimSuffix(strings.TrimSpace(topics.RequestRoot), "/")
	if root == "" {
		return nil, ErrNoRequestTopic
	}
	topics.RequestRoot = root
	if topics.ResponseRoot == "" {
		topics.ResponseRoot = config.Defaults().Topics.ResponseRoot
	}

	filters := []string{root}
	if mode == config.ModeBatch {
		edge := topics.EdgeID
		if edge == "" {
			edge = "+"
		}
		filters = append(filters,
			root+"/"+broadcastLevel,
			root+"/"+edgeLevel+"/"+edge,
		)
	}

	return &Router{
		topics:  topics,
		filters: filters,
		logger:  log.WithComponent("router"),
	}, nil
}

// Subscriptions returns the topic filters to subscribe to, in order.
func (r *Router) Subscriptions() []string {
	return append([]string(nil), r.filters...)
}

// Subscribe issues every subscription on s. It is meant to run from the
// bus connect handler so subscriptions come back after a reconnect.
// Failures are logged and not retried.
func (r *Router) Subscribe(s Subscriber) {
	for _, filter := range r.filters {
		if err := s.Subscribe(filter); err != nil {
			r.logger.Error("subscribe failed", "filter", filter, "error", err)
			continue
		}
		r.logger.Info("subscribed", "filter", filter)
	}
}

// OnConnect adapts Subscribe to a bus.ConnectHandler.
func (r *Router) OnConnect(b bus.Bus) {
	r.Subscribe(b)
}

// Accepts reports whether topic matches one of the subscription filters.
func (r *Router) Accepts(topic string) bool {
	for _, filter := range r.filters {
		if bus.Match(filter, topic) {
			return true
		}
	}
	return false
}

// ResponseTopic returns where the response for requestTopic is published.
// In mirror mode the first "request" in the topic becomes "response"; topics
// without one fall back to the response root.
func (r *Router) ResponseTopic(requestTopic string) string {
	if r.topics.ResponseMode == config.ResponseMirror && strings.Contains(requestTopic, "request") {
		return strings.Replace(requestTopic, "request", "response", 1)
	}
	return r.topics.ResponseRoot
}
