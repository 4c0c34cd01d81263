// Package router dispatches deliveries of a single wide subscription to
// handlers selected by topic, QoS, retain flag and payload conditions.
package router

import (
	"regexp"
	"sync"

	"github.com/vitalvas/mqttloop"
)

// Handler processes a delivered message.
type Handler func(d *mqttloop.Delivery)

// Condition defines filtering criteria for message routing.
type Condition struct {
	topicFilter   *string
	qos           *mqttloop.QoS
	retain        *bool
	topicRegexp   *regexp.Regexp
	payloadRegexp *regexp.Regexp
}

// ConditionOption configures a Condition.
type ConditionOption func(*Condition)

// WithTopic sets the topic filter for message matching.
// Supports MQTT wildcards: + (single level) and # (multi level).
func WithTopic(filter string) ConditionOption {
	return func(c *Condition) {
		c.topicFilter = &filter
	}
}

// WithQoS filters messages by delivery QoS.
func WithQoS(qos mqttloop.QoS) ConditionOption {
	return func(c *Condition) {
		c.qos = &qos
	}
}

// WithRetain filters messages by the retain flag.
func WithRetain(retain bool) ConditionOption {
	return func(c *Condition) {
		c.retain = &retain
	}
}

// WithTopicRegexp filters messages by a topic pattern.
func WithTopicRegexp(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.topicRegexp = pattern
	}
}

// WithPayload filters messages by a payload pattern.
func WithPayload(pattern *regexp.Regexp) ConditionOption {
	return func(c *Condition) {
		c.payloadRegexp = pattern
	}
}

type registration struct {
	handler   Handler
	condition Condition
}

// Router dispatches deliveries to handlers based on conditions.
type Router struct {
	mu       sync.RWMutex
	handlers []registration
}

// New creates a new Router.
func New() *Router {
	return &Router{
		handlers: make([]registration, 0),
	}
}

// Handle registers a handler with optional conditions.
//
// Examples:
//
//	r.Handle(handler, WithTopic("sensors/#"))
//	r.Handle(handler, WithTopic("sensors/#"), WithQoS(mqttloop.QoS1))
//	r.Handle(handler, WithTopic("sensors/#"), WithPayload(regexp.MustCompile(`^\{`)))
func (r *Router) Handle(handler Handler, opts ...ConditionOption) {
	var cond Condition
	for _, opt := range opts {
		opt(&cond)
	}

	r.mu.Lock()
	r.handlers = append(r.handlers, registration{
		handler:   handler,
		condition: cond,
	})
	r.mu.Unlock()
}

func (c *Condition) matches(d *mqttloop.Delivery) bool {
	if c.topicFilter != nil && !mqttloop.TopicMatch(*c.topicFilter, d.Topic) {
		return false
	}
	if c.qos != nil && *c.qos != d.QoS {
		return false
	}
	if c.retain != nil && *c.retain != d.Retain {
		return false
	}
	if c.topicRegexp != nil && !c.topicRegexp.MatchString(d.Topic) {
		return false
	}
	if c.payloadRegexp != nil && !c.payloadRegexp.Match(d.Payload) {
		return false
	}
	return true
}

// Route dispatches a delivery to all matching handlers and returns how
// many were called.
func (r *Router) Route(d *mqttloop.Delivery) int {
	if d == nil {
		return 0
	}

	r.mu.RLock()
	var matched []Handler
	for _, reg := range r.handlers {
		if reg.condition.matches(d) {
			matched = append(matched, reg.handler)
		}
	}
	r.mu.RUnlock()

	for _, handler := range matched {
		handler(d)
	}
	return len(matched)
}

// Filters returns all unique registered topic filters.
func (r *Router) Filters() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	seen := make(map[string]struct{})
	filters := make([]string, 0)
	for _, reg := range r.handlers {
		if reg.condition.topicFilter == nil {
			continue
		}
		f := *reg.condition.topicFilter
		if _, ok := seen[f]; ok {
			continue
		}
		seen[f] = struct{}{}
		filters = append(filters, f)
	}
	return filters
}

// Len returns the number of registered handlers.
func (r *Router) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.handlers)
}

// Clear removes all handlers.
func (r *Router) Clear() {
	r.mu.Lock()
	r.handlers = r.handlers[:0]
	r.mu.Unlock()
}

// MessageHandler returns a handler for Client.Subscribe.
func (r *Router) MessageHandler() mqttloop.MessageHandler {
	return func(d *mqttloop.Delivery) {
		r.Route(d)
	}
}

// SubscribeAll subscribes client to every registered filter with qos,
// routing all of them through this router.
func (r *Router) SubscribeAll(client *mqttloop.Client, qos mqttloop.QoS, onResult mqttloop.EventHandler) error {
	handler := r.MessageHandler()
	for _, filter := range r.Filters() {
		if err := client.Subscribe(filter, qos, handler, onResult); err != nil {
			return err
		}
	}
	return nil
}
