package mqttloop

import "strings"

// Delivery is an incoming application message handed to a subscription
// handler. Payload is only valid during the handler call.
type Delivery struct {
	Topic     string
	Payload   []byte
	QoS       QoS
	Retain    bool
	Duplicate bool
	MessageID uint16
}

// MessageHandler receives deliveries for a subscription.
type MessageHandler func(d *Delivery)

// Subscription is a topic filter registered on the client.
type Subscription struct {
	Filter  string
	QoS     QoS
	Handler MessageHandler
}

type routeNode struct {
	children map[string]*routeNode
	sub      *Subscription
}

// Router maps incoming topics to subscription handlers through a trie of
// filter levels. It is owned by the dispatcher goroutine.
type Router struct {
	root  *routeNode
	order []*Subscription
}

// NewRouter creates an empty router.
func NewRouter() *Router {
	return &Router{root: &routeNode{}}
}

// Len returns the number of filters.
func (r *Router) Len() int { return len(r.order) }

// Add registers handler for filter, replacing the handler and QoS of an
// existing entry for the same filter.
func (r *Router) Add(filter string, qos QoS, handler MessageHandler) error {
	if err := ValidateTopicFilter(filter); err != nil {
		return err
	}
	if !qos.Valid() {
		return ErrInvalidQoS
	}

	node := r.root
	for level := range strings.SplitSeq(filter, "/") {
		if node.children == nil {
			node.children = make(map[string]*routeNode)
		}
		child, ok := node.children[level]
		if !ok {
			child = &routeNode{}
			node.children[level] = child
		}
		node = child
	}

	if node.sub != nil {
		node.sub.QoS = qos
		node.sub.Handler = handler
		return nil
	}
	node.sub = &Subscription{Filter: filter, QoS: qos, Handler: handler}
	r.order = append(r.order, node.sub)
	return nil
}

// Remove drops filter. It reports whether the filter was registered.
func (r *Router) Remove(filter string) bool {
	node := r.root
	for level := range strings.SplitSeq(filter, "/") {
		child, ok := node.children[level]
		if !ok {
			return false
		}
		node = child
	}
	if node.sub == nil {
		return false
	}

	for i, s := range r.order {
		if s == node.sub {
			r.order = append(r.order[:i], r.order[i+1:]...)
			break
		}
	}
	node.sub = nil
	return true
}

// Get returns the subscription for filter.
func (r *Router) Get(filter string) (*Subscription, bool) {
	for _, s := range r.order {
		if s.Filter == filter {
			return s, true
		}
	}
	return nil, false
}

// Subscriptions returns every filter in registration order.
func (r *Router) Subscriptions() []Subscription {
	out := make([]Subscription, len(r.order))
	for i, s := range r.order {
		out[i] = *s
	}
	return out
}

// Match returns the subscriptions whose filter matches topic.
func (r *Router) Match(topic string) []*Subscription {
	if topic == "" {
		return nil
	}
	levels := strings.Split(topic, "/")
	system := topic[0] == '$'

	var out []*Subscription
	r.match(r.root, levels, 0, system, &out)
	return out
}

func (r *Router) match(node *routeNode, levels []string, idx int, system bool, out *[]*Subscription) {
	wild := !system || idx > 0

	if wild {
		if child, ok := node.children["#"]; ok && child.sub != nil {
			*out = append(*out, child.sub)
		}
	}

	if idx == len(levels) {
		if node.sub != nil {
			*out = append(*out, node.sub)
		}
		return
	}

	if child, ok := node.children[levels[idx]]; ok {
		r.match(child, levels, idx+1, system, out)
	}
	if wild {
		if child, ok := node.children["+"]; ok {
			r.match(child, levels, idx+1, system, out)
		}
	}
}

// Route calls the handler of every matching subscription and returns how
// many were called.
func (r *Router) Route(d *Delivery) int {
	n := 0
	for _, s := range r.Match(d.Topic) {
		if s.Handler != nil {
			s.Handler(d)
			n++
		}
	}
	return n
}
