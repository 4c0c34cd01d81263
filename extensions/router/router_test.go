package router

import (
	"regexp"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/vitalvas/mqttloop"
)

func TestRouterHandle(t *testing.T) {
	r := New()

	var called bool
	r.Handle(func(_ *mqttloop.Delivery) {
		called = true
	}, WithTopic("test/topic"))

	assert.Equal(t, 1, r.Len())

	assert.Equal(t, 1, r.Route(&mqttloop.Delivery{Topic: "test/topic"}))
	assert.True(t, called)
}

func TestRouterExactMatch(t *testing.T) {
	r := New()

	var received string
	r.Handle(func(d *mqttloop.Delivery) {
		received = d.Topic
	}, WithTopic("sensors/temperature"))

	r.Route(&mqttloop.Delivery{Topic: "sensors/temperature"})
	assert.Equal(t, "sensors/temperature", received)

	received = ""
	assert.Equal(t, 0, r.Route(&mqttloop.Delivery{Topic: "sensors/humidity"}))
	assert.Empty(t, received)
}

func TestRouterWildcards(t *testing.T) {
	tests := []struct {
		name    string
		filter  string
		topics  []string
		matched int
	}{
		{
			name:    "single level",
			filter:  "sensors/+/value",
			topics:  []string{"sensors/temp/value", "sensors/humidity/value", "sensors/temp/other"},
			matched: 2,
		},
		{
			name:    "multi level",
			filter:  "sensors/#",
			topics:  []string{"sensors", "sensors/temp", "sensors/a/b/c", "other/topic"},
			matched: 3,
		},
		{
			name:    "system topics",
			filter:  "#",
			topics:  []string{"$SYS/uptime", "a/b"},
			matched: 1,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			var topics []string
			r.Handle(func(d *mqttloop.Delivery) {
				topics = append(topics, d.Topic)
			}, WithTopic(tt.filter))

			for _, topic := range tt.topics {
				r.Route(&mqttloop.Delivery{Topic: topic})
			}
			assert.Len(t, topics, tt.matched)
		})
	}
}

func TestRouterMultipleHandlers(t *testing.T) {
	r := New()

	var first, second int
	r.Handle(func(_ *mqttloop.Delivery) { first++ }, WithTopic("a/#"))
	r.Handle(func(_ *mqttloop.Delivery) { second++ }, WithTopic("a/b"))

	assert.Equal(t, 2, r.Route(&mqttloop.Delivery{Topic: "a/b"}))
	assert.Equal(t, 1, r.Route(&mqttloop.Delivery{Topic: "a/c"}))
	assert.Equal(t, 2, first)
	assert.Equal(t, 1, second)
}

func TestRouterFilters(t *testing.T) {
	r := New()

	r.Handle(func(_ *mqttloop.Delivery) {}, WithTopic("a/b"))
	r.Handle(func(_ *mqttloop.Delivery) {}, WithTopic("c/#"))
	r.Handle(func(_ *mqttloop.Delivery) {}, WithTopic("a/b"))
	r.Handle(func(_ *mqttloop.Delivery) {})

	assert.Equal(t, []string{"a/b", "c/#"}, r.Filters())
}

func TestRouterClear(t *testing.T) {
	r := New()
	r.Handle(func(_ *mqttloop.Delivery) {}, WithTopic("a"))
	r.Handle(func(_ *mqttloop.Delivery) {}, WithTopic("b"))
	require.Equal(t, 2, r.Len())

	r.Clear()
	assert.Equal(t, 0, r.Len())
	assert.Empty(t, r.Filters())
}

func TestRouterNilDelivery(t *testing.T) {
	r := New()

	var called bool
	r.Handle(func(_ *mqttloop.Delivery) { called = true })

	assert.Equal(t, 0, r.Route(nil))
	assert.False(t, called)
}

func TestRouterMessageHandler(t *testing.T) {
	r := New()

	var received *mqttloop.Delivery
	r.Handle(func(d *mqttloop.Delivery) { received = d }, WithTopic("test"))

	handler := r.MessageHandler()
	d := &mqttloop.Delivery{Topic: "test", Payload: []byte("hello")}
	handler(d)

	assert.Same(t, d, received)
}

func TestRouterConditions(t *testing.T) {
	tests := []struct {
		name     string
		opts     []ConditionOption
		delivery mqttloop.Delivery
		want     bool
	}{
		{
			name:     "qos match",
			opts:     []ConditionOption{WithQoS(mqttloop.QoS1)},
			delivery: mqttloop.Delivery{Topic: "a", QoS: mqttloop.QoS1},
			want:     true,
		},
		{
			name:     "qos mismatch",
			opts:     []ConditionOption{WithQoS(mqttloop.QoS1)},
			delivery: mqttloop.Delivery{Topic: "a", QoS: mqttloop.QoS0},
		},
		{
			name:     "retain match",
			opts:     []ConditionOption{WithRetain(true)},
			delivery: mqttloop.Delivery{Topic: "a", Retain: true},
			want:     true,
		},
		{
			name:     "retain mismatch",
			opts:     []ConditionOption{WithRetain(false)},
			delivery: mqttloop.Delivery{Topic: "a", Retain: true},
		},
		{
			name:     "topic regexp",
			opts:     []ConditionOption{WithTopicRegexp(regexp.MustCompile(`^dev-[0-9]+/`))},
			delivery: mqttloop.Delivery{Topic: "dev-42/state"},
			want:     true,
		},
		{
			name:     "payload regexp",
			opts:     []ConditionOption{WithPayload(regexp.MustCompile(`^\{`))},
			delivery: mqttloop.Delivery{Topic: "a", Payload: []byte(`{"on":true}`)},
			want:     true,
		},
		{
			name:     "payload regexp mismatch",
			opts:     []ConditionOption{WithPayload(regexp.MustCompile(`^\{`))},
			delivery: mqttloop.Delivery{Topic: "a", Payload: []byte("plain")},
		},
		{
			name: "all conditions",
			opts: []ConditionOption{
				WithTopic("sensors/#"),
				WithQoS(mqttloop.QoS1),
				WithRetain(false),
				WithPayload(regexp.MustCompile(`[0-9]+`)),
			},
			delivery: mqttloop.Delivery{Topic: "sensors/t1", QoS: mqttloop.QoS1, Payload: []byte("21")},
			want:     true,
		},
		{
			name:     "no conditions",
			delivery: mqttloop.Delivery{Topic: "anything"},
			want:     true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			r := New()
			var called bool
			r.Handle(func(_ *mqttloop.Delivery) { called = true }, tt.opts...)

			d := tt.delivery
			r.Route(&d)
			assert.Equal(t, tt.want, called)
		})
	}
}

func TestRouterConcurrentAccess(t *testing.T) {
	r := New()

	var count atomic.Int64
	var wg sync.WaitGroup

	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Handle(func(_ *mqttloop.Delivery) { count.Add(1) }, WithTopic("test/#"))
		}()
	}
	wg.Wait()

	for range 10 {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r.Route(&mqttloop.Delivery{Topic: "test/x"})
		}()
	}
	wg.Wait()

	assert.Equal(t, int64(100), count.Load())
}
