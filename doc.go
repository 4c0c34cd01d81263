// Package mqttloop provides a non-blocking MQTT 3.1.1 client engine.
//
// This package implements the client side of the MQTT Version 3.1.1 OASIS
// Standard:
// https://docs.oasis-open.org/mqtt/mqtt/v3.1.1/mqtt-v3.1.1.html
//
// Nothing in the engine blocks. Every piece of protocol work runs as a
// callback on a single-threaded Dispatcher, and the host program decides
// when to run it by calling Client.ProcessTick from its own loop or
// Client.ProcessBlocking from a dedicated goroutine.
//
// # Features
//
//   - CONNECT, PUBLISH, SUBSCRIBE, UNSUBSCRIBE, PINGREQ and DISCONNECT
//   - QoS 0 and 1 publishing; QoS 0, 1 and 2 delivery
//   - Topic routing with wildcard support (+, #)
//   - Keep-alive, response timeouts and resend of unacknowledged requests
//   - Automatic reconnect with a penalty and decay backoff
//   - Clean and continued sessions
//   - Transport: TCP, TLS, WebSocket, WSS, QUIC, Unix sockets, proxies
//   - Timed tasks scheduled on the processing loop
//
// # Architecture
//
// A connection is a Chain of stages ordered from the application to the
// wire:
//
//	LogicStage -> CodecStage -> TLSStage (optional) -> NetStage
//
// Each stage answers init, connect, push, pull, close and
// close_externally operations. Results that cannot complete yet return
// StatusWantRead or StatusWantWrite after arming the Dispatcher with a
// callback that resumes the stage once the socket is ready.
//
// The Dispatcher owns a FIFO ready queue, a time-ordered TimerTable and the
// I/O interests of every stage. Platform access goes through small
// interfaces: NetBSP for sockets, ResourceBSP for files and TLSEngine for
// the TLS record layer.
//
// # Client
//
//	client, err := mqttloop.New(
//	    mqttloop.WithLogger(mqttloop.NewStdLogger(os.Stderr, mqttloop.LogLevelInfo)),
//	)
//
//	err = client.Connect("localhost", 1883, func(c *mqttloop.Client, event error) {
//	    var connected *mqttloop.ConnectedEvent
//	    if errors.As(event, &connected) {
//	        c.Subscribe("sensors/#", mqttloop.QoS1, onMessage, nil)
//	    }
//	}, mqttloop.WithClientID("dev1"), mqttloop.WithKeepAlive(60))
//
//	err = client.ProcessBlocking(ctx)
//
// TLS connections:
//
//	client, err := mqttloop.New(mqttloop.WithTLS(&tls.Config{}))
//
// WebSocket connections run the blocking dialer on goroutines behind a
// ConnNet bridge:
//
//	client, err := mqttloop.New(mqttloop.WithDialer(mqttloop.NewWSDialer()))
//
// # Configuration
//
// Settings can also come from a YAML file with MQTTLOOP_* environment
// overrides:
//
//	cfg, err := mqttloop.LoadConfig("client.yaml")
//	opts, err := cfg.Options()
//	client, err := mqttloop.New(opts...)
//	host, port := cfg.Address()
//	err = client.Connect(host, port, onEvent, cfg.ConnectOptions()...)
package mqttloop
