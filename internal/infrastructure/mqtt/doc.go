// Package mqtt provides MQTT client connectivity for the Canopy agent.
//
// This package manages:
//   - Connection to the local broker with auto-reconnect
//   - Message publishing with QoS guarantees and retained-message helpers
//   - Topic subscriptions with wildcard support
//   - Last Will and Testament (LWT) for agent down detection
//   - Connection health monitoring
//
// # Architecture
//
// Canopy uses MQTT as the device-local message bus. The entity store, the
// command executor, and external device software all meet on the broker;
// retained messages are the source of truth that survives agent restarts.
//
//	Canopy agent ↔ MQTT broker ↔ device software / child devices
//
// # Topic Structure
//
// All topics live under a configurable root (default "cn"). Entity topic
// identifiers are a fixed four segments, so wildcard subscriptions can
// distinguish registrations, twin fragments, and command channels by
// depth alone. See Topics for the builders and patterns.
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT, &mqtt.Will{
//	    Topic:   topics.Health(agentTopicID),
//	    Payload: downPayload,
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	topics := mqtt.NewTopics(cfg.Agent.TopicRoot)
//	err = client.Subscribe(topics.AllCommands(), 1,
//	    func(topic string, payload []byte) error {
//	        return dispatch(topic, payload)
//	    })
package mqtt
