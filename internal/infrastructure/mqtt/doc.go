// Package mqtt provides the optional MQTT ingest bridge for Devicebay.
//
// Constrained devices that cannot hold a websocket open can instead publish
// notifications and command acknowledgements to an MQTT broker. The bridge
// subscribes to the device topics, persists valid payloads, and routes them
// through the same bus paths as websocket-originated traffic, so client
// subscribers see no difference in how events arrive.
//
// This package manages:
//   - Connection to the broker with auto-reconnect and exponential backoff
//   - Topic subscriptions with wildcard support, restored on reconnect
//   - Last Will and Testament (LWT) so peers can detect gateway loss
//   - Republishing accepted notifications on the canonical core stream
//   - Connection health monitoring
//
// # Topics
//
// Ingest (device → gateway):
//
//	devicebay/device/{guid}/notification
//	devicebay/device/{guid}/command/update
//
// Egress (gateway → observers):
//
//	devicebay/core/device/{guid}/notification
//	devicebay/system/status
//
// # Security Considerations
//
//   - TLS is required for production deployments (cfg.Broker.TLS=true)
//   - Credentials are validated against broker ACL
//   - Anonymous access is only for local development
//   - MQTT ingest trusts the broker ACL for device identity; there is no
//     per-message device key check as on the websocket path
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	defer client.Close()
//
//	bridge := mqtt.NewBridge(client, deps)
//	if err := bridge.Start(); err != nil {
//	    log.Fatal(err)
//	}
package mqtt
