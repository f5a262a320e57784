// Package mqtt is the bus adapter of a car session.
//
// It wraps an Eclipse Paho MQTT client: subscribes to the car's
// module_gateway topic, decodes inbound Fleet Protocol frames into
// events on the session's event queue, and publishes server frames on
// the external_server topic with QoS 1. Transport loss surfaces as a
// TransportDown event; the session controller decides what to do with
// it.
//
// Publication is synchronous from the controller's point of view:
// Publish returns once the broker acknowledges, bounded by the
// configured MQTT timeout.
package mqtt
