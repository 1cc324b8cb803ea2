// Package sink forwards glasses telemetry readings to external systems.
//
// Readings are wrapped in a metadata/payload envelope and published to a
// Kafka topic or an MQTT broker, or stored as rows in PostgreSQL or a local
// SQLite file. Multi fans a reading out to several of them.
package sink
