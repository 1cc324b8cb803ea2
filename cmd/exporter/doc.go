// Package main implements the Tobii Pro Glasses 3 Prometheus exporter.
//
// This exporter discovers a pair of glasses on the local network (or connects
// to -address), keeps a websocket session to their g3api endpoint and exports
// battery, recorder and storage metrics to Prometheus on port 9998
// (configurable). A background tracker polls the battery level and can
// forward every reading to Kafka, MQTT, PostgreSQL or a local SQLite file.
// The session is re-established with exponential backoff when it drops.
package main
