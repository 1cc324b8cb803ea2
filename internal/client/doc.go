// Package client provides a websocket client for Tobii Pro Glasses 3 devices.
//
// The client package discovers glasses on the local network (default Wi-Fi
// access point probe, then DNS-SD), keeps a persistent websocket session to the
// g3api control endpoint and correlates JSON requests with their responses so
// callers can use plain blocking accessors such as BatteryLevel.
package client
