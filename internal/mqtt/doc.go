// Package mqtt exposes the daemon to an MQTT broker. It publishes Home
// Assistant discovery messages and periodic sensor states (turn
// counters, connected clients, log size, token usage), mirrors every
// bus event onto an events topic, and can optionally accept chat
// messages published to a command topic.
//
// Connection management uses Eclipse Paho v2's [autopaho] package with
// automatic reconnection. On every (re-)connect the publisher sends
// retained discovery configs, an "online" birth message, and
// re-subscribes to the chat topic when enabled. A will message flips
// the availability topic to "offline" on unexpected disconnects.
package mqtt
