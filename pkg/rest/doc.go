// Package rest exposes the kafdeck HTTP API: connection profile CRUD, topic
// administration, message production, and the consumer session lifecycle,
// all under /api/v1. The session stream endpoint upgrades to WebSocket and
// is served by pkg/stream.
package rest
