// Package server implements the presence and message-broadcast core of the
// chat server together with its HTTP and WebSocket surface.
//
// A single Hub goroutine owns every admitted connection and the presence
// registry; bind, unbind, resolve and delivery requests are processed one at
// a time, so presence and broadcast order are always consistent. The
// Broadcaster persists messages through the external stores outside of the
// hub and only hands finished messages to it. The Lifecycle controller turns
// client frames into those operations, and each Client owns the read and
// write pumps of one socket.
package server
