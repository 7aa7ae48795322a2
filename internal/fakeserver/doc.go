// Package fakeserver is an in-memory conversation backend for local
// development and integration tests.
//
// It serves the same surface the client talks to:
//
//	GET  /conversations/{id}/       conversation snapshot
//	GET  /my-conversations/         conversations of the caller
//	POST /webhook/                  NEW_CONVERSATION, NEW_MESSAGE, CLOSE_CONVERSATION
//	GET  /ws/conversations/{id}/    websocket push of newly stored messages
//
// Write rules: messages to a closed conversation and a second close are
// rejected with 400, a message id that was already stored with 409.
//
// With Options.Echo set, every OUTBOUND message gets an INBOUND reply after
// Options.EchoDelay, which gives a client something to reconcile.
package fakeserver
