// Package repository is the HTTP client for the conversation backend.
//
// # Operations
//
//   - FetchConversation(ctx, id): GET /conversations/{id}/
//   - FetchConversationList(ctx): GET /my-conversations/
//   - SendMessage(ctx, conversationID, msg): POST /webhook/ NEW_MESSAGE
//   - CloseConversation(ctx, id): POST /webhook/ CLOSE_CONVERSATION
//
// Every request carries "Authorization: Bearer <token>" from the configured
// auth.Provider and is throttled by an optional client-side rate limiter.
//
// # Normalization
//
// Payloads are validated and normalized into the message package shapes
// before they are returned. Direction vocabularies (SENT/RECEIVED and
// OUTBOUND/INBOUND), author objects versus bare author ids, and timestamps
// with or without a zone are all accepted. DecodeMessage exposes the same
// normalization to the push transport.
//
// # Errors
//
// Non-2xx responses become *StatusError; 401/403 and 404 also match
// ErrUnauthorized and ErrNotFound via errors.Is.
package repository
