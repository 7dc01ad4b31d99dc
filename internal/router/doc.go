// Package router decodes inbound realtime frames and applies their side
// effects.
//
// Every recognized message runs the same pipeline, in order:
//   - invalidate the affected cache key ("tasks" or "notifications")
//   - schedule a local notification, for types that have one
//   - emit the decoded Message to listeners registered under its type
//
// Frames that fail to decode and types outside the table are logged and
// counted, then dropped.
package router
