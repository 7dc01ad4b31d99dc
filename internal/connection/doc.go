// Package connection implements the Connection Manager component.
//
// The Connection Manager:
//   - Owns at most one WebSocket connection per session
//   - Dials <ws|wss>://<host>/ws?token=<session token>
//   - Runs the Idle -> Connecting -> Open -> Closing/Closed state machine
//   - Handles reconnection with exponential backoff (base * 2^attempt)
//     up to a fixed attempt budget, then reports connectivity lost
//   - Hands incoming frames, in order, to a FrameHandler (the Message Router)
package connection
