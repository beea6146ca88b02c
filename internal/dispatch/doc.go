// Package dispatch turns request messages into published responses.
//
// The dispatcher drains the bus inbox with a single worker. For each message
// it decodes the payload, runs every command, shapes the outcomes under the
// configured output policy and publishes one envelope to the response topic.
//
// Key features:
//   - Serial processing (one message, one command at a time)
//   - Single and batch payloads; batch items are isolated from each other
//   - Split or merged output capture
//   - Optional SSH execution for requests with useSsh set
//   - Optional timeout with SIGTERM → grace → SIGKILL (off by default)
//   - Execution history and ops events when configured
//
// Error handling:
//   - Undecodable payload → logged, counted, dropped; no response
//   - Bad batch item → error result in its slot, siblings still run
//   - Launch failure, non-zero exit, timeout → error result
//   - Publish failure → logged, not retried
//
// Limitations:
//   - A command that never exits blocks the worker unless dispatch.timeout is set
package dispatch
