// Package channel maintains the client's live progress connection to the
// conversion backend. A Channel owns one WebSocket at a time, reconnects with
// exponential backoff, decodes progress and result frames, and fans them out
// to registered observers in arrival order.
package channel
