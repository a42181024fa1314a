// Package buffer provides the bounded, thread-safe hand-off primitives used
// between the audio intake path and the recognition workers.
//
//   - StreamBuffer: a byte ring with a trigger level. A blocked reader is only
//     released once enough bytes are buffered, which lets a consumer read in
//     overlap-add strides while the producer writes smaller frames. Sends and
//     receives take timeouts and report short counts instead of blocking
//     indefinitely.
//
//   - RingBuffer: a fixed-depth ring that overwrites its oldest element. It
//     keeps sliding windows of recent values and returns them in
//     chronological order.
//
//   - Queue: a bounded FIFO result slot with non-blocking Offer, blocking
//     Take, level-triggered Peek and a Changed channel for multi-waits.
//
// Example usage:
//
//	// 1 s of 16 kHz audio, readers released every 20 ms stride
//	sb := buffer.NewStream(32000, 640)
//	sb.Send(frame, 5*time.Millisecond)
//
//	window := make([]byte, 640)
//	n := sb.Receive(window, 0)
//
//	words := buffer.NewQueue[vad.Word](1)
//	if !words.Offer(w) {
//	    // slot full, word dropped
//	}
package buffer
