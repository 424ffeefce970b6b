package rml

import "sync"

// XcastResult captures the outcome of one destination's send within an
// Xcast call.
type XcastResult struct {
	Dst int32
	Err error
}

// Xcast sends data under tag to every destination in dsts, invoking
// onDone once with the full set of per-destination results. It is the
// DVM's broadcast primitive (§6 grpcomm/xcast), a flat fan-out with one
// direct send per destination and no relay tree: every daemon gets
// the same message with the same FIFO-per-tag ordering guarantee RML
// provides for point-to-point sends. Unlike the teacher's events.Broker,
// which silently drops a message to a full subscriber buffer, Xcast
// captures every destination's error individually so a caller can repair
// delivery to specific daemons rather than assume uniform success.
func Xcast(t Transport, dsts []int32, tag Tag, data []byte, onDone func([]XcastResult)) {
	if len(dsts) == 0 {
		if onDone != nil {
			onDone(nil)
		}
		return
	}

	var (
		mu      sync.Mutex
		results = make([]XcastResult, 0, len(dsts))
	)

	for _, dst := range dsts {
		dst := dst
		t.SendBufferNB(dst, tag, data, func(err error) {
			mu.Lock()
			results = append(results, XcastResult{Dst: dst, Err: err})
			done := len(results) == len(dsts)
			mu.Unlock()

			if done && onDone != nil {
				onDone(results)
			}
		})
	}
}
