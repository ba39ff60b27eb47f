// Copyright (c) 2024-2025 Jesse Morgan / Morgan Forge
// SPDX-License-Identifier: AGPL-3.0-or-later

// Package stream decodes the chat backend's response stream into events.
//
// The backend mixes three framings on one connection: SSE "data:" lines,
// bare newline-delimited JSON and bare text. Control lines such as
// "[conversation_id]:abc" and the "[DONE]" terminator may appear in any of
// them. Decoder turns arbitrarily split network chunks into a sequence of
// typed events, and the result never depends on where the chunks were split.
//
// # Usage
//
//	dec := stream.NewDecoder(logger)
//	for {
//	    n, err := body.Read(buf)
//	    for _, ev := range dec.Feed(buf[:n]) {
//	        apply(ev)
//	    }
//	    if dec.Done() || err != nil {
//	        break
//	    }
//	}
//	for _, ev := range dec.Flush() {
//	    apply(ev)
//	}
//
// Decoding performs no I/O and never fails: anything that cannot be
// classified is delivered as visible text.
package stream
