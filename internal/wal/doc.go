/*
WAL keeps the raw events of one symbol in durable segments so that state can be
rolled forward from the last checkpoint after a crash.

# Module
  - manager: buffers events, hands full batches to a single flusher goroutine
  - segment: temp file, fsync, rename, then a .done marker proving completion
  - reader: CRC checked record decoding

# Source
  - normalized events from the pipeline, in arrival order

# Produce
  - complete segments for recovery

# Sharded
  - by symbol, one directory per symbol
*/
package wal
