package main

import (
	"bytes"
	"sync"
)

const (
	peerSlicePoolCap = 256
	maxPooledBuffer  = 64 << 10 // don't keep oversized buffers around
)

var peerSlicePool = sync.Pool{
	New: func() any {
		s := make([]peerInfo, 0, peerSlicePoolCap)
		return &s
	},
}

func getPeerSlice() *[]peerInfo {
	s, _ := peerSlicePool.Get().(*[]peerInfo)
	*s = (*s)[:0]
	return s
}

func putPeerSlice(s *[]peerInfo) {
	*s = (*s)[:0]
	clear((*s)[:cap(*s)]) // drop net.IP references
	peerSlicePool.Put(s)
}

var bufferPool = sync.Pool{
	New: func() any { return new(bytes.Buffer) },
}

func getBuffer() *bytes.Buffer {
	b, _ := bufferPool.Get().(*bytes.Buffer)
	b.Reset()
	return b
}

func putBuffer(b *bytes.Buffer) {
	if b.Cap() > maxPooledBuffer {
		return
	}
	bufferPool.Put(b)
}
