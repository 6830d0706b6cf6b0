package chat

import (
	"encoding/binary"
	"hash/fnv"
	"math"
)

// Fingerprint reduces the cache-relevant request fields to a 64-bit FNV-1a
// hash. Field order is fixed: each message's role, content, and name, then
// model, temperature, top_p, max_tokens, presence_penalty, frequency_penalty,
// stop, seed, and user. Floats hash by IEEE-754 bit pattern so -0.0 and 0.0
// stay distinct from absent values. Stream is deliberately excluded:
// streaming requests share the fingerprint but are never served from cache.
func Fingerprint(req *ChatRequest) uint64 {
	h := fnv.New64a()

	for _, m := range req.Messages {
		writeString(h, m.Role)
		writeString(h, m.Content.TextContent())
		writeString(h, m.Name)
	}

	writeString(h, req.Model)
	writeFloat(h, req.Temperature)
	writeFloat(h, req.TopP)
	writeInt(h, req.MaxTokens)
	writeFloat(h, req.PresencePenalty)
	writeFloat(h, req.FrequencyPenalty)

	for _, s := range req.Stop {
		writeString(h, s)
	}

	if req.Seed != nil {
		writeUint64(h, 1)
		writeUint64(h, uint64(*req.Seed))
	} else {
		writeUint64(h, 0)
	}

	writeString(h, req.User)

	return h.Sum64()
}

type hash64 interface {
	Write(p []byte) (int, error)
	Sum64() uint64
}

// writeString length-prefixes so adjacent fields cannot collide by
// boundary shifting ("ab","c" vs "a","bc").
func writeString(h hash64, s string) {
	writeUint64(h, uint64(len(s)))
	h.Write([]byte(s))
}

func writeFloat(h hash64, v *float64) {
	if v == nil {
		writeUint64(h, 0)
		return
	}
	writeUint64(h, 1)
	writeUint64(h, math.Float64bits(*v))
}

func writeInt(h hash64, v *int) {
	if v == nil {
		writeUint64(h, 0)
		return
	}
	writeUint64(h, 1)
	writeUint64(h, uint64(*v))
}

func writeUint64(h hash64, v uint64) {
	var buf [8]byte
	binary.LittleEndian.PutUint64(buf[:], v)
	h.Write(buf[:])
}
