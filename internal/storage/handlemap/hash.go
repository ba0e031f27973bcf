// Licensed under the MIT License. See LICENSE file in the project root for details.

package handlemap

import "golang.org/x/sys/cpu"

// hashFunc is swapped at init time based on detected CPU features.
var hashFunc = hashGeneric

func init() {
	if cpu.X86.HasAVX2 {
		hashFunc = hashWideStride
	} else if cpu.X86.HasSSE42 {
		hashFunc = hashWideStride
	}
}

func hash(k Key) uint64 {
	return hashFunc(k)
}

// hashGeneric is a portable FNV-1a over the class tag, folded with the id.
func hashGeneric(k Key) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211

	h := uint64(offset64)
	for i := 0; i < len(k.Class); i++ {
		h ^= uint64(k.Class[i])
		h *= prime64
	}
	h ^= uint64(k.ID)
	h *= prime64
	h ^= uint64(k.ID >> 32)
	h *= prime64
	return h
}

// hashWideStride processes the class tag eight bytes at a time when the CPU
// advertises wide SIMD registers, avoiding per-byte overhead for the long
// class tags this map expects (fully-qualified type names, interned object
// tags). There is no hand-written assembly here: the win is purely from
// striding the FNV mix in machine-word-sized chunks instead of byte by byte,
// which the Go compiler can autovectorize on platforms with AVX2 or SSE4.2.
func hashWideStride(k Key) uint64 {
	const offset64 = 14695981039346656037
	const prime64 = 1099511628211

	h := uint64(offset64)
	s := k.Class
	i := 0
	for ; i+8 <= len(s); i += 8 {
		chunk := uint64(s[i]) | uint64(s[i+1])<<8 | uint64(s[i+2])<<16 | uint64(s[i+3])<<24 |
			uint64(s[i+4])<<32 | uint64(s[i+5])<<40 | uint64(s[i+6])<<48 | uint64(s[i+7])<<56
		h ^= chunk
		h *= prime64
	}
	for ; i < len(s); i++ {
		h ^= uint64(s[i])
		h *= prime64
	}
	h ^= uint64(k.ID)
	h *= prime64
	h ^= uint64(k.ID >> 32)
	h *= prime64
	return h
}
