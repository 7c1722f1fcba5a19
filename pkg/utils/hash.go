package utils

import (
	"crypto/md5"
	"encoding/binary"
	"fmt"
)

func HashString(input string) string {
	hash := md5.Sum([]byte(input))
	return fmt.Sprintf("%x", hash)
}

// Bucket maps key onto [0, n) using the first eight bytes of its md5 digest.
// The result is stable across processes and restarts.
func Bucket(key string, n int) int {
	if n <= 0 {
		return 0
	}
	hash := md5.Sum([]byte(key))
	return int(binary.BigEndian.Uint64(hash[:8]) % uint64(n))
}
