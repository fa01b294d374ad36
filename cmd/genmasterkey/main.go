// Command genmasterkey generates a fresh 32-byte AES-256-GCM master key and
// prints it as hex, for export as ENCRYPTION_KEY. Unlike the tool this was
// adapted from, it never writes to disk: ENCRYPTION_KEY is consumed as an
// environment variable, not a key file, so there is no "existing file" to
// guard against overwriting.
package main

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"os"
)

func main() {
	key := make([]byte, 32)
	if _, err := rand.Read(key); err != nil {
		fmt.Fprintf(os.Stderr, "Error generating random key: %v\n", err)
		os.Exit(1)
	}
	fmt.Println(hex.EncodeToString(key))
}
