//go:build debug

package debug

import "fmt"

const Debug = true

// Print writes a trace line. Never pass key material or plaintext.
func Print(format string, args ...interface{}) {
	fmt.Printf("DEBUG: "+format, args...)
}
