package backup

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"time"
)

// GenerateBackupID generates a unique backup ID
func GenerateBackupID() string {
	suffix := make([]byte, 8)
	if _, err := rand.Read(suffix); err != nil {
		return fmt.Sprintf("backup_%d", time.Now().UnixNano())
	}
	return fmt.Sprintf("backup_%d_%s", time.Now().Unix(), hex.EncodeToString(suffix))
}
