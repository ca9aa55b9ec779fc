package goofish

import (
	"fmt"
	"math/rand"
	"strings"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// deviceNamespace scopes the name-based UUIDs used as device ids.
var deviceNamespace = uuid.MustParse("5f6b8e1c-2a47-4c1e-9d3a-6f0e2b7c9a41")

var midSeq atomic.Uint32

func init() {
	midSeq.Store(uint32(rand.Intn(1000)))
}

// GenerateMID returns a message id in the "<n><unix-ms> 0" form the gateway
// expects. n cycles through 0..999 so ids minted within one millisecond differ.
func GenerateMID() string {
	n := midSeq.Add(1) % 1000
	return fmt.Sprintf("%d%d 0", n, time.Now().UnixMilli())
}

// GenerateUUID returns a fresh correlation id for an outbound message.
func GenerateUUID() string {
	id := strings.ReplaceAll(uuid.NewString(), "-", "")
	return fmt.Sprintf("-%d1%s", time.Now().UnixMilli(), id[:12])
}

// DeviceID derives a stable device id from the logged-in user id, so every
// reconnect registers as the same device.
func DeviceID(userID string) string {
	id := uuid.NewSHA1(deviceNamespace, []byte(userID))
	return strings.ToUpper(id.String()) + "-" + userID
}
