package types

import (
	"crypto/sha256"
	"encoding/hex"
	"strconv"
)

// ComputeStateHash digests the queue item order (with mirror flags) and the
// current climb uuid. Clients compare it against their locally computed hash
// to detect divergence and request a full sync.
func ComputeStateHash(queue []QueueItem, currentUUID string) string {
	h := sha256.New()
	for i := range queue {
		h.Write([]byte(queue[i].UUID))
		h.Write([]byte{':'})
		h.Write([]byte(strconv.FormatBool(queue[i].Climb.Mirrored)))
		h.Write([]byte{'|'})
	}
	h.Write([]byte{'#'})
	h.Write([]byte(currentUUID))
	return hex.EncodeToString(h.Sum(nil))[:16]
}
