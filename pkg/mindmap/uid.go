package mindmap

import (
	"crypto/rand"
	"encoding/hex"
	"fmt"
	"strconv"
	"time"
	"unicode"
	"unicode/utf8"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
)

// MaxUIDLength bounds client-supplied node identifiers.
const MaxUIDLength = 64

// NewUID returns a node identifier of the form <unix-millis>-<8 hex chars>.
// Collisions are unlikely but still possible, so callers must rely on the
// store's uniqueness constraint rather than on this function.
func NewUID(now time.Time) string {
	var suffix [4]byte
	if _, err := rand.Read(suffix[:]); err != nil {
		// crypto/rand does not fail on supported platforms; fall back to nanos.
		return strconv.FormatInt(now.UnixMilli(), 10) + "-" + fmt.Sprintf("%08x", uint32(now.UnixNano()))
	}
	return strconv.FormatInt(now.UnixMilli(), 10) + "-" + hex.EncodeToString(suffix[:])
}

// ValidateUID checks a client-supplied node identifier.
func ValidateUID(uid string) error {
	if uid == "" {
		return fmt.Errorf("%w: uid is required", apperrors.ErrInvalidPayload)
	}
	if len(uid) > MaxUIDLength {
		return fmt.Errorf("%w: uid exceeds %d characters", apperrors.ErrInvalidPayload, MaxUIDLength)
	}
	if !utf8.ValidString(uid) {
		return fmt.Errorf("%w: uid is not valid UTF-8", apperrors.ErrInvalidPayload)
	}
	for _, r := range uid {
		if unicode.IsSpace(r) || unicode.IsControl(r) {
			return fmt.Errorf("%w: uid contains whitespace or control characters", apperrors.ErrInvalidPayload)
		}
	}
	return nil
}
