package mindmap

import (
	"regexp"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"

	"github.com/caseboard/caseboard-engine/pkg/apperrors"
)

func TestNewUID_Format(t *testing.T) {
	now := time.UnixMilli(1735689600000)
	uid := NewUID(now)
	assert.Regexp(t, regexp.MustCompile(`^1735689600000-[0-9a-f]{8}$`), uid)
	assert.NotEqual(t, uid, NewUID(now))
}

func TestValidateUID(t *testing.T) {
	assert.NoError(t, ValidateUID("node-1"))
	assert.ErrorIs(t, ValidateUID(""), apperrors.ErrInvalidPayload)
	assert.ErrorIs(t, ValidateUID("has space"), apperrors.ErrInvalidPayload)
	assert.ErrorIs(t, ValidateUID("bad-\xff\xfe"), apperrors.ErrInvalidPayload)
	assert.ErrorIs(t, ValidateUID(strings.Repeat("a", MaxUIDLength+1)), apperrors.ErrInvalidPayload)
}
