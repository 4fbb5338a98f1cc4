package ulid

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
)

func TestGenerate(t *testing.T) {
	id := Generate()
	assert.Len(t, id, 26, "raw ULID should be 26 characters")
	assert.True(t, Validate(id))
}

func TestGenerateWithPrefix(t *testing.T) {
	tests := []struct {
		name   string
		gen    func() string
		prefix string
	}{
		{"operation", OperationID, "op"},
		{"item", ItemID, "item"},
		{"sync log", SyncLogID, "log"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			id := tt.gen()
			assert.True(t, strings.HasPrefix(id, tt.prefix+PrefixSeparator))
			assert.True(t, Validate(id))
		})
	}
}

func TestValidate(t *testing.T) {
	assert.True(t, Validate(Generate()))
	assert.True(t, Validate(OperationID()))
	assert.False(t, Validate("not-a-ulid"))
	assert.False(t, Validate(""))
}

func TestMonotonicOrdering(t *testing.T) {
	// ULIDs generated in sequence must sort in generation order, since queue
	// tables rely on ordering by primary key.
	prev := Generate()
	for i := 0; i < 100; i++ {
		next := Generate()
		assert.True(t, prev < next, "ULIDs should be monotonically increasing")
		prev = next
	}
}
