package streams

import (
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
)

func TestKeyScheme(t *testing.T) {
	id := uuid.MustParse("11111111-2222-3333-4444-555555555555")

	assert.Equal(t, "session_token:11111111-2222-3333-4444-555555555555", SessionTokenKey(id))
	assert.Equal(t, "connection_status:11111111-2222-3333-4444-555555555555", ConnectionStatusKey(id))
	assert.Equal(t, "ticks:11111111-2222-3333-4444-555555555555:256265", TickChannel(id, 256265))
	assert.Equal(t, "token_refreshed:11111111-2222-3333-4444-555555555555", TokenRefreshedChannel(id))
}
