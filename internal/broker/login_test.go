package broker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

// base32 per RFC 4648, the TOTP secret alphabet.
const testTOTPSecret = "JBSWY3DPEHPK3PXP"

func TestRequestToken(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var in map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&in))
		assert.Equal(t, "key1", in["api_key"])
		assert.Equal(t, "OP123", in["user_id"])
		assert.Equal(t, "hunter2", in["password"])
		assert.Len(t, in["totp_code"], 6)

		fmt.Fprint(w, `{"redirect_url":"https://broker.example/cb?status=ok&request_token=rt-42"}`)
	}))
	defer srv.Close()

	flow := NewAutomationLoginFlow(srv.URL)
	token, err := flow.RequestToken(context.Background(), LoginCredentials{
		TenantID:   uuid.New(),
		APIKey:     "key1",
		UserID:     "OP123",
		Password:   "hunter2",
		TOTPSecret: testTOTPSecret,
	})
	require.NoError(t, err)
	assert.Equal(t, "rt-42", token)
}

func TestRequestTokenMissingInRedirect(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		fmt.Fprint(w, `{"redirect_url":"https://broker.example/cb?status=denied"}`)
	}))
	defer srv.Close()

	flow := NewAutomationLoginFlow(srv.URL)
	_, err := flow.RequestToken(context.Background(), LoginCredentials{
		TenantID: uuid.New(), APIKey: "k", UserID: "u", Password: "p", TOTPSecret: testTOTPSecret,
	})
	require.Error(t, err)
	assert.Contains(t, err.Error(), "request_token not found")
}

func TestDecodeTicks(t *testing.T) {
	ticks := decodeTicks([]byte(`[{"instrument_token":256265,"last_price":101.5}]`))
	require.Len(t, ticks, 1)
	token, ok := ticks[0].InstrumentToken()
	require.True(t, ok)
	assert.Equal(t, uint32(256265), token)

	ticks = decodeTicks([]byte(`{"type":"tick","data":[{"instrument_token":1},{"instrument_token":2}]}`))
	assert.Len(t, ticks, 2)

	assert.Nil(t, decodeTicks([]byte{0x0})) // heartbeat
	assert.Nil(t, decodeTicks([]byte(`{"type":"order","data":[]}`)))
	assert.Nil(t, decodeTicks(nil))
}

func TestTickWithoutInstrumentToken(t *testing.T) {
	_, ok := Tick{"last_price": 10.0}.InstrumentToken()
	assert.False(t, ok)
}
