// pkg/streams/keys.go
package streams

import (
	"fmt"

	"github.com/google/uuid"
)

// Stream names shared between producers and the notifier consumer group.
const (
	ExecutionResultsStream     = "execution_results"
	AuthErrorsStream           = "auth_errors"
	NotificationFailuresStream = "notification_failures"
)

func SessionTokenKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("session_token:%s", tenantID)
}

func ConnectionStatusKey(tenantID uuid.UUID) string {
	return fmt.Sprintf("connection_status:%s", tenantID)
}

func TickChannel(tenantID uuid.UUID, instrument uint32) string {
	return fmt.Sprintf("ticks:%s:%d", tenantID, instrument)
}

func TokenRefreshedChannel(tenantID uuid.UUID) string {
	return fmt.Sprintf("token_refreshed:%s", tenantID)
}
