package replication

import (
	"fmt"

	"nextgen-credit/internal/models"
)

const (
	keyPrefix       = "credit"
	killListSegment = "kill_list"
)

// Hash fields of a credit record.
const (
	FieldConcurrentCalls = "concurrent_calls"
	FieldConsumed        = "consumed_amount"
	FieldEnded           = "ended_calls_consumed_amount"
	FieldMax             = "max_amount"
	FieldNumberOfCalls   = "number_of_calls"
	FieldType            = "type"
)

func RecordKey(typ models.CreditType, clientID string) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, typ, clientID)
}

// KillListChannel is the pub/sub channel shared by every node.
func KillListChannel() string {
	return fmt.Sprintf("%s:%s", keyPrefix, killListSegment)
}

// KillSetKey holds the clients of one type already broadcast for termination.
func KillSetKey(typ models.CreditType) string {
	return fmt.Sprintf("%s:%s:%s", keyPrefix, killListSegment, typ)
}
