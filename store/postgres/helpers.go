package postgres

import (
	"errors"
	"strconv"

	"github.com/jackc/pgx/v5"

	"github.com/xraph/msgq"
)

// notifyChannel is the LISTEN/NOTIFY channel carrying changed keys.
const notifyChannel = "msgq_changes"

// openLockID is the advisory lock serializing channel creation.
const openLockID = 0x6d736771 // "msgq"

// isNoRows returns true when err indicates no rows were found.
func isNoRows(err error) bool {
	return errors.Is(err, pgx.ErrNoRows)
}

// parseNotifyPayload extracts the channel key from a notification.
func parseNotifyPayload(payload string) (msgq.Key, bool) {
	n, err := strconv.ParseInt(payload, 10, 64)
	if err != nil {
		return 0, false
	}
	return msgq.Key(n), true
}
