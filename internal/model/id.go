package model

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
)

var executionIDRegex = regexp.MustCompile(`^exec_[0-9]{10}_[0-9a-f]{8}$`)

// NewExecutionID returns exec_<unix>_<8 hex>. The timestamp prefix keeps log
// artifacts sortable by start time.
func NewExecutionID() string {
	short := strings.ReplaceAll(uuid.NewString(), "-", "")[:8]
	return fmt.Sprintf("exec_%010d_%s", time.Now().Unix(), short)
}

func ValidateExecutionID(id string) bool {
	return executionIDRegex.MatchString(id)
}

func ParseExecutionTimestamp(id string) (time.Time, error) {
	if !ValidateExecutionID(id) {
		return time.Time{}, fmt.Errorf("invalid execution ID format: %s", id)
	}
	ts, err := strconv.ParseInt(id[5:15], 10, 64)
	if err != nil {
		return time.Time{}, fmt.Errorf("failed to parse timestamp from ID %s: %w", id, err)
	}
	return time.Unix(ts, 0), nil
}
