package admission

import (
	"strconv"

	"github.com/google/uuid"
)

func newRequestID() string {
	return uuid.NewString()
}

func itoa(n int) string {
	return strconv.Itoa(n)
}
