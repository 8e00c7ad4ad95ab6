// AccidentFilter narrows the stored accident list.
package dto

import "time"

type AccidentFilter struct {
	SessionID string
	Camera    string
	After     time.Time
	Before    time.Time
	Limit     int
	Offset    int
}
