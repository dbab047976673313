package graceful

import (
	"encoding/json"
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Messenger is the error transport consulted when shutdown is triggered by an
// error. It is expected to durably record the error somewhere an operator
// will find it; the coordinator refuses to exit gracefully while the call is
// in flight. details may be nil.
type Messenger func(err error, details map[string]interface{})

// incident is the record written by the last-resort messenger.
type incident struct {
	ID      string                 `json:"id"`
	Time    time.Time              `json:"time"`
	Error   string                 `json:"error"`
	Details map[string]interface{} `json:"details,omitempty"`
}

// LastResort returns a messenger that writes one JSON line per error to w,
// tagged with a unique incident id. It is the bundled fallback used when no
// real error transport is configured.
func LastResort(w io.Writer) Messenger {
	var mu sync.Mutex
	return func(err error, details map[string]interface{}) {
		rec := incident{
			ID:      uuid.NewString(),
			Time:    time.Now().UTC(),
			Error:   err.Error(),
			Details: details,
		}
		line, merr := json.Marshal(rec)
		if merr != nil {
			line = []byte(fmt.Sprintf(`{"id":%q,"error":%q}`, rec.ID, rec.Error))
		}
		mu.Lock()
		defer mu.Unlock()
		_, _ = w.Write(append(line, '\n'))
	}
}
