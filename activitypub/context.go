package activitypub

import (
	"bytes"
	_ "embed"
	"encoding/json"
	"fmt"
	"sync"

	"github.com/deemkeen/federate/domain"
)

//go:embed context.json
var contextDocument []byte

// Context returns the JSON-LD context sent with every outgoing activity.
// It is compacted once on first use and shared read-only afterwards.
var Context = sync.OnceValue(func() json.RawMessage {
	var buf bytes.Buffer
	if err := json.Compact(&buf, contextDocument); err != nil {
		panic(fmt.Sprintf("embedded context document is invalid: %v", err))
	}
	return json.RawMessage(buf.Bytes())
})

// WithContext serializes the activity with the context as its first field
// and the activity's own fields next to it at the top level.
func WithContext(a *domain.Activity) ([]byte, error) {
	body, err := json.Marshal(a)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal activity %s: %w", a.ID, err)
	}
	if len(body) < 2 || body[0] != '{' {
		return nil, fmt.Errorf("activity %s did not marshal to an object", a.ID)
	}

	ctx := Context()
	out := make([]byte, 0, len(body)+len(ctx)+16)
	out = append(out, `{"@context":`...)
	out = append(out, ctx...)
	if len(body) > 2 {
		out = append(out, ',')
	}
	out = append(out, body[1:]...)
	return out, nil
}
