package gateway

import (
	"bytes"
	"encoding/json"
	"mime"
	"net/url"
	"strings"

	"github.com/cockroachdb/errors"
)

// ParseCallback decodes a server callback body into flat params. The gateway
// posts either JSON (optionally wrapped in {"response": {...}}) or a form.
func ParseCallback(contentType string, body []byte) (map[string]string, error) {
	body = bytes.TrimSpace(body)
	if len(body) == 0 {
		return nil, errors.New("gateway: empty callback body")
	}
	mediaType, _, _ := mime.ParseMediaType(contentType)
	if mediaType == "application/json" || (mediaType == "" && body[0] == '{') {
		var envelope struct {
			Response json.RawMessage `json:"response"`
		}
		if err := json.Unmarshal(body, &envelope); err == nil && len(envelope.Response) > 0 && envelope.Response[0] == '{' {
			return FlattenJSON(envelope.Response)
		}
		return FlattenJSON(body)
	}
	values, err := url.ParseQuery(string(body))
	if err != nil {
		return nil, errors.Wrap(err, "gateway: decode callback form")
	}
	out := make(map[string]string, len(values))
	for k, v := range values {
		if len(v) > 0 {
			out[k] = v[0]
		}
	}
	return out, nil
}

// MissingFields lists the structural fields a callback must carry.
func MissingFields(params map[string]string) []string {
	var missing []string
	for _, key := range []string{"order_id", "order_status", "amount"} {
		if strings.TrimSpace(params[key]) == "" {
			missing = append(missing, key)
		}
	}
	return missing
}
