package web

import (
	"encoding/json"
	"errors"
	"io"
	"math"
	"net/http"
	"strconv"
	"time"

	apperrors "github.com/sweeney/roofctl/internal/errors"
	"github.com/sweeney/roofctl/internal/sensor"
)

// maxBodyBytes bounds command request bodies.
const maxBodyBytes = 4 << 10

// errorJSON is the body of every failed request.
type errorJSON struct {
	OK      bool           `json:"ok"`
	Error   string         `json:"error"`
	Kind    apperrors.Kind `json:"kind,omitempty"`
	Context map[string]any `json:"context,omitempty"`
}

// commandBody is the optional JSON body of the /roof commands.
type commandBody struct {
	MS     *int64  `json:"ms"`
	Target *string `json:"target"`
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

// writeError renders err with the status of its kind. extra is merged into
// the context.
func writeError(w http.ResponseWriter, err error, extra map[string]any) {
	body := errorJSON{
		Error: err.Error(),
		Kind:  apperrors.KindOf(err),
	}
	if ctx := apperrors.ContextOf(err); len(ctx) > 0 || len(extra) > 0 {
		body.Context = make(map[string]any, len(ctx)+len(extra))
		for k, v := range ctx {
			body.Context[k] = v
		}
		for k, v := range extra {
			body.Context[k] = v
		}
	}
	writeJSON(w, apperrors.HTTPStatus(err), body)
}

// decodeCommand reads an optional JSON body. An empty body is not an error.
func decodeCommand(r *http.Request) (commandBody, error) {
	var body commandBody
	if r.Body == nil {
		return body, nil
	}
	err := json.NewDecoder(io.LimitReader(r.Body, maxBodyBytes)).Decode(&body)
	if err != nil && !errors.Is(err, io.EOF) {
		return body, apperrors.InvalidArgumentError("malformed JSON body").WithContext("detail", err.Error())
	}
	return body, nil
}

// parseMS parses an optional millisecond query value. ok is false when absent.
func parseMS(raw string) (ms int64, ok bool, err error) {
	if raw == "" {
		return 0, false, nil
	}
	ms, err = strconv.ParseInt(raw, 10, 64)
	if err != nil {
		return 0, false, apperrors.InvalidArgumentError("ms must be an integer").WithContext("ms", raw)
	}
	return ms, true, nil
}

// maxMS is the largest millisecond count representable as a time.Duration.
const maxMS = int64(math.MaxInt64 / int64(time.Millisecond))

// msDuration converts ms to a duration, rejecting values that would overflow.
func msDuration(ms int64) (time.Duration, error) {
	if ms > maxMS || ms < -maxMS {
		return 0, apperrors.InvalidArgumentError("ms out of range").WithContext("ms", ms)
	}
	return time.Duration(ms) * time.Millisecond, nil
}

// readingFields flattens a reading's JSON form so extra keys can sit beside it.
func readingFields(rd sensor.Reading) (map[string]any, error) {
	data, err := json.Marshal(rd)
	if err != nil {
		return nil, err
	}
	out := make(map[string]any)
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}
