package httpapi

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
)

// maxSensorConfigBody 传感器配置请求体上限
const maxSensorConfigBody = 1 << 16

func respondOK(w http.ResponseWriter, result any) {
	respond(w, http.StatusOK, Ok(result))
}

func respondError(w http.ResponseWriter, status int, message string) {
	respond(w, status, Fail(message))
}

func respond(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

// decodeBody 解析单个 JSON 对象；空请求体视为未提供任何字段
func decodeBody(w http.ResponseWriter, r *http.Request, maxBytes int64, out any) error {
	dec := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxBytes))
	if err := dec.Decode(out); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return err
	}
	if dec.More() {
		return errors.New("unexpected data after request body")
	}
	return nil
}
