package api

import (
	"encoding/json"
	"net/http"

	xerrors "starknet-agent-kit/internal/errors"
)

// errorBody 是所有失败响应的统一结构。
type errorBody struct {
	Status string       `json:"status"`
	Error  string       `json:"error"`
	Code   xerrors.Code `json:"code"`
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, err error) {
	code := xerrors.CodeOf(err)
	writeJSON(w, xerrors.HTTPStatus(code), errorBody{
		Status: "failure",
		Error:  xerrors.PublicMessage(err),
		Code:   code,
	})
}

// decodeBody 解析 JSON 请求体，body 上限为 1MB。
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) error {
	r.Body = http.MaxBytesReader(w, r.Body, 1<<20)
	dec := json.NewDecoder(r.Body)
	if err := dec.Decode(dst); err != nil {
		return xerrors.Wrap(xerrors.CodeInvalidArgument, err, "请求体解析失败")
	}
	return nil
}

func unavailable(component string) error {
	return xerrors.New(xerrors.CodeInitializationFailure, component+" 未启用")
}
