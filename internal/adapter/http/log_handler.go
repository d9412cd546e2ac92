package http

import (
	"net/http"
	"strconv"

	"github.com/paastel-io/paastel/internal/service"
)

type LogHandler struct {
	svc *service.LogService
}

func NewLogHandler(svc *service.LogService) *LogHandler {
	return &LogHandler{svc: svc}
}

// GetBuildLogs 不带 step / from / to 参数时返回整个构建拼接后的文本，
// 否则返回指定范围内的 chunk，便于客户端增量拉取。
func (h *LogHandler) GetBuildLogs(w http.ResponseWriter, r *http.Request) {
	id, err := idParam(r, "id")
	if err != nil {
		writeError(w, err)
		return
	}
	q := r.URL.Query()
	if !q.Has("step") && !q.Has("from") && !q.Has("to") {
		text, err := h.svc.GetBuildLogText(r.Context(), id)
		if err != nil {
			writeError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, map[string]string{"logs": text})
		return
	}

	var stepID *int64
	if raw := q.Get("step"); raw != "" {
		v, err := strconv.ParseInt(raw, 10, 64)
		if err != nil {
			writeError(w, invalidQuery("step", raw))
			return
		}
		stepID = &v
	}
	from, err := intQuery(r, "from", 0)
	if err != nil {
		writeError(w, err)
		return
	}
	to, err := intQuery(r, "to", -1)
	if err != nil {
		writeError(w, err)
		return
	}
	chunks, err := h.svc.GetBuildLogs(r.Context(), id, stepID, from, to)
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, chunks)
}
