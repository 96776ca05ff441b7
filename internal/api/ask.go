package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"

	"github.com/heartql/heartql/internal/export"
	"github.com/heartql/heartql/internal/observability"
	"github.com/heartql/heartql/internal/pipeline"
)

const maxRequestBytes = 64 << 10

type askRequest struct {
	Question string `json:"question"`
	Format   string `json:"format,omitempty"`
}

type askResponse struct {
	Columns    []string `json:"columns"`
	Rows       [][]any  `json:"rows"`
	RowCount   int      `json:"row_count"`
	Truncated  bool     `json:"truncated"`
	SQL        string   `json:"sql"`
	DurationMs int64    `json:"duration_ms"`
	TraceID    string   `json:"trace_id"`
}

type translateResponse struct {
	SQL        string `json:"sql"`
	DurationMs int64  `json:"duration_ms"`
	TraceID    string `json:"trace_id"`
}

func handleAsk(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	request, ok := decodeAskRequest(deps, w, r)
	if !ok {
		return
	}
	answer, err := deps.Pipeline.Answer(r.Context(), request.Question)
	if err != nil {
		writePipelineError(w, r, err)
		return
	}
	rows := answer.Rows
	if rows == nil {
		rows = [][]any{}
	}
	writeJSON(w, http.StatusOK, askResponse{
		Columns:    answer.Columns,
		Rows:       rows,
		RowCount:   len(rows),
		Truncated:  answer.Truncated,
		SQL:        answer.SQL,
		DurationMs: answer.Duration.Milliseconds(),
		TraceID:    observability.TraceIDFromContext(r.Context()),
	})
}

// handleAskExport answers the question and streams the rows back as a file
// attachment instead of JSON.
func handleAskExport(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	request, ok := decodeAskRequest(deps, w, r)
	if !ok {
		return
	}
	format, err := export.ParseFormat(request.Format)
	if err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, string(pipeline.KindValidation), err.Error(), false)
		return
	}
	answer, err := deps.Pipeline.Answer(r.Context(), request.Question)
	if err != nil {
		writePipelineError(w, r, err)
		return
	}

	var body bytes.Buffer
	if err := export.Write(&body, format, export.Table{Columns: answer.Columns, Rows: answer.Rows}); err != nil {
		writeError(r.Context(), w, http.StatusInternalServerError, "ExportFailure", err.Error(), false)
		return
	}
	filename := "heartql-" + observability.TraceIDFromContext(r.Context()) + format.Extension()
	w.Header().Set("Content-Type", format.ContentType())
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", filename))
	w.Header().Set("X-HeartQL-SQL", answer.SQL)
	w.Header().Set("X-HeartQL-Row-Count", fmt.Sprint(len(answer.Rows)))
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, &body)
}

func handleTranslate(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	request, ok := decodeAskRequest(deps, w, r)
	if !ok {
		return
	}
	translation, err := deps.Pipeline.Translate(r.Context(), request.Question)
	if err != nil {
		writePipelineError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, translateResponse{
		SQL:        translation.SQL,
		DurationMs: translation.Duration.Milliseconds(),
		TraceID:    observability.TraceIDFromContext(r.Context()),
	})
}

func decodeAskRequest(deps Dependencies, w http.ResponseWriter, r *http.Request) (askRequest, bool) {
	if deps.Pipeline == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "NotConfigured", "model provider is not configured", false)
		return askRequest{}, false
	}
	var request askRequest
	decoder := json.NewDecoder(http.MaxBytesReader(w, r.Body, maxRequestBytes))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, string(pipeline.KindValidation), "invalid request body: "+err.Error(), false)
		return askRequest{}, false
	}
	return request, true
}

func writePipelineError(w http.ResponseWriter, r *http.Request, err error) {
	var failure *pipeline.Error
	if !errors.As(err, &failure) {
		writeError(r.Context(), w, http.StatusInternalServerError, "InternalError", "internal error", true)
		return
	}
	writeJSON(w, statusForFailure(failure), errorResponse{
		ErrorKind: string(failure.Kind),
		Message:   failure.Message,
		Retryable: failure.Retryable,
		SQL:       failure.SQL,
		TraceID:   observability.TraceIDFromContext(r.Context()),
	})
}

func statusForFailure(failure *pipeline.Error) int {
	switch failure.Kind {
	case pipeline.KindValidation:
		return http.StatusBadRequest
	case pipeline.KindExtraction, pipeline.KindExecution:
		return http.StatusUnprocessableEntity
	case pipeline.KindModel:
		if failure.Timeout {
			return http.StatusGatewayTimeout
		}
		return http.StatusBadGateway
	default:
		return http.StatusInternalServerError
	}
}
