package ingester

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/hazyhaar/intake/docpipe"
	"github.com/hazyhaar/intake/horosafe"
	"github.com/hazyhaar/intake/kit"
	"github.com/hazyhaar/intake/shield"
	"github.com/hazyhaar/intake/transform"
)

// multipartMemory is the part of a multipart form kept in memory; the rest
// spills to temporary files.
const multipartMemory = 8 << 20

// MaxBytes returns the artifact size ceiling.
func (ing *Ingester) MaxBytes() int64 { return ing.maxBytes }

// UploadHandler accepts a multipart upload (field "file") from an
// authenticated client and answers with the run Summary. Status codes:
// 200 success or partial success, 400 document errors, 413 too large,
// 422 validation failure, 429 rate limited, 502 delivery failure, 500
// internal error.
func UploadHandler(ing *Ingester) http.Handler {
	return uploadHandler(ing, false)
}

// CheckHandler is UploadHandler as a dry run: nothing is delivered and the
// rate limit is not consumed. The canonical records are included.
func CheckHandler(ing *Ingester) http.Handler {
	return uploadHandler(ing, true)
}

func uploadHandler(ing *Ingester, dryRun bool) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		logger := shield.GetLogger(r.Context())
		if r.Method != http.MethodPost {
			writeJSON(w, http.StatusMethodNotAllowed, map[string]string{"error": "method not allowed"})
			return
		}
		clientID := kit.GetClientID(r.Context())
		if clientID == "" {
			writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "authentication required"})
			return
		}

		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			var tooBig *http.MaxBytesError
			if errors.As(err, &tooBig) {
				writeJSON(w, http.StatusRequestEntityTooLarge, map[string]string{"error": "request body too large"})
				return
			}
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "parse form: " + err.Error()})
			return
		}
		defer r.MultipartForm.RemoveAll()

		file, header, err := r.FormFile("file")
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "missing file field"})
			return
		}
		defer file.Close()

		// One byte over the ceiling is enough for the ingester to refuse it.
		data, err := io.ReadAll(io.LimitReader(file, ing.maxBytes+1))
		if err != nil {
			writeJSON(w, http.StatusBadRequest, map[string]string{"error": "read file: " + err.Error()})
			return
		}
		a := docpipe.Artifact{
			Name:        horosafe.BaseName(header.Filename),
			ContentType: header.Header.Get("Content-Type"),
			Data:        data,
		}

		var res *Result
		if dryRun {
			res = ing.Check(r.Context(), clientID, a)
		} else {
			res = ing.Ingest(r.Context(), clientID, a)
		}

		code := http.StatusOK
		if res.Failure != nil {
			code = res.Failure.Kind.HTTPStatus()
		}
		logger.Info("upload handled", "run_id", res.RunID, "client", clientID, "status", code, "dry_run", dryRun)

		w.Header().Set("X-Run-ID", res.RunID)
		if dryRun {
			writeJSON(w, code, struct {
				Summary
				Records []transform.CanonicalRecord `json:"records,omitempty"`
			}{res.Summary(), res.Records})
			return
		}
		writeJSON(w, code, res.Summary())
	})
}

func writeJSON(w http.ResponseWriter, code int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(v)
}
