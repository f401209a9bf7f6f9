package server

import (
	"context"
	"io"
	"mime/multipart"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"github.com/pkg/errors"
	"go.uber.org/zap"

	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/apperr"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/job"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/output"
	"github.com/dnobori/DN-SuperBook-PDF-Converter/internal/recovery"
)

// multipartMemory is how much of a form is buffered in memory before
// spilling to temporary files.
const multipartMemory = 32 << 20

func jobURL(id string) string   { return "/api/jobs/" + id }
func batchURL(id string) string { return "/api/batches/" + id }

// safeName keeps the base name of an uploaded file.
func safeName(name string) string {
	name = filepath.Base(strings.ReplaceAll(name, "\\", "/"))
	if name == "." || name == ".." || name == "/" || name == "" {
		return "upload"
	}
	return name
}

// saveUpload copies an uploaded file under its own directory in UploadDir.
func (s *Server) saveUpload(fh *multipart.FileHeader) (name, path string, err error) {
	name = safeName(fh.Filename)
	dir := filepath.Join(s.opts.UploadDir, uuid.NewString())
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", "", err
	}
	src, err := fh.Open()
	if err != nil {
		return "", "", err
	}
	defer src.Close()
	path = filepath.Join(dir, name)
	dst, err := os.Create(path)
	if err != nil {
		return "", "", err
	}
	if _, err := io.Copy(dst, src); err != nil {
		dst.Close()
		return "", "", err
	}
	return name, path, dst.Close()
}

// parseSubmission reads the options and priority fields shared by job and
// batch submissions.
func parseSubmission(r *http.Request) (job.Options, job.Priority, error) {
	opts, err := job.ParseOptions([]byte(r.FormValue("options")))
	if err != nil {
		return job.Options{}, 0, err
	}
	pr, ok := job.ParsePriority(r.FormValue("priority"))
	if !ok {
		return job.Options{}, 0, apperr.Validation("unknown priority " + strconv.Quote(r.FormValue("priority")))
	}
	return opts, pr, nil
}

func (s *Server) parseForm(r *http.Request) error {
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			return err
		}
		return apperr.Validation("expected a multipart form: " + err.Error())
	}
	return nil
}

// POST /api/jobs
func (s *Server) handleSubmitJob(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(r); err != nil {
		writeError(w, err, nil)
		return
	}
	defer r.MultipartForm.RemoveAll()
	opts, pr, err := parseSubmission(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	files := r.MultipartForm.File["file"]
	if len(files) != 1 {
		writeError(w, apperr.Validation("exactly one file field is required"), nil)
		return
	}
	name, path, err := s.saveUpload(files[0])
	if err != nil {
		s.log.Error("saving upload failed", zap.Error(err))
		writeError(w, err, nil)
		return
	}

	j, err := s.engine.SubmitJob(r.Context(), name, path, opts, pr)
	if err != nil {
		extra := map[string]any{}
		if j.ID != "" {
			extra["job_id"] = j.ID
		}
		writeError(w, err, extra)
		return
	}

	// Quick jobs can be answered in one round trip.
	if wait, ok := parseWait(r.URL.Query().Get("wait"), s.opts.MaxWait); ok {
		ctx, cancel := context.WithTimeout(r.Context(), wait)
		defer cancel()
		if done, err := s.engine.WaitJob(ctx, j.ID); err == nil {
			writeJSON(w, http.StatusOK, done)
			return
		}
		if cur, err := s.engine.Job(j.ID); err == nil {
			j = cur
		}
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     j.ID,
		"status":     j.Status,
		"status_url": jobURL(j.ID),
	})
}

func parseWait(v string, limit time.Duration) (time.Duration, bool) {
	if v == "" {
		return 0, false
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		secs, serr := strconv.Atoi(v)
		if serr != nil {
			return 0, false
		}
		d = time.Duration(secs) * time.Second
	}
	if d <= 0 {
		return 0, false
	}
	return min(d, limit), true
}

// GET /api/jobs
func (s *Server) handleHistory(w http.ResponseWriter, r *http.Request) {
	q, err := parseHistory(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	page, err := s.engine.History(q)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, page)
}

func parseHistory(r *http.Request) (recovery.Query, error) {
	var q recovery.Query
	v := r.URL.Query()
	if raw := v.Get("status"); raw != "" {
		for _, part := range strings.Split(raw, ",") {
			st, ok := job.ParseStatus(strings.TrimSpace(part))
			if !ok {
				return q, apperr.Validation("unknown status " + strconv.Quote(part))
			}
			q.Statuses = append(q.Statuses, st)
		}
	}
	for key, dst := range map[string]*time.Time{"from": &q.From, "to": &q.To} {
		if raw := v.Get(key); raw != "" {
			t, err := time.Parse(time.RFC3339, raw)
			if err != nil {
				return q, apperr.Validation(key + " must be an RFC 3339 time")
			}
			*dst = t
		}
	}
	for key, dst := range map[string]*int{"limit": &q.Limit, "offset": &q.Offset} {
		if raw := v.Get(key); raw != "" {
			n, err := strconv.Atoi(raw)
			if err != nil {
				return q, apperr.Validation(key + " must be an integer")
			}
			*dst = n
		}
	}
	return q, nil
}

// GET /api/jobs/{id}
func (s *Server) handleGetJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.engine.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// DELETE /api/jobs/{id}
func (s *Server) handleCancelJob(w http.ResponseWriter, r *http.Request) {
	j, err := s.engine.CancelJob(chi.URLParam(r, "id"))
	if err != nil {
		extra := map[string]any{}
		if j.ID != "" {
			extra["status"] = j.Status
		}
		writeError(w, err, extra)
		return
	}
	writeJSON(w, http.StatusOK, j)
}

// POST /api/jobs/{id}/retry
func (s *Server) handleRetryJob(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	j, err := s.engine.Retry(r.Context(), id)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"job_id":     j.ID,
		"retry_of":   id,
		"status":     j.Status,
		"status_url": jobURL(j.ID),
	})
}

// GET /api/jobs/{id}/download
func (s *Server) handleDownload(w http.ResponseWriter, r *http.Request) {
	j, err := s.engine.Job(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	if j.Status != job.StatusCompleted || j.OutputPath == "" {
		writeError(w, errors.Wrapf(apperr.ErrInvalidState, "job is %s, no output yet", j.Status), nil)
		return
	}
	if _, _, remote := output.ParseLocation(j.OutputPath); remote {
		if s.presigner == nil {
			writeError(w, errors.New("no presigner for remote output"), nil)
			return
		}
		link, err := s.presigner.PresignedURL(r.Context(), j.OutputPath)
		if err != nil {
			s.log.Error("presigning output failed", zap.String("job_id", j.ID), zap.Error(err))
			writeError(w, err, nil)
			return
		}
		http.Redirect(w, r, link, http.StatusFound)
		return
	}
	f, err := os.Open(j.OutputPath)
	if err != nil {
		writeError(w, errors.Wrap(apperr.ErrNotFound, "output file is gone"), nil)
		return
	}
	defer f.Close()
	info, err := f.Stat()
	if err != nil {
		writeError(w, err, nil)
		return
	}
	w.Header().Set("Content-Disposition", `attachment; filename="`+filepath.Base(j.OutputPath)+`"`)
	http.ServeContent(w, r, filepath.Base(j.OutputPath), info.ModTime(), f)
}

// POST /api/batches
func (s *Server) handleSubmitBatch(w http.ResponseWriter, r *http.Request) {
	if err := s.parseForm(r); err != nil {
		writeError(w, err, nil)
		return
	}
	defer r.MultipartForm.RemoveAll()
	opts, pr, err := parseSubmission(r)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	files := r.MultipartForm.File["files"]
	if len(files) == 0 {
		writeError(w, apperr.Validation("at least one files field is required"), nil)
		return
	}
	names := make([]string, 0, len(files))
	paths := make([]string, 0, len(files))
	for _, fh := range files {
		name, path, err := s.saveUpload(fh)
		if err != nil {
			s.log.Error("saving upload failed", zap.Error(err))
			writeError(w, err, nil)
			return
		}
		names = append(names, name)
		paths = append(paths, path)
	}

	b, err := s.engine.SubmitBatch(r.Context(), opts, pr, names, paths)
	if err != nil {
		extra := map[string]any{}
		if b.ID != "" {
			extra["batch_id"] = b.ID
		}
		writeError(w, err, extra)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{
		"batch_id":   b.ID,
		"job_ids":    b.JobIDs,
		"status_url": batchURL(b.ID),
	})
}

// GET /api/batches
func (s *Server) handleListBatches(w http.ResponseWriter, r *http.Request) {
	list := s.engine.ListBatches()
	if list == nil {
		writeJSON(w, http.StatusOK, map[string]any{"batches": []any{}})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"batches": list})
}

// GET /api/batches/{id}
func (s *Server) handleGetBatch(w http.ResponseWriter, r *http.Request) {
	v, err := s.engine.Batch(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, v)
}

// DELETE /api/batches/{id}
func (s *Server) handleCancelBatch(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	cancelled, done, err := s.engine.CancelBatch(id)
	if err != nil {
		writeError(w, err, nil)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"batch_id":         id,
		"cancelled":        cancelled,
		"already_terminal": done,
	})
}
