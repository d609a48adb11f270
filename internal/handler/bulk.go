package handler

import (
	"mime"
	"mime/multipart"
	"net/http"
	"net/url"
	"path"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/go-faster/errors"
	"github.com/go-faster/jx"

	"github.com/xenking/coupon-service/internal/domain/bulk"
)

const (
	fileField       = "file_with_customer_keys"
	multipartMemory = 8 << 20
)

// bulkCreate accepts the coupon template with either customer_keys or a
// CSV file, as a multipart form or a JSON body.
func (h *Handler) bulkCreate(w http.ResponseWriter, r *http.Request) {
	var (
		req    bulk.Request
		values url.Values
		err    error
	)
	mediaType, _, _ := mime.ParseMediaType(r.Header.Get("Content-Type"))
	if mediaType == "multipart/form-data" {
		r.Body = http.MaxBytesReader(w, r.Body, h.cfg.MaxBodySize)
		if err := r.ParseMultipartForm(multipartMemory); err != nil {
			h.fail(w, r, badField("body", "must be a multipart form"))
			return
		}
		defer func() { _ = r.MultipartForm.RemoveAll() }()
		values = url.Values(r.MultipartForm.Value)

		file, header, err := r.FormFile(fileField)
		switch {
		case errors.Is(err, http.ErrMissingFile):
		case err != nil:
			h.fail(w, r, badField(fileField, "could not be read"))
			return
		default:
			defer func() { _ = file.Close() }()
			if !isCSV(header) {
				h.fail(w, r, badField(fileField, "must be in CSV format"))
				return
			}
			req.File = file
			req.FileName = header.Filename
		}
	} else if values, err = h.readBody(r); err != nil {
		h.fail(w, r, err)
		return
	}

	if req.Template, err = h.parseInput(values); err != nil {
		h.fail(w, r, err)
		return
	}
	req.CustomerKeys = values["customer_keys"]

	t, err := h.bulk.Submit(r.Context(), req)
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, func(e *jx.Encoder) {
		e.ObjStart()
		e.FieldStart("task_id")
		e.Str(t.ID)
		e.ObjEnd()
	})
}

func isCSV(h *multipart.FileHeader) bool {
	ct := strings.ToLower(h.Header.Get("Content-Type"))
	if strings.Contains(ct, "csv") || strings.Contains(ct, "gzip") {
		return true
	}
	name := strings.ToLower(h.Filename)
	return strings.HasSuffix(name, ".csv") || path.Ext(name) == ".gz"
}

func (h *Handler) getTask(w http.ResponseWriter, r *http.Request) {
	t, err := h.bulk.Task(r.Context(), chi.URLParam(r, "taskID"))
	if err != nil {
		h.fail(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, func(e *jx.Encoder) { h.encodeTask(e, t) })
}
