package web

import (
	"bytes"
	"fmt"
	"io"
	"mime"
	"net/http"
	"path"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/roach88/kbase/internal/blob"
	"github.com/roach88/kbase/internal/model"
	"github.com/roach88/kbase/internal/reconcile"
	"github.com/roach88/kbase/internal/transfer"
)

// Item handlers

func (s *Server) handleList(c *gin.Context) {
	q := reconcile.ListQuery{Kind: model.Kind(c.Query("kind"))}
	var err error
	if q.Limit, err = intQuery(c, "limit"); err != nil {
		s.abortWithError(c, err)
		return
	}
	if q.Offset, err = intQuery(c, "offset"); err != nil {
		s.abortWithError(c, err)
		return
	}

	items, err := s.eng.List(c.Request.Context(), q)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (s *Server) handleSearch(c *gin.Context) {
	items, err := s.eng.Search(c.Request.Context(), c.Query("q"), model.Kind(c.Query("kind")))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"items": items, "count": len(items)})
}

func (s *Server) handleGet(c *gin.Context) {
	it, err := s.eng.Get(c.Request.Context(), c.Param("id"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, it)
}

func (s *Server) handleCreate(c *gin.Context) {
	var in model.ItemInput
	if !s.bindItem(c, &in) {
		return
	}
	it, err := s.eng.Reconcile(c.Request.Context(), "", in)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, it)
}

func (s *Server) handleUpdate(c *gin.Context) {
	var in model.ItemInput
	if !s.bindItem(c, &in) {
		return
	}
	id := c.Param("id")
	if in.ID == "" {
		in.ID = id
	}
	it, err := s.eng.Reconcile(c.Request.Context(), id, in)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, it)
}

func (s *Server) handleDelete(c *gin.Context) {
	if err := s.eng.Delete(c.Request.Context(), c.Param("id")); err != nil {
		s.abortWithError(c, err)
		return
	}
	c.Status(http.StatusNoContent)
}

func (s *Server) handleByKind(kind model.Kind) gin.HandlerFunc {
	return func(c *gin.Context) {
		items, err := s.eng.ByKind(c.Request.Context(), kind)
		if err != nil {
			s.abortWithError(c, err)
			return
		}
		c.JSON(http.StatusOK, items)
	}
}

// bindItem decodes a desired-state body. It writes the error response and
// returns false on failure.
func (s *Server) bindItem(c *gin.Context, in *model.ItemInput) bool {
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes)
	if err := c.ShouldBindJSON(in); err != nil {
		s.abortWithError(c, badRequest("body", err.Error()))
		return false
	}
	return true
}

// Image handlers

func (s *Server) handleUpload(c *gin.Context) {
	// Leave room for the multipart envelope around the file.
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxUploadBytes+1<<20)

	fh, err := c.FormFile("file")
	if err != nil {
		s.abortWithError(c, badRequest("file", err.Error()))
		return
	}
	if fh.Size > s.opts.MaxUploadBytes {
		s.abortWithError(c, badRequest("file", fmt.Sprintf("file is %d bytes, max is %d", fh.Size, s.opts.MaxUploadBytes)))
		return
	}
	f, err := fh.Open()
	if err != nil {
		s.abortWithError(c, badRequest("file", err.Error()))
		return
	}
	defer f.Close()

	raw, err := io.ReadAll(f)
	if err != nil {
		s.abortWithError(c, badRequest("file", err.Error()))
		return
	}

	key, err := s.eng.Attach(c.Request.Context(), raw, fh.Header.Get("Content-Type"))
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusCreated, gin.H{"key": key, "url": "/uploads/" + key})
}

func (s *Server) handleImage(c *gin.Context) {
	key := c.Param("key")
	if !blob.ValidKey(key) {
		s.abortWithError(c, model.NewNotFoundError("image", key))
		return
	}
	data, err := s.blobs.Get(c.Request.Context(), key)
	if blob.ErrNotFound.Has(err) {
		s.abortWithError(c, model.NewNotFoundError("image", key))
		return
	}
	if err != nil {
		s.abortWithError(c, model.NewStorageError("read image", err))
		return
	}

	contentType := mime.TypeByExtension(path.Ext(key))
	if contentType == "" {
		contentType = "application/octet-stream"
	}
	// Keys are never reused for different content.
	c.Header("Cache-Control", "public, max-age=31536000, immutable")
	c.Data(http.StatusOK, contentType, data)
}

// Bulk handlers

func (s *Server) handleExport(c *gin.Context) {
	embed, err := boolQuery(c, "embed")
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	format := c.DefaultQuery("format", "json")

	doc, err := s.exporter.Export(c.Request.Context(), transfer.ExportOptions{EmbedImages: embed})
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	var buf bytes.Buffer
	contentType := "application/json"
	filename := "kbase-export.json"
	switch format {
	case "legacy":
		err = transfer.EncodeLegacy(&buf, doc)
	default:
		f, perr := transfer.ParseFormat(format)
		if perr != nil {
			s.abortWithError(c, badRequest("format", perr.Error()))
			return
		}
		if f == transfer.FormatYAML {
			contentType = "application/yaml"
			filename = "kbase-export.yaml"
		}
		err = transfer.Encode(&buf, doc, f)
	}
	if err != nil {
		s.abortWithError(c, model.NewStorageError("encode export", err))
		return
	}

	c.Header("Content-Disposition", `attachment; filename="`+filename+`"`)
	c.Data(http.StatusOK, contentType+"; charset=utf-8", buf.Bytes())
}

func (s *Server) handleImport(c *gin.Context) {
	mode, err := transfer.ParseMode(c.DefaultQuery("mode", string(transfer.ModeMerge)))
	if err != nil {
		s.abortWithError(c, err)
		return
	}

	format := transfer.FormatJSON
	if name := c.Query("format"); name != "" {
		if format, err = transfer.ParseFormat(name); err != nil {
			s.abortWithError(c, badRequest("format", err.Error()))
			return
		}
	} else if strings.Contains(c.ContentType(), "yaml") {
		format = transfer.FormatYAML
	}

	body := http.MaxBytesReader(c.Writer, c.Request.Body, s.opts.MaxBodyBytes)
	doc, err := transfer.Decode(body, format)
	if err != nil {
		if model.IsStorage(err) {
			// Reading the body failed, most likely on the size limit.
			err = badRequest("body", err.Error())
		}
		s.abortWithError(c, err)
		return
	}

	report, err := s.importer.Import(c.Request.Context(), doc, mode)
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, report)
}

func (s *Server) handleClear(c *gin.Context) {
	confirm, err := boolQuery(c, "confirm")
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	if !confirm {
		s.abortWithError(c, badRequest("confirm", "must be true to delete every item"))
		return
	}
	n, err := s.eng.Clear(c.Request.Context())
	if err != nil {
		s.abortWithError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"deleted": n})
}

func (s *Server) handleSweep(c *gin.Context) {
	ctx := c.Request.Context()
	scheduled, err := s.eng.Sweeper().Flush(ctx)
	if err != nil {
		s.abortWithError(c, model.NewStorageError("sweep scheduled images", err))
		return
	}
	full, err := s.eng.Sweeper().SweepAll(ctx)
	if err != nil {
		s.abortWithError(c, model.NewStorageError("sweep images", err))
		return
	}
	c.JSON(http.StatusOK, gin.H{"scheduled": scheduled, "full": full})
}

func intQuery(c *gin.Context, name string) (int, error) {
	v := c.Query(name)
	if v == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, badRequest(name, fmt.Sprintf("must be an integer, got %q", v))
	}
	return n, nil
}

func boolQuery(c *gin.Context, name string) (bool, error) {
	v := c.Query(name)
	if v == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return false, badRequest(name, fmt.Sprintf("must be true or false, got %q", v))
	}
	return b, nil
}
