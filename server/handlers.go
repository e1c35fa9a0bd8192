package server

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/gin-gonic/gin"

	"github.com/Skryldev/imaged"
	"github.com/Skryldev/imaged/core"
	apperrors "github.com/Skryldev/imaged/errors"
	"github.com/Skryldev/imaged/validate"
)

// Request flags read from the query string.
const (
	flagStrict = "strict"
	flagTiming = "timing"
	flagDebug  = "debug"
	flagPretty = "pretty"
)

// jsonTransform is the body of a JSON POST /transform.
type jsonTransform struct {
	URL     string         `json:"url"`
	Options map[string]any `json:"options"`
	Strict  bool           `json:"strict"`
}

// imageDebug is serialised into the X-Image-Debug header.
type imageDebug struct {
	OriginalHeight int         `json:"original_height"`
	OriginalWidth  int         `json:"original_width"`
	OriginalSize   int64       `json:"original_size"`
	OriginalFormat core.Format `json:"original_format"`
}

func (s *Server) verify(c *gin.Context) {
	if err := s.svc.Verify(c.Request.URL.Path, c.Request.URL.RawQuery); err != nil {
		s.fail(c, err)
		return
	}
	c.Next()
}

// signed reports whether the query string carries a valid signature. POST
// routes accept uploads unsigned, so only a URL source depends on it.
func (s *Server) signed(c *gin.Context) bool {
	return s.svc.Verify(c.Request.URL.Path, c.Request.URL.RawQuery) == nil
}

// ── Transform ─────────────────────────────────────────────────────────────────

func (s *Server) getTransform(c *gin.Context) {
	q := validate.QueryParams(c.Request.URL.Query())
	s.transform(c, q, imaged.TransformRequest{
		URL:    c.Query("url"),
		Params: q,
		Accept: c.GetHeader("Accept"),
		Strict: validate.Flag(q, flagStrict),
		Signed: true,
	})
}

func (s *Server) postTransform(c *gin.Context) {
	q := validate.QueryParams(c.Request.URL.Query())
	req := imaged.TransformRequest{
		URL:    c.Query("url"),
		Params: q,
		Accept: c.GetHeader("Accept"),
		Strict: validate.Flag(q, flagStrict),
		Signed: s.signed(c),
	}

	if isJSON(c) {
		var body jsonTransform
		if err := decodeJSON(c.Request.Body, &body); err != nil {
			s.fail(c, err)
			return
		}
		// The signature never covers a body.
		req.URL = body.URL
		req.Signed = false
		req.Params = validate.MapParams(body.Options)
		req.Typed = true
		req.Strict = body.Strict
		s.transform(c, q, req)
		return
	}

	data, err := s.upload(c, "image")
	if err != nil {
		s.fail(c, err)
		return
	}
	req.Data = data
	s.transform(c, q, req)
}

func (s *Server) transform(c *gin.Context, flags validate.Params, req imaged.TransformRequest) {
	resp, err := s.svc.Transform(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}

	h := c.Writer.Header()
	if resp.WarningHeader != "" {
		h.Set(HeaderWarnings, resp.WarningHeader)
	}
	if resp.Cache != "" {
		h.Set(HeaderCache, resp.Cache)
	}
	if validate.Flag(flags, flagTiming) {
		h.Set(HeaderTiming, serverTiming(resp.Timings))
	}
	if validate.Flag(flags, flagDebug) {
		raw, _ := json.Marshal(imageDebug{
			OriginalHeight: resp.OriginalHeight,
			OriginalWidth:  resp.OriginalWidth,
			OriginalSize:   resp.OriginalSize,
			OriginalFormat: resp.OriginalFormat,
		})
		h.Set(HeaderDebug, string(raw))
	}
	h.Set(HeaderWidth, fmt.Sprint(resp.Width))
	h.Set(HeaderHeight, fmt.Sprint(resp.Height))
	c.Data(http.StatusOK, resp.Format.MimeType(), resp.Data)
}

// ── Metadata ──────────────────────────────────────────────────────────────────

func (s *Server) getMetadata(c *gin.Context) {
	q := validate.QueryParams(c.Request.URL.Query())
	s.metadata(c, q, imaged.MetadataRequest{
		URL:    c.Query("url"),
		Params: q,
		Strict: validate.Flag(q, flagStrict),
		Signed: true,
	})
}

func (s *Server) postMetadata(c *gin.Context) {
	q := validate.QueryParams(c.Request.URL.Query())
	data, err := s.upload(c, "image")
	if err != nil {
		s.fail(c, err)
		return
	}
	s.metadata(c, q, imaged.MetadataRequest{
		Data:   data,
		URL:    c.Query("url"),
		Params: q,
		Strict: validate.Flag(q, flagStrict),
		Signed: s.signed(c),
	})
}

func (s *Server) metadata(c *gin.Context, flags validate.Params, req imaged.MetadataRequest) {
	resp, err := s.svc.Metadata(c.Request.Context(), req)
	if err != nil {
		s.fail(c, err)
		return
	}
	if resp.WarningHeader != "" {
		c.Header(HeaderWarnings, resp.WarningHeader)
	}
	if validate.Flag(flags, flagTiming) {
		c.Header(HeaderTiming, serverTiming(resp.Timings))
	}
	if validate.Flag(flags, flagPretty) {
		c.IndentedJSON(http.StatusOK, resp.Metadata)
		return
	}
	c.JSON(http.StatusOK, resp.Metadata)
}

// ── Pipeline ──────────────────────────────────────────────────────────────────

func (s *Server) pipeline(c *gin.Context) {
	var cfg, img []byte
	if isMultipart(c) {
		form, err := c.MultipartForm()
		if err != nil {
			s.fail(c, bodyError(err))
			return
		}
		if cfg, err = formPart(form, "config"); err != nil {
			s.fail(c, err)
			return
		}
		if img, err = formPart(form, "image"); err != nil {
			s.fail(c, err)
			return
		}
		if len(cfg) == 0 {
			s.fail(c, apperrors.Validation("pipeline", "multipart request is missing the config part"))
			return
		}
	} else {
		var err error
		if cfg, err = io.ReadAll(c.Request.Body); err != nil {
			s.fail(c, bodyError(err))
			return
		}
	}

	resp, err := s.svc.Pipeline(c.Request.Context(), cfg, img)
	if err != nil {
		s.fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

// ── Helpers ───────────────────────────────────────────────────────────────────

// upload returns the image from a multipart field or the raw body. An empty
// body is not an error: the caller may have supplied a url instead.
func (s *Server) upload(c *gin.Context, field string) ([]byte, error) {
	if isMultipart(c) {
		form, err := c.MultipartForm()
		if err != nil {
			return nil, bodyError(err)
		}
		return formPart(form, field)
	}
	data, err := io.ReadAll(c.Request.Body)
	if err != nil {
		return nil, bodyError(err)
	}
	return data, nil
}

// formPart reads a multipart field sent either as a file or as a value.
func formPart(form *multipart.Form, name string) ([]byte, error) {
	if files := form.File[name]; len(files) > 0 {
		f, err := files[0].Open()
		if err != nil {
			return nil, bodyError(err)
		}
		defer f.Close()
		data, err := io.ReadAll(f)
		if err != nil {
			return nil, bodyError(err)
		}
		return data, nil
	}
	if vals := form.Value[name]; len(vals) > 0 {
		return []byte(vals[0]), nil
	}
	return nil, nil
}

func decodeJSON(r io.Reader, v any) error {
	raw, err := io.ReadAll(r)
	if err != nil {
		return bodyError(err)
	}
	dec := json.NewDecoder(bytes.NewReader(raw))
	dec.UseNumber()
	if err := dec.Decode(v); err != nil {
		return apperrors.Validation("request", "invalid JSON body: %v", err)
	}
	return nil
}

func bodyError(err error) error {
	var mbe *http.MaxBytesError
	if errors.As(err, &mbe) {
		return apperrors.WithStatus(apperrors.CategoryValidation, "request",
			http.StatusRequestEntityTooLarge, apperrors.ErrBodyTooLarge)
	}
	return apperrors.Validation("request", "read body: %v", err)
}

func isJSON(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "application/json")
}

func isMultipart(c *gin.Context) bool {
	return strings.HasPrefix(c.ContentType(), "multipart/form-data")
}

// serverTiming renders timings as "name;dur=1.2" entries in milliseconds.
func serverTiming(ts []core.StepTiming) string {
	parts := make([]string, len(ts))
	for i, t := range ts {
		parts[i] = fmt.Sprintf("%s;dur=%.1f", t.Name, float64(t.Duration.Microseconds())/1000)
	}
	return strings.Join(parts, ",")
}

// fail writes the error response. Strict-mode failures list every rejected
// parameter.
func (s *Server) fail(c *gin.Context, err error) {
	_ = c.Error(err)
	if ve, ok := imaged.AsValidationError(err); ok {
		c.AbortWithStatusJSON(http.StatusBadRequest, gin.H{
			"error":   "invalid request parameters",
			"details": ve.Problems,
		})
		return
	}
	status := apperrors.StatusCode(err)
	c.AbortWithStatusJSON(status, gin.H{"error": apperrors.PublicMessage(err)})
}
