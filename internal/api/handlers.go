package api

import (
	"context"
	"errors"
	"io"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/gin-gonic/gin"

	"intakego/internal/apperr"
	"intakego/internal/auth"
	"intakego/internal/logger"
	"intakego/internal/models"
	"intakego/internal/pipeline"
	"intakego/internal/storage"
)

// multipartOverhead is the slack allowed on top of the file limit for boundaries
// and part headers.
const multipartOverhead = 1 << 20

type Authenticator interface {
	AuthRequired() bool
	Issue(password string) (string, error)
	Middleware() gin.HandlerFunc
	CheckLogin(ctx context.Context, clientIP string) error
	RecordFailure(ctx context.Context, clientIP string) error
	ResetFailures(ctx context.Context, clientIP string) error
}

type Pipeline interface {
	Process(ctx context.Context, up *storage.Upload, observe pipeline.Observer) (*models.IntakeResult, error)
}

type Answerer interface {
	Answer(ctx context.Context, question, transcript, intake string) (string, error)
}

// Options tune the HTTP surface.
type Options struct {
	MaxUploadBytes int64
	AllowedOrigins []string
}

// Handler wires HTTP routes to the pipeline, the Q&A service and the credential gate.
type Handler struct {
	auth     Authenticator
	pipeline Pipeline
	qa       Answerer
	logger   logger.Logger
	opts     Options
}

// NewHandler constructs a Handler instance.
func NewHandler(authService Authenticator, p Pipeline, qa Answerer, opts Options, log logger.Logger) *Handler {
	if opts.MaxUploadBytes <= 0 {
		opts.MaxUploadBytes = storage.MaxUploadBytes
	}
	if log == nil {
		log = logger.Nop()
	}
	return &Handler{
		auth:     authService,
		pipeline: p,
		qa:       qa,
		logger:   log,
		opts:     opts,
	}
}

// RegisterRoutes attaches all HTTP routes to the router.
func (h *Handler) RegisterRoutes(router *gin.Engine) {
	router.Use(requestID(), cors(h.opts.AllowedOrigins))
	api := router.Group("/api")
	api.GET("/health", h.health)
	api.GET("/auth/status", h.authStatus)
	api.POST("/auth/login", h.login)

	protected := api.Group("")
	protected.Use(h.auth.Middleware())
	protected.POST("/transcribe", h.transcribe)
	protected.POST("/ask", h.ask)
}

func (h *Handler) health(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": "ok"})
}

func (h *Handler) authStatus(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"authRequired": h.auth.AuthRequired()})
}

type loginRequest struct {
	Password string `json:"password"`
}

func (h *Handler) login(c *gin.Context) {
	ctx := c.Request.Context()
	var req loginRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Validation(apperr.CodeInvalidRequest, "Invalid request body", 0))
		return
	}
	if req.Password == "" {
		h.writeError(c, apperr.Validation(apperr.CodeNoPassword, "Password required", 0))
		return
	}

	ip := c.ClientIP()
	if err := h.auth.CheckLogin(ctx, ip); err != nil {
		var throttled *auth.ThrottleError
		if errors.As(err, &throttled) {
			c.Header("Retry-After", strconv.Itoa(int(throttled.RetryAfter.Seconds())))
		}
		h.writeError(c, err)
		return
	}

	token, err := h.auth.Issue(req.Password)
	if err != nil {
		if errors.Is(err, auth.ErrInvalidCredentials) {
			if recErr := h.auth.RecordFailure(ctx, ip); recErr != nil {
				h.logger.Warn(ctx, "record failed login: %v", recErr)
			}
		}
		h.writeError(c, err)
		return
	}
	if err := h.auth.ResetFailures(ctx, ip); err != nil {
		h.logger.Warn(ctx, "reset failed logins: %v", err)
	}
	c.JSON(http.StatusOK, gin.H{"token": token})
}

// transcribe streams the audio part of the form straight into scratch storage.
// The request is never buffered to disk by the multipart parser.
func (h *Handler) transcribe(c *gin.Context) {
	ctx := c.Request.Context()
	if c.Request.ContentLength > h.opts.MaxUploadBytes+multipartOverhead {
		h.writeError(c, storage.FileTooLarge(h.opts.MaxUploadBytes))
		return
	}
	c.Request.Body = http.MaxBytesReader(c.Writer, c.Request.Body, h.opts.MaxUploadBytes+multipartOverhead)
	mr, err := c.Request.MultipartReader()
	if err != nil {
		h.writeError(c, h.multipartError(err))
		return
	}
	part, err := h.nextAudioPart(mr)
	if err != nil {
		h.writeError(c, err)
		return
	}
	defer part.Close()

	up := &storage.Upload{
		FileName:    part.FileName(),
		ContentType: part.Header.Get("Content-Type"),
		Size:        -1,
		Body:        &singleFileReader{part: part, form: mr, h: h},
	}

	if wantsEventStream(c) {
		h.transcribeStream(c, up)
		return
	}

	result, err := h.pipeline.Process(ctx, up, nil)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, result)
}

func (h *Handler) transcribeStream(c *gin.Context, up *storage.Upload) {
	stream, err := newEventStream(c)
	if err != nil {
		h.writeError(c, apperr.Internal(err))
		return
	}
	observe := func(s pipeline.Stage) {
		if s == pipeline.StageComplete || s == pipeline.StageError {
			return
		}
		_ = stream.send("stage", gin.H{"stage": s})
	}
	result, err := h.pipeline.Process(c.Request.Context(), up, observe)
	if err != nil {
		_ = stream.send("error", apperr.From(err).Payload())
		return
	}
	_ = stream.send("done", result)
}

// nextAudioPart skips form fields until the first file in the audio field.
func (h *Handler) nextAudioPart(mr *multipart.Reader) (*multipart.Part, error) {
	for {
		part, err := mr.NextPart()
		if errors.Is(err, io.EOF) {
			return nil, errNoFile
		}
		if err != nil {
			return nil, h.multipartError(err)
		}
		if isAudioFile(part) {
			return part, nil
		}
		_ = part.Close()
	}
}

// singleFileReader reads one file part and, once it is exhausted, checks the
// rest of the form for a second audio file.
type singleFileReader struct {
	part    *multipart.Part
	form    *multipart.Reader
	h       *Handler
	checked bool
}

func (r *singleFileReader) Read(p []byte) (int, error) {
	n, err := r.part.Read(p)
	if errors.Is(err, io.EOF) && !r.checked {
		r.checked = true
		if restErr := r.checkRest(); restErr != nil {
			return n, restErr
		}
	}
	return n, err
}

func (r *singleFileReader) checkRest() error {
	for {
		part, err := r.form.NextPart()
		if errors.Is(err, io.EOF) {
			return nil
		}
		if err != nil {
			return r.h.multipartError(err)
		}
		extra := isAudioFile(part)
		_ = part.Close()
		if extra {
			return errTooManyFiles
		}
	}
}

func isAudioFile(part *multipart.Part) bool {
	return part.FormName() == "audio" && part.FileName() != ""
}

func (h *Handler) ask(c *gin.Context) {
	var req models.Question
	if err := c.ShouldBindJSON(&req); err != nil {
		h.writeError(c, apperr.Validation(apperr.CodeInvalidRequest, "Invalid request body", 0))
		return
	}
	answer, err := h.qa.Answer(c.Request.Context(), req.Question, req.Transcript, req.FormattedIntake)
	if err != nil {
		h.writeError(c, err)
		return
	}
	c.JSON(http.StatusOK, gin.H{"answer": answer})
}

// writeError classifies err and writes it as an ErrorPayload.
func (h *Handler) writeError(c *gin.Context, err error) {
	appErr := apperr.From(err)
	if appErr.Kind != apperr.KindValidation && appErr.Kind != apperr.KindAuth {
		h.logger.Error(c.Request.Context(), "%s %s: %v", c.Request.Method, c.FullPath(), err)
	}
	c.AbortWithStatusJSON(appErr.Status, appErr.Payload())
}

var (
	errNoFile       = apperr.Validation(apperr.CodeNoFile, "No audio file provided", 0)
	errTooManyFiles = apperr.Validation(apperr.CodeTooManyFiles, "Only one audio file can be uploaded at a time", 0)
)

func (h *Handler) multipartError(err error) *apperr.Error {
	var maxErr *http.MaxBytesError
	if errors.As(err, &maxErr) {
		return storage.FileTooLarge(h.opts.MaxUploadBytes)
	}
	if errors.Is(err, http.ErrNotMultipart) || errors.Is(err, http.ErrMissingBoundary) {
		return errNoFile
	}
	return apperr.Validation(apperr.CodeInvalidRequest, "Malformed upload", 0).Wrap(err)
}

func wantsEventStream(c *gin.Context) bool {
	return strings.Contains(c.GetHeader("Accept"), "text/event-stream")
}
