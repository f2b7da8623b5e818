// Package server exposes the service operations over HTTP with gin, plus a
// websocket feed of transfer status.
package server

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/johndauphine/flatbridge/internal/logging"
	"github.com/johndauphine/flatbridge/internal/service"
	"github.com/johndauphine/flatbridge/internal/util"
	"github.com/johndauphine/flatbridge/internal/xferr"
)

// Server routes HTTP requests to a Service.
type Server struct {
	svc    *service.Service
	router *gin.Engine
}

// New builds the router for svc.
func New(svc *service.Service) *Server {
	if logging.GetLevel() > logging.LevelDebug {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery(), requestLogger())

	s := &Server{svc: svc, router: r}

	r.GET("/ws/transfers", func(c *gin.Context) {
		transfersWS(c.Writer, c.Request, svc.Registry())
	})

	api := r.Group("/api")
	{
		api.GET("/health", s.health)
		api.POST("/connect", s.connect)
		api.POST("/columns", s.columns)
		api.POST("/join-columns", s.joinColumns)
		api.POST("/upload", s.upload)
		api.POST("/preview", s.preview)

		api.POST("/transfers", s.startTransfer)
		api.GET("/transfers", s.listTransfers)
		api.DELETE("/transfers", s.clearTransfers)
		api.GET("/transfers/:id", s.transferStatus)
		api.POST("/transfers/:id/cancel", s.cancelTransfer)

		api.GET("/download/:name", s.download)
	}
	return s
}

// Handler returns the router.
func (s *Server) Handler() http.Handler { return s.router }

// Run serves on addr until ctx is cancelled, then shuts down gracefully,
// waiting up to shutdownTimeout for in-flight requests.
func (s *Server) Run(ctx context.Context, addr string, shutdownTimeout time.Duration) error {
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errc := make(chan error, 1)
	go func() {
		logging.Info("Listening on %s", addr)
		errc <- srv.ListenAndServe()
	}()

	select {
	case err := <-errc:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
	}

	logging.Info("Shutting down HTTP server")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("http shutdown: %w", err)
	}
	if err := <-errc; err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("http server: %w", err)
	}
	return nil
}

func requestLogger() gin.HandlerFunc {
	return func(c *gin.Context) {
		start := time.Now()
		c.Next()
		logging.Debug("%s %s %d %s", c.Request.Method, c.Request.URL.Path, c.Writer.Status(), time.Since(start).Round(time.Microsecond))
	}
}

// StatusCode maps an error to the HTTP status reported for it.
func StatusCode(err error) int {
	switch xferr.KindOf(err) {
	case xferr.KindInvalid, xferr.KindQueryBuild, xferr.KindFormat, xferr.KindCoercion:
		return http.StatusBadRequest
	case xferr.KindNotFound:
		return http.StatusNotFound
	case xferr.KindSchema:
		return http.StatusUnprocessableEntity
	case xferr.KindConnection:
		return http.StatusBadGateway
	case xferr.KindCancelled:
		return http.StatusRequestTimeout
	}
	return http.StatusInternalServerError
}

func fail(c *gin.Context, err error) {
	code := StatusCode(err)
	if code >= http.StatusInternalServerError {
		logging.Error("%s %s: %v", c.Request.Method, c.Request.URL.Path, err)
	}
	c.JSON(code, service.ErrorResponse(err))
}

func bind(c *gin.Context, v any) bool {
	if err := c.ShouldBindJSON(v); err != nil {
		fail(c, xferr.New(xferr.KindInvalid, "decode request", err))
		return false
	}
	return true
}

func (s *Server) health(c *gin.Context) {
	res := s.svc.Health(c.Request.Context())
	code := http.StatusOK
	if !res.Connected {
		code = http.StatusServiceUnavailable
	}
	c.JSON(code, res)
}

func (s *Server) connect(c *gin.Context) {
	var req service.ConnectRequest
	if !bind(c, &req) {
		return
	}
	resp, err := s.svc.Connect(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) columns(c *gin.Context) {
	var req service.ColumnsRequest
	if !bind(c, &req) {
		return
	}
	resp, err := s.svc.DescribeColumns(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) joinColumns(c *gin.Context) {
	var req service.JoinColumnsRequest
	if !bind(c, &req) {
		return
	}
	resp, err := s.svc.DescribeJoinTables(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) upload(c *gin.Context) {
	fh, err := c.FormFile("file")
	if err != nil {
		fail(c, xferr.New(xferr.KindInvalid, "upload", err))
		return
	}
	f, err := fh.Open()
	if err != nil {
		fail(c, xferr.New(xferr.KindInvalid, "upload", err))
		return
	}
	defer f.Close()

	resp, err := s.svc.Upload(c.Request.Context(), fh.Filename, f, c.PostForm("delimiter"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) preview(c *gin.Context) {
	var req service.PreviewRequest
	if !bind(c, &req) {
		return
	}
	resp, err := s.svc.Preview(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, resp)
}

func (s *Server) startTransfer(c *gin.Context) {
	var req service.TransferRequest
	if !bind(c, &req) {
		return
	}
	resp, err := s.svc.StartTransfer(c.Request.Context(), req)
	if err != nil {
		fail(c, err)
		return
	}
	code := http.StatusAccepted
	if req.Wait {
		code = http.StatusOK
	}
	c.JSON(code, resp)
}

func (s *Server) listTransfers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": service.StatusSuccess, "transfers": s.svc.List()})
}

func (s *Server) clearTransfers(c *gin.Context) {
	c.JSON(http.StatusOK, gin.H{"status": service.StatusSuccess, "cleared": s.svc.Clear()})
}

func (s *Server) transferStatus(c *gin.Context) {
	rec, err := s.svc.Status(c.Param("id"))
	if err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusOK, rec)
}

func (s *Server) cancelTransfer(c *gin.Context) {
	id := c.Param("id")
	if err := s.svc.Cancel(id); err != nil {
		fail(c, err)
		return
	}
	c.JSON(http.StatusAccepted, gin.H{"status": service.StatusSuccess, "transfer_id": id})
}

func (s *Server) download(c *gin.Context) {
	name := c.Param("name")
	if name == "" || util.SanitizeFilename(name) != name {
		fail(c, xferr.Errorf(xferr.KindInvalid, "download", "invalid file name %q", name))
		return
	}
	path := filepath.Join(s.svc.Engine().OutputDir(), name)
	info, err := os.Stat(path)
	if err != nil || info.IsDir() {
		fail(c, xferr.Errorf(xferr.KindNotFound, "download", "file %q not found", name))
		return
	}
	c.FileAttachment(path, name)
}
