// Package mockupstream is a synthetic OpenAI-compatible upstream that echoes
// the last user turn back in whichever shapes it is configured to accept.
// It backs local testing of the bridge and the round-trip tests.
package mockupstream

import (
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"

	"github.com/gin-gonic/gin"
	"github.com/rs/zerolog"

	"github.com/dvcrn/claude-openai-bridge/internal/translate"
)

// ReplyFunc builds the canonical answer for a decoded request.
type ReplyFunc func(req *translate.Request) *translate.Response

type Options struct {
	// Shapes lists the accepted shapes. Empty means all of them.
	Shapes []translate.Shape
	Reply  ReplyFunc
	Models []string
	Logger zerolog.Logger
}

type Server struct {
	engine *gin.Engine
	shapes map[translate.Shape]bool
	reply  ReplyFunc
	models []string
	log    zerolog.Logger

	mu   sync.Mutex
	hits []string
}

func New(opts Options) *Server {
	gin.SetMode(gin.ReleaseMode)
	s := &Server{
		engine: gin.New(),
		shapes: make(map[translate.Shape]bool),
		reply:  opts.Reply,
		models: opts.Models,
		log:    opts.Logger.With().Str("component", "mock-upstream").Logger(),
	}
	shapes := opts.Shapes
	if len(shapes) == 0 {
		shapes = translate.Shapes
	}
	for _, sh := range shapes {
		s.shapes[sh] = true
	}
	if s.reply == nil {
		s.reply = Echo
	}
	if len(s.models) == 0 {
		s.models = []string{"mock-echo"}
	}

	s.engine.Use(gin.Recovery(), s.record())
	s.engine.POST("/*path", s.handleCompletion)
	s.engine.GET("/*path", s.handleGet)
	return s
}

func (s *Server) Handler() http.Handler { return s.engine }

// Hits returns the request paths seen so far, in order.
func (s *Server) Hits() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]string(nil), s.hits...)
}

func (s *Server) record() gin.HandlerFunc {
	return func(c *gin.Context) {
		s.mu.Lock()
		s.hits = append(s.hits, c.Request.URL.Path)
		s.mu.Unlock()
		c.Next()
		s.log.Debug().
			Str("method", c.Request.Method).
			Str("path", c.Request.URL.Path).
			Int("status", c.Writer.Status()).
			Msg("Mock upstream request")
	}
}

func (s *Server) handleGet(c *gin.Context) {
	if strings.HasSuffix(c.Param("path"), "/models") {
		data := make([]gin.H, 0, len(s.models))
		for _, id := range s.models {
			data = append(data, gin.H{"id": id, "object": "model", "owned_by": "mock"})
		}
		c.JSON(http.StatusOK, gin.H{"object": "list", "data": data})
		return
	}
	notFound(c)
}

func (s *Server) handleCompletion(c *gin.Context) {
	shape, ok := translate.ShapeForPath(c.Param("path"))
	if !ok || !s.shapes[shape] {
		notFound(c)
		return
	}

	body, err := io.ReadAll(c.Request.Body)
	if err != nil {
		openAIError(c, http.StatusBadRequest, "failed to read body")
		return
	}
	codec := translate.CodecFor(shape)
	req, err := codec.DecodeRequest(body)
	if err != nil {
		openAIError(c, http.StatusBadRequest, err.Error())
		return
	}
	resp := s.reply(req)

	if !req.Stream {
		out, err := codec.EncodeResponse(resp)
		if err != nil {
			openAIError(c, http.StatusInternalServerError, err.Error())
			return
		}
		c.Data(http.StatusOK, "application/json", out)
		return
	}

	payloads, err := codec.EncodeStream(resp)
	if err != nil {
		openAIError(c, http.StatusInternalServerError, err.Error())
		return
	}
	c.Header("Content-Type", "text/event-stream; charset=utf-8")
	c.Header("Cache-Control", "no-cache")
	c.Status(http.StatusOK)
	for _, p := range payloads {
		if _, err := fmt.Fprintf(c.Writer, "data: %s\n\n", p); err != nil {
			return
		}
		c.Writer.Flush()
	}
}

func notFound(c *gin.Context) {
	openAIError(c, http.StatusNotFound, fmt.Sprintf("Unrecognized request URL (%s %s)", c.Request.Method, c.Request.URL.Path))
}

func openAIError(c *gin.Context, status int, msg string) {
	c.JSON(status, gin.H{"error": gin.H{"message": msg, "type": "invalid_request_error"}})
}

// Echo answers with the text of the last user turn.
func Echo(req *translate.Request) *translate.Response {
	var text string
	for i := len(req.Messages) - 1; i >= 0; i-- {
		if req.Messages[i].Role == translate.RoleUser {
			text = req.Messages[i].Text()
			break
		}
	}
	in := estimateTokens(req.System)
	for _, m := range req.Messages {
		in += estimateTokens(m.Text())
	}
	out := estimateTokens(text)
	return &translate.Response{
		Model:      req.Model,
		Segments:   []translate.Segment{translate.TextSegment(text)},
		StopReason: translate.StopEndTurn,
		Usage:      translate.Usage{InputTokens: &in, OutputTokens: &out},
	}
}

func estimateTokens(s string) int {
	return (len(s) + 3) / 4
}
