package server

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"mime"
	"net/http"

	"github.com/labstack/echo/v4"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/dvcrn/claude-openai-bridge/internal/apierr"
	"github.com/dvcrn/claude-openai-bridge/internal/config"
	"github.com/dvcrn/claude-openai-bridge/internal/translate"
	"github.com/dvcrn/claude-openai-bridge/internal/upstream"
)

const previewLimit = 1200

func (s *Server) handleMessages(c echo.Context) error {
	r := c.Request()
	raw, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody))
	if err != nil {
		return apierr.New(apierr.KindInvalidRequest, "failed to read request body", err)
	}
	var in translate.MessagesRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		return apierr.New(apierr.KindInvalidRequest, "invalid JSON payload: "+err.Error(), err)
	}
	if len(in.Messages) == 0 {
		return apierr.New(apierr.KindInvalidRequest, "messages: at least one message is required", nil)
	}

	lightweight := translate.IsLightweight(&in)
	req, err := translate.FromAnthropic(&in)
	if err != nil {
		return apierr.New(apierr.KindInvalidRequest, err.Error(), err)
	}
	req.Model = translate.SelectModel(modelMap(s.routing.Models), in.Model, lightweight)
	agentModel := in.Model
	if agentModel == "" {
		agentModel = req.Model
	}

	ctx, span := s.tracer.Start(r.Context(), "messages", trace.WithAttributes(
		attribute.String("agent.model", in.Model),
		attribute.String("upstream.model", req.Model),
		attribute.Bool("agent.stream", in.Stream),
		attribute.Bool("request.lightweight", lightweight),
	))
	defer span.End()

	s.log.Info().
		Str("requested_model", in.Model).
		Str("upstream_model", req.Model).
		Bool("lightweight", lightweight).
		Bool("stream", in.Stream).
		Int("message_count", len(req.Messages)).
		Int("tool_count", len(req.Tools)).
		Str("user_agent", r.UserAgent()).
		Msg("Processing messages request")
	s.log.Debug().Str("inbound_body_preview", preview(raw)).Msg("Inbound request")

	resp, shape, err := s.dispatch(ctx, req)
	if err != nil {
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("upstream.shape", shape.String()))
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return upstream.ErrorFromResponse(resp)
	}
	defer resp.Body.Close()

	codec := translate.CodecFor(shape)
	streamed := isEventStream(resp.Header.Get("Content-Type"))
	if in.Stream {
		s.writeStream(c, resp, codec, streamed, agentModel, req.Thinking)
		return nil
	}

	out, err := readUnary(resp, codec, streamed)
	if err != nil {
		return err
	}
	return c.JSON(http.StatusOK, translate.ToAnthropic(out, agentModel, req.Thinking))
}

// dispatch sends req to the upstream in the shape the routing calls for:
// Codex always takes responses, a fixed endpoint takes its own shape and
// everything else goes through the capability probe.
func (s *Server) dispatch(ctx context.Context, req *translate.Request) (*http.Response, translate.Shape, error) {
	switch {
	case s.routing.Backend == config.BackendCodex:
		body, err := s.upstream.PrepareCodex(ctx, req)
		if err != nil {
			return nil, 0, err
		}
		resp, err := s.upstream.Send(ctx, translate.ShapeResponses, body)
		return resp, translate.ShapeResponses, err
	case s.routing.Fixed():
		shape, _ := translate.ShapeForPath(s.routing.EndpointPath)
		resp, err := s.attempt(ctx, req, shape)
		return resp, shape, err
	default:
		return s.prober.Execute(ctx, s.routing.BaseURL, func(ctx context.Context, shape translate.Shape) (*http.Response, error) {
			return s.attempt(ctx, req, shape)
		})
	}
}

func (s *Server) attempt(ctx context.Context, req *translate.Request, shape translate.Shape) (*http.Response, error) {
	body, err := translate.CodecFor(shape).EncodeRequest(req)
	if err != nil {
		return nil, apierr.New(apierr.KindTranslation, "failed to build upstream request: "+err.Error(), err)
	}
	if shape == translate.ShapeCompletions && len(req.Tools) > 0 {
		s.log.Debug().Int("tool_count", len(req.Tools)).Msg("Completions endpoint has no tools, dropping them")
	}
	s.log.Debug().Str("shape", shape.String()).Str("outbound_body_preview", preview(body)).Msg("Upstream request")
	return s.upstream.Send(ctx, shape, body)
}

// readUnary builds the whole upstream answer, aggregating it when the
// upstream streamed anyway.
func readUnary(resp *http.Response, codec translate.Codec, streamed bool) (*translate.Response, error) {
	if streamed {
		out, err := translate.Aggregate(resp.Body, codec.NewStreamDecoder())
		if errors.Is(err, translate.ErrUpstreamFailed) {
			return nil, apierr.WithStatus(apierr.KindUpstreamStatus, http.StatusBadGateway, err.Error(), err)
		}
		if err != nil {
			return nil, apierr.New(apierr.KindTranslation, "failed to read upstream stream: "+err.Error(), err)
		}
		return out, nil
	}
	body, err := upstream.ReadBody(resp)
	if err != nil {
		return nil, apierr.New(apierr.KindUpstreamUnreachable, "failed to read upstream response", err)
	}
	out, err := codec.DecodeResponse(body)
	if err != nil {
		return nil, apierr.New(apierr.KindTranslation, "failed to decode upstream response: "+err.Error(), err)
	}
	return out, nil
}

// writeStream answers with agent SSE. Once the headers are out, failures
// end the stream with an error event instead of an HTTP error.
func (s *Server) writeStream(c echo.Context, resp *http.Response, codec translate.Codec, streamed bool, model string, thinking bool) {
	w := c.Response()
	h := w.Header()
	h.Set(echo.HeaderContentType, "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	w.Flush()

	enc := translate.NewStreamEncoder(model, thinking)
	emit := func(ev translate.SSEEvent) error {
		if _, err := w.Write(ev.Bytes()); err != nil {
			return err
		}
		w.Flush()
		return nil
	}
	emitAll := func(events []translate.SSEEvent) error {
		for _, ev := range events {
			if err := emit(ev); err != nil {
				return err
			}
		}
		return nil
	}

	if streamed {
		if err := translate.TranslateStream(resp.Body, codec.NewStreamDecoder(), enc, emit); err != nil {
			s.log.Warn().Err(err).Msg("Stream ended with error")
		}
		return
	}

	// the upstream ignored stream:true and answered with a single body
	out, err := readUnary(resp, codec, false)
	if err != nil {
		s.log.Warn().Err(err).Msg("Failed to read unary upstream answer for stream")
		if err := emitAll(enc.Fail("api_error", apierr.As(err).Message)); err != nil {
			s.log.Debug().Err(err).Msg("Client went away")
		}
		return
	}
	for _, ev := range translate.Replay(out) {
		if err := emitAll(enc.Handle(ev)); err != nil {
			s.log.Debug().Err(err).Msg("Client went away")
			return
		}
	}
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/event-stream"
}

func modelMap(m config.ModelsConfig) translate.ModelMap {
	return translate.ModelMap{
		Primary:   m.Primary,
		Auxiliary: m.Auxiliary,
		Haiku:     m.Haiku,
		Sonnet:    m.Sonnet,
		Opus:      m.Opus,
	}
}

func preview(b []byte) string {
	if len(b) > previewLimit {
		return string(b[:previewLimit]) + "…(truncated)"
	}
	return string(b)
}

// handleCountTokens estimates input tokens locally so the agent's counter
// never reaches the upstream.
func (s *Server) handleCountTokens(c echo.Context) error {
	raw, err := io.ReadAll(io.LimitReader(c.Request().Body, maxRequestBody))
	if err != nil {
		return apierr.New(apierr.KindInvalidRequest, "failed to read request body", err)
	}
	var in translate.MessagesRequest
	if err := json.Unmarshal(raw, &in); err != nil {
		return apierr.New(apierr.KindInvalidRequest, "invalid JSON payload: "+err.Error(), err)
	}
	chars := len(in.System)
	for _, m := range in.Messages {
		chars += len(m.Content)
	}
	for _, t := range in.Tools {
		chars += len(t.Name) + len(t.Description) + len(t.InputSchema)
	}
	return c.JSON(http.StatusOK, map[string]int{"input_tokens": chars / 4})
}
