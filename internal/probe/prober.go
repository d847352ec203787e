// Package probe finds out which upstream shape a base URL accepts and
// remembers the answer for the rest of the process.
package probe

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/rs/zerolog"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/dvcrn/claude-openai-bridge/internal/apierr"
	"github.com/dvcrn/claude-openai-bridge/internal/config"
	"github.com/dvcrn/claude-openai-bridge/internal/translate"
)

// maxErrorBody bounds how much of a rejected response is read for
// classification.
const maxErrorBody = 64 << 10

// Entry is the confirmed shape for one base URL.
type Entry struct {
	Shape       translate.Shape
	ConfirmedAt time.Time
}

// EntryInfo is an Entry together with its key, for status output.
type EntryInfo struct {
	BaseURL     string    `json:"base_url"`
	Shape       string    `json:"shape"`
	ConfirmedAt time.Time `json:"confirmed_at"`
}

// Attempt sends the request in the given shape. A transport failure is
// returned as an error; any HTTP answer is returned as a response.
type Attempt func(ctx context.Context, shape translate.Shape) (*http.Response, error)

type Options struct {
	Classifier *Classifier
	Logger     zerolog.Logger
	Tracer     trace.Tracer
	Now        func() time.Time
}

type Prober struct {
	memo       *cache.Cache
	classifier *Classifier
	log        zerolog.Logger
	tracer     trace.Tracer
	now        func() time.Time

	mu    sync.Mutex
	gates map[string]chan struct{}
}

func New(opts Options) *Prober {
	p := &Prober{
		memo:       cache.New(cache.NoExpiration, 0),
		classifier: opts.Classifier,
		log:        opts.Logger.With().Str("component", "probe").Logger(),
		tracer:     opts.Tracer,
		now:        opts.Now,
		gates:      make(map[string]chan struct{}),
	}
	if p.classifier == nil {
		p.classifier = NewClassifier(config.Defaults().Classifier)
	}
	if p.tracer == nil {
		p.tracer = otel.Tracer("github.com/dvcrn/claude-openai-bridge/internal/probe")
	}
	if p.now == nil {
		p.now = time.Now
	}
	return p
}

func key(baseURL string) string {
	return strings.TrimRight(strings.TrimSpace(baseURL), "/")
}

// Lookup returns the confirmed shape for baseURL, if any.
func (p *Prober) Lookup(baseURL string) (Entry, bool) {
	v, ok := p.memo.Get(key(baseURL))
	if !ok {
		return Entry{}, false
	}
	return v.(Entry), true
}

// Execute runs attempt with the remembered shape for baseURL, or probes the
// shapes in fallback order until one is not rejected as unsupported. The
// returned response belongs to the caller. Only a 2xx answer confirms a
// shape; any other answer that is not an "unsupported" rejection is handed
// back as is for the caller to map.
func (p *Prober) Execute(ctx context.Context, baseURL string, attempt Attempt) (*http.Response, translate.Shape, error) {
	k := key(baseURL)
	if e, ok := p.Lookup(k); ok {
		resp, err := attempt(ctx, e.Shape)
		return resp, e.Shape, err
	}

	ctx, span := p.tracer.Start(ctx, "probe.execute", trace.WithAttributes(attribute.String("upstream.base_url", k)))
	defer span.End()

	gate := p.gate(k)
	select {
	case gate <- struct{}{}:
	case <-ctx.Done():
		span.SetStatus(codes.Error, "cancelled waiting for probe")
		return nil, 0, fmt.Errorf("wait for capability probe: %w", ctx.Err())
	}
	released := false
	release := func() {
		if !released {
			released = true
			<-gate
		}
	}
	defer release()

	// another caller may have finished probing while we waited
	if e, ok := p.Lookup(k); ok {
		release()
		span.SetAttributes(attribute.Bool("probe.cached", true))
		resp, err := attempt(ctx, e.Shape)
		return resp, e.Shape, err
	}

	for i, shape := range translate.Shapes {
		span.AddEvent("attempt", trace.WithAttributes(attribute.String("shape", shape.String())))
		resp, err := attempt(ctx, shape)
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			return nil, shape, err
		}
		if resp.StatusCode >= 200 && resp.StatusCode < 300 {
			p.memo.Set(k, Entry{Shape: shape, ConfirmedAt: p.now()}, cache.NoExpiration)
			release()
			span.SetAttributes(attribute.String("probe.shape", shape.String()), attribute.Int("probe.attempts", i+1))
			p.log.Info().Str("base_url", k).Str("shape", shape.String()).Int("attempts", i+1).Msg("🔎 Upstream shape confirmed")
			return resp, shape, nil
		}

		body, readErr := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		resp.Body.Close()
		if readErr == nil && p.classifier.NotSupported(resp.StatusCode, body) {
			p.log.Debug().Str("base_url", k).Str("shape", shape.String()).Int("status", resp.StatusCode).Msg("Shape not supported, trying next")
			continue
		}
		resp.Body = io.NopCloser(bytes.NewReader(body))
		span.SetAttributes(attribute.Int("http.status_code", resp.StatusCode))
		return resp, shape, nil
	}

	span.SetStatus(codes.Error, "no shape accepted")
	return nil, 0, apierr.New(apierr.KindUpstreamUnsupported,
		fmt.Sprintf("unsupported upstream: %s accepts none of the responses, chat or completions endpoints", k), nil)
}

func (p *Prober) gate(k string) chan struct{} {
	p.mu.Lock()
	defer p.mu.Unlock()
	g, ok := p.gates[k]
	if !ok {
		g = make(chan struct{}, 1)
		p.gates[k] = g
	}
	return g
}

// Reset forgets every confirmed shape.
func (p *Prober) Reset() {
	p.memo.Flush()
}

// Entries lists the confirmed shapes sorted by base URL.
func (p *Prober) Entries() []EntryInfo {
	items := p.memo.Items()
	out := make([]EntryInfo, 0, len(items))
	for k, item := range items {
		e := item.Object.(Entry)
		out = append(out, EntryInfo{BaseURL: k, Shape: e.Shape.String(), ConfirmedAt: e.ConfirmedAt})
	}
	sort.Slice(out, func(i, j int) bool { return out[i].BaseURL < out[j].BaseURL })
	return out
}
