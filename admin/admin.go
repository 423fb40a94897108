// Package admin exposes a small in-process introspection HTTP surface:
// /metrics (prometheus text exposition) and /entities (a JSON dump of
// the live entity tree). It gives an operator something to curl for the
// discovery-style state this process would otherwise only publish.
/*
 * Copyright (c) 2018-2025, NVIDIA CORPORATION. All rights reserved.
 */
package admin

import (
	jsoniter "github.com/json-iterator/go"
	"github.com/valyala/fasthttp"
	dto "github.com/prometheus/client_model/go"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/common/expfmt"

	"github.com/cyclonedds-go/ddscore/cmn/nlog"
	"github.com/cyclonedds-go/ddscore/entity"
)

var json = jsoniter.ConfigCompatibleWithStandardLibrary

// entityView is the JSON shape of one node in the /entities dump.
type entityView struct {
	Handle   int32         `json:"handle"`
	Kind     string        `json:"kind"`
	IID      uint64        `json:"iid"`
	Enabled  bool          `json:"enabled"`
	Children []entityView  `json:"children,omitempty"`
}

// Server is the introspection HTTP surface. It does not own the
// prometheus.Gatherer or entity.Registry it reports on; both are
// supplied by the embedding application, matching this repo's "never a
// hidden global" stance for anything outside the handle table itself.
type Server struct {
	registry  *entity.Registry
	gatherer  prometheus.Gatherer
	srv       *fasthttp.Server
}

// New creates an admin server reporting on reg and gathering metrics from
// gatherer.
func New(reg *entity.Registry, gatherer prometheus.Gatherer) *Server {
	s := &Server{registry: reg, gatherer: gatherer}
	s.srv = &fasthttp.Server{Handler: s.route}
	return s
}

// ListenAndServe blocks serving the introspection surface on addr.
func (s *Server) ListenAndServe(addr string) error {
	nlog.Infoln("admin: listening on", addr)
	return s.srv.ListenAndServe(addr)
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown() error { return s.srv.Shutdown() }

func (s *Server) route(ctx *fasthttp.RequestCtx) {
	switch string(ctx.Path()) {
	case "/metrics":
		s.serveMetrics(ctx)
	case "/entities":
		s.serveEntities(ctx)
	default:
		ctx.NotFound()
	}
}

func (s *Server) serveMetrics(ctx *fasthttp.RequestCtx) {
	families, err := s.gatherer.Gather()
	if err != nil {
		ctx.Error("gather failed: "+err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	format := expfmt.NewFormat(expfmt.TypeTextPlain)
	ctx.SetContentType(string(format))
	enc := expfmt.NewEncoder(ctx, format)
	for _, mf := range families {
		var f *dto.MetricFamily = mf
		if err := enc.Encode(f); err != nil {
			nlog.Errorln("admin: metric encode error:", err)
			return
		}
	}
}

func (s *Server) serveEntities(ctx *fasthttp.RequestCtx) {
	view := buildView(s.registry.Root())
	ctx.SetContentType("application/json")
	body, err := json.Marshal(view)
	if err != nil {
		ctx.Error("marshal failed: "+err.Error(), fasthttp.StatusInternalServerError)
		return
	}
	_, _ = ctx.Write(body)
}

func buildView(e *entity.Entity) entityView {
	v := entityView{
		Handle:  e.Link.Handle,
		Kind:    e.Kind.String(),
		IID:     e.IID,
		Enabled: e.Enabled(),
	}
	for _, c := range e.Children() {
		v.Children = append(v.Children, buildView(c))
	}
	return v
}
